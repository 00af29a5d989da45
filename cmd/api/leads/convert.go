package leads

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apppkg "github.com/leadline-io/crm-go/cmd/api/app"
	eventspkg "github.com/leadline-io/crm-go/cmd/api/events"
	wspkg "github.com/leadline-io/crm-go/cmd/api/ws"
	slapkg "github.com/leadline-io/crm-go/internal/sla"
)

// Convert turns a lead into a deal. The lead is closed out as responded and
// the new deal starts its own SLA clock from scratch.
func Convert(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		l, err := fetch(c, a, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if l.Status == "Converted" {
			c.JSON(http.StatusConflict, gin.H{"error": "already converted"})
			return
		}

		e, err := loadEntity(c, a, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		prevLog := len(e.RollingResponses)
		ap := newApplier(a)
		now := ap.Now()
		e.CommunicationStatus = "Replied"
		e.CommunicationStatusChanged = true
		if e.FirstRespondedOn != nil {
			t := now
			e.LastRespondedOn = &t
		}
		if err := ap.BeforeSave(ctx, e); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := persistEntity(c, a, e, prevLog); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if _, err := a.DB.Exec(ctx, `update leads set status='Converted', updated_at=now() where id=$1`, id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		d := &slapkg.Entity{Kind: slapkg.KindDeal, IsNew: true}
		if err := ap.BeforeValidate(ctx, d); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := ap.BeforeSave(ctx, d); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		const q = `insert into deals (name, organization, email, phone, lead_id, status, sla, sla_creation, communication_status, response_by, sla_status, last_message_at)
values ($1, nullif($2,''), nullif($3,''), nullif($4,''), $5, 'Qualification', nullif($6,''), $7, nullif($8,''), $9, nullif($10,''), now())
returning id::text`
		var dealID string
		if err := a.DB.QueryRow(ctx, q, l.Name, l.Organization, l.Email, l.Phone, id,
			d.SLA, d.SLACreation, d.CommunicationStatus, d.ResponseBy, string(d.Status)).Scan(&dealID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := gin.H{
			"lead_id":     id,
			"deal_id":     dealID,
			"sla":         d.SLA,
			"response_by": d.ResponseBy,
			"sla_status":  d.Status,
		}
		eventspkg.Emit(ctx, a.DB, "lead", id, "lead_converted", out)
		wspkg.PublishEvent(ctx, a.Q, wspkg.Event{Type: "lead_converted", Kind: "lead", ID: id, Data: out})
		c.JSON(http.StatusCreated, out)
	}
}
