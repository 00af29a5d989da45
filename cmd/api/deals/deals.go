package deals

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	apppkg "github.com/leadline-io/crm-go/cmd/api/app"
	eventspkg "github.com/leadline-io/crm-go/cmd/api/events"
	wspkg "github.com/leadline-io/crm-go/cmd/api/ws"
	slapkg "github.com/leadline-io/crm-go/internal/sla"
)

// Deal is the API representation, SLA clock fields included.
type Deal struct {
	ID                  string                   `json:"id"`
	Name                string                   `json:"name"`
	Organization        string                   `json:"organization,omitempty"`
	Email               string                   `json:"email,omitempty"`
	Phone               string                   `json:"phone,omitempty"`
	LeadID              *string                  `json:"lead_id,omitempty"`
	Status              string                   `json:"status"`
	Value               float64                  `json:"value,omitempty"`
	SLA                 string                   `json:"sla,omitempty"`
	SLACreation         *time.Time               `json:"sla_creation,omitempty"`
	CommunicationStatus string                   `json:"communication_status,omitempty"`
	FirstRespondedOn    *time.Time               `json:"first_responded_on,omitempty"`
	LastRespondedOn     *time.Time               `json:"last_responded_on,omitempty"`
	LastResponseTime    int64                    `json:"last_response_time,omitempty"`
	ResponseBy          *time.Time               `json:"response_by,omitempty"`
	SLAStatus           string                   `json:"sla_status,omitempty"`
	RollingResponses    []slapkg.RollingResponse `json:"rolling_responses,omitempty"`
}

type createDealReq struct {
	Name         string  `json:"name" binding:"required,min=2"`
	Organization string  `json:"organization"`
	Email        string  `json:"email" binding:"omitempty,email"`
	Phone        string  `json:"phone"`
	Value        float64 `json:"value" binding:"omitempty,min=0"`
}

func newApplier(a *apppkg.App) *slapkg.Applier {
	return slapkg.NewApplier(&slapkg.DefaultResolver{DB: a.DB})
}

// Create inserts a deal and starts its SLA clock in the same save.
func Create(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createDealReq
		if err := c.ShouldBindJSON(&in); err != nil {
			errs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					errs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			c.JSON(http.StatusBadRequest, gin.H{"errors": errs})
			return
		}
		ctx := c.Request.Context()
		ap := newApplier(a)
		e := &slapkg.Entity{Kind: slapkg.KindDeal, IsNew: true}
		if err := ap.BeforeValidate(ctx, e); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := ap.BeforeSave(ctx, e); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		const q = `insert into deals (name, organization, email, phone, status, value, sla, sla_creation, communication_status, first_responded_on, last_responded_on, last_response_time, response_by, sla_status, last_message_at)
values ($1, nullif($2,''), nullif($3,''), nullif($4,''), 'Qualification', $5, nullif($6,''), $7, nullif($8,''), $9, $10, $11, $12, nullif($13,''), now())
returning id::text`
		var id string
		if err := a.DB.QueryRow(ctx, q,
			in.Name, in.Organization, strings.ToLower(in.Email), in.Phone, in.Value,
			e.SLA, e.SLACreation, e.CommunicationStatus, e.FirstRespondedOn,
			e.LastRespondedOn, e.LastResponseTime, e.ResponseBy, string(e.Status)).Scan(&id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := Deal{
			ID:                  id,
			Name:                in.Name,
			Organization:        in.Organization,
			Email:               strings.ToLower(in.Email),
			Phone:               in.Phone,
			Status:              "Qualification",
			Value:               in.Value,
			SLA:                 e.SLA,
			SLACreation:         e.SLACreation,
			CommunicationStatus: e.CommunicationStatus,
			ResponseBy:          e.ResponseBy,
			SLAStatus:           string(e.Status),
		}
		eventspkg.Emit(ctx, a.DB, "deal", id, "deal_created", out)
		wspkg.PublishEvent(ctx, a.Q, wspkg.Created("deal", id, out))
		c.JSON(http.StatusCreated, out)
	}
}

// List returns recent deals with optional filters.
func List(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		where := []string{}
		args := []any{}
		if v := strings.TrimSpace(c.Query("status")); v != "" {
			where = append(where, fmt.Sprintf("status = $%d", len(args)+1))
			args = append(args, v)
		}
		if v := strings.TrimSpace(c.Query("sla_status")); v != "" {
			where = append(where, fmt.Sprintf("sla_status = $%d", len(args)+1))
			args = append(args, v)
		}
		if v := strings.TrimSpace(c.Query("search")); v != "" {
			n := len(args) + 1
			where = append(where, fmt.Sprintf("(name ILIKE $%d OR organization ILIKE $%d)", n, n))
			args = append(args, "%"+v+"%")
		}
		sql := `select id::text, name, coalesce(organization,''), coalesce(email,''), coalesce(phone,''), lead_id::text, status, coalesce(value,0), coalesce(sla,''), sla_creation, coalesce(communication_status,''), first_responded_on, last_responded_on, last_response_time, response_by, coalesce(sla_status,'') from deals`
		if len(where) > 0 {
			sql += " where " + strings.Join(where, " and ")
		}
		sql += " order by created_at desc limit 100"
		rows, err := a.DB.Query(c.Request.Context(), sql, args...)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []Deal{}
		for rows.Next() {
			var d Deal
			if err := rows.Scan(&d.ID, &d.Name, &d.Organization, &d.Email, &d.Phone, &d.LeadID,
				&d.Status, &d.Value, &d.SLA, &d.SLACreation, &d.CommunicationStatus, &d.FirstRespondedOn,
				&d.LastRespondedOn, &d.LastResponseTime, &d.ResponseBy, &d.SLAStatus); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, d)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Get returns one deal with its rolling response log.
func Get(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		const q = `select id::text, name, coalesce(organization,''), coalesce(email,''), coalesce(phone,''), lead_id::text, status, coalesce(value,0), coalesce(sla,''), sla_creation, coalesce(communication_status,''), first_responded_on, last_responded_on, last_response_time, response_by, coalesce(sla_status,'') from deals where id=$1`
		var d Deal
		if err := a.DB.QueryRow(ctx, q, id).Scan(&d.ID, &d.Name, &d.Organization, &d.Email, &d.Phone,
			&d.LeadID, &d.Status, &d.Value, &d.SLA, &d.SLACreation, &d.CommunicationStatus,
			&d.FirstRespondedOn, &d.LastRespondedOn, &d.LastResponseTime, &d.ResponseBy, &d.SLAStatus); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		rows, err := a.DB.Query(ctx,
			`select status, response_time, responded_on from rolling_responses where entity_kind='deal' and entity_id=$1 order by idx`, id)
		if err == nil {
			defer rows.Close()
			for rows.Next() {
				var rr slapkg.RollingResponse
				var st string
				if err := rows.Scan(&st, &rr.ResponseTime, &rr.RespondedOn); err == nil {
					rr.Status = slapkg.Status(st)
					d.RollingResponses = append(d.RollingResponses, rr)
				}
			}
		}
		c.JSON(http.StatusOK, d)
	}
}

func loadEntity(c *gin.Context, a *apppkg.App, id string) (*slapkg.Entity, error) {
	ctx := c.Request.Context()
	e := &slapkg.Entity{ID: id, Kind: slapkg.KindDeal}
	var sla, comm, status string
	const q = `select coalesce(sla,''), sla_creation, coalesce(communication_status,''), first_responded_on, last_responded_on, last_response_time, response_by, coalesce(sla_status,'') from deals where id=$1`
	if err := a.DB.QueryRow(ctx, q, id).Scan(&sla, &e.SLACreation, &comm,
		&e.FirstRespondedOn, &e.LastRespondedOn, &e.LastResponseTime, &e.ResponseBy, &status); err != nil {
		return nil, err
	}
	e.SLA = sla
	e.CommunicationStatus = comm
	e.Status = slapkg.Status(status)
	rows, err := a.DB.Query(ctx,
		`select status, response_time, responded_on from rolling_responses where entity_kind='deal' and entity_id=$1 order by idx`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var rr slapkg.RollingResponse
		var st string
		if err := rows.Scan(&st, &rr.ResponseTime, &rr.RespondedOn); err == nil {
			rr.Status = slapkg.Status(st)
			e.RollingResponses = append(e.RollingResponses, rr)
		}
	}
	return e, nil
}

func persistEntity(c *gin.Context, a *apppkg.App, e *slapkg.Entity, prevLog int) error {
	ctx := c.Request.Context()
	const q = `update deals set sla=nullif($1,''), sla_creation=$2, communication_status=nullif($3,''), first_responded_on=$4, last_responded_on=$5, last_response_time=$6, response_by=$7, sla_status=nullif($8,''), updated_at=now() where id=$9`
	if _, err := a.DB.Exec(ctx, q, e.SLA, e.SLACreation, e.CommunicationStatus,
		e.FirstRespondedOn, e.LastRespondedOn, e.LastResponseTime, e.ResponseBy, string(e.Status), e.ID); err != nil {
		return err
	}
	for i := prevLog; i < len(e.RollingResponses); i++ {
		rr := e.RollingResponses[i]
		if _, err := a.DB.Exec(ctx,
			`insert into rolling_responses (entity_kind, entity_id, idx, status, response_time, responded_on) values ('deal', $1, $2, $3, $4, $5)`,
			e.ID, i, string(rr.Status), rr.ResponseTime, rr.RespondedOn); err != nil {
			return err
		}
	}
	return nil
}

// Update changes pipeline status or communication status; the latter re-runs
// the SLA tracker against the stored snapshot.
func Update(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in struct {
			Status              *string  `json:"status"`
			Value               *float64 `json:"value"`
			CommunicationStatus *string  `json:"communication_status"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		if in.Status == nil && in.Value == nil && in.CommunicationStatus == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no fields"})
			return
		}
		ctx := c.Request.Context()
		id := c.Param("id")
		if in.Status != nil {
			if _, err := a.DB.Exec(ctx, `update deals set status=$1, updated_at=now() where id=$2`, *in.Status, id); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		if in.Value != nil {
			if _, err := a.DB.Exec(ctx, `update deals set value=$1, updated_at=now() where id=$2`, *in.Value, id); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		if in.CommunicationStatus != nil {
			e, err := loadEntity(c, a, id)
			if err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			prevLog := len(e.RollingResponses)
			prevStatus := e.Status
			// A re-save with the stored value must not re-run the setter
			// pass, or rolling mode would append a duplicate log entry.
			e.CommunicationStatusChanged = *in.CommunicationStatus != e.CommunicationStatus
			e.CommunicationStatus = *in.CommunicationStatus
			ap := newApplier(a)
			if err := ap.BeforeValidate(ctx, e); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if err := ap.BeforeSave(ctx, e); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if err := persistEntity(c, a, e, prevLog); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if e.Status != prevStatus {
				eventspkg.Emit(ctx, a.DB, "deal", id, "sla_status_changed", gin.H{"from": prevStatus, "to": e.Status})
				wspkg.PublishEvent(ctx, a.Q, wspkg.StatusChanged("deal", id, string(prevStatus), string(e.Status), e.ResponseBy))
			}
		}
		Get(a)(c)
	}
}
