package leads

import (
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

type communicationReq struct {
	Direction string `json:"direction" binding:"required,oneof=incoming outgoing"`
	Sender    string `json:"sender"`
	Content   string `json:"content" binding:"required"`
	// Communication status an outgoing reply moves the lead to.
	Status string `json:"status"`
}

// RecordCommunication logs a message on the lead and drives the SLA clock.
// An incoming customer message hands the ball back to the agent and projects
// a fresh deadline; an outgoing agent reply is scored against the deadline
// in force when it was sent.
func RecordCommunication(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in communicationReq
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
		id := c.Param("id")
		e, err := loadEntity(c, a, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		prevLog := len(e.RollingResponses)
		prevStatus := e.Status
		ap := newApplier(a)
		now := ap.Now()

		var def *slapkg.Definition
		if e.SLA != "" {
			if def, err = ap.Resolver.LoadSLA(ctx, e.SLA); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		switch in.Direction {
		case "incoming":
			if def != nil && def.Enabled {
				e.CommunicationStatusChanged = true
				def.HandleTargets(e, now)
				def.Apply(e, now)
			}
			if _, err := a.DB.Exec(ctx, `update leads set last_message_at=$1 where id=$2`, now, id); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		case "outgoing":
			status := in.Status
			if status == "" {
				status = "Replied"
			}
			e.CommunicationStatus = status
			e.CommunicationStatusChanged = true
			if e.FirstRespondedOn != nil {
				t := now
				e.LastRespondedOn = &t
			}
			if def != nil && def.Enabled {
				basis := e.SLACreation
				var lastMessage *time.Time
				_ = a.DB.QueryRow(ctx, `select last_message_at from leads where id=$1`, id).Scan(&lastMessage)
				if lastMessage != nil {
					basis = lastMessage
				}
				if basis != nil {
					e.LastResponseTime = def.ElapsedTime(*basis, now)
				}
			}
			if err := ap.BeforeSave(ctx, e); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		if err := persistEntity(c, a, e, prevLog); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if _, err := a.DB.Exec(ctx,
			`insert into communications (entity_kind, entity_id, direction, sender, content, created_at) values ('lead', $1, $2, nullif($3,''), $4, $5)`,
			id, in.Direction, in.Sender, in.Content, now); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if e.Status != prevStatus {
			eventspkg.Emit(ctx, a.DB, "lead", id, "sla_status_changed", gin.H{"from": prevStatus, "to": e.Status})
			wspkg.PublishEvent(ctx, a.Q, wspkg.StatusChanged("lead", id, string(prevStatus), string(e.Status), e.ResponseBy))
		}
		c.JSON(http.StatusCreated, gin.H{
			"direction":            in.Direction,
			"communication_status": e.CommunicationStatus,
			"response_by":          e.ResponseBy,
			"sla_status":           e.Status,
		})
	}
}
