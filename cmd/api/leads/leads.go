package leads

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

// Lead is the API representation, SLA clock fields included.
type Lead struct {
	ID                  string                   `json:"id"`
	Name                string                   `json:"name"`
	Organization        string                   `json:"organization,omitempty"`
	Email               string                   `json:"email,omitempty"`
	Phone               string                   `json:"phone,omitempty"`
	Status              string                   `json:"status"`
	Source              string                   `json:"source,omitempty"`
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

type createLeadReq struct {
	Name         string `json:"name" binding:"required,min=2"`
	Organization string `json:"organization"`
	Email        string `json:"email" binding:"omitempty,email"`
	Phone        string `json:"phone"`
	Source       string `json:"source"`
}

func newApplier(a *apppkg.App) *slapkg.Applier {
	return slapkg.NewApplier(&slapkg.DefaultResolver{DB: a.DB})
}

// Create inserts a lead and starts its SLA clock in the same save.
func Create(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createLeadReq
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
		e := &slapkg.Entity{Kind: slapkg.KindLead, IsNew: true}
		if err := ap.BeforeValidate(ctx, e); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := ap.BeforeSave(ctx, e); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if in.Source == "" {
			in.Source = "web"
		}
		const q = `insert into leads (name, organization, email, phone, status, source, sla, sla_creation, communication_status, first_responded_on, last_responded_on, last_response_time, response_by, sla_status, last_message_at)
values ($1, nullif($2,''), nullif($3,''), nullif($4,''), 'New', $5, nullif($6,''), $7, nullif($8,''), $9, $10, $11, $12, nullif($13,''), now())
returning id::text`
		var id string
		if err := a.DB.QueryRow(ctx, q,
			in.Name, in.Organization, strings.ToLower(in.Email), in.Phone, in.Source,
			e.SLA, e.SLACreation, e.CommunicationStatus, e.FirstRespondedOn,
			e.LastRespondedOn, e.LastResponseTime, e.ResponseBy, string(e.Status)).Scan(&id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		e.ID = id
		out := Lead{
			ID:                  id,
			Name:                in.Name,
			Organization:        in.Organization,
			Email:               strings.ToLower(in.Email),
			Phone:               in.Phone,
			Status:              "New",
			Source:              in.Source,
			SLA:                 e.SLA,
			SLACreation:         e.SLACreation,
			CommunicationStatus: e.CommunicationStatus,
			ResponseBy:          e.ResponseBy,
			SLAStatus:           string(e.Status),
		}
		eventspkg.Emit(ctx, a.DB, "lead", id, "lead_created", out)
		wspkg.PublishEvent(ctx, a.Q, wspkg.Created("lead", id, out))
		c.JSON(http.StatusCreated, out)
	}
}

// List returns recent leads with optional filters.
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
			where = append(where, fmt.Sprintf("(name ILIKE $%d OR organization ILIKE $%d OR email ILIKE $%d)", n, n, n))
			args = append(args, "%"+v+"%")
		}
		sql := `select id::text, name, coalesce(organization,''), coalesce(email,''), coalesce(phone,''), status, coalesce(source,''), coalesce(sla,''), sla_creation, coalesce(communication_status,''), first_responded_on, last_responded_on, last_response_time, response_by, coalesce(sla_status,'') from leads`
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
		out := []Lead{}
		for rows.Next() {
			var l Lead
			if err := rows.Scan(&l.ID, &l.Name, &l.Organization, &l.Email, &l.Phone, &l.Status, &l.Source,
				&l.SLA, &l.SLACreation, &l.CommunicationStatus, &l.FirstRespondedOn, &l.LastRespondedOn,
				&l.LastResponseTime, &l.ResponseBy, &l.SLAStatus); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, l)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Get returns one lead with its rolling response log.
func Get(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		l, err := fetch(c, a, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, l)
	}
}

func fetch(c *gin.Context, a *apppkg.App, id string) (Lead, error) {
	ctx := c.Request.Context()
	const q = `select id::text, name, coalesce(organization,''), coalesce(email,''), coalesce(phone,''), status, coalesce(source,''), coalesce(sla,''), sla_creation, coalesce(communication_status,''), first_responded_on, last_responded_on, last_response_time, response_by, coalesce(sla_status,'') from leads where id=$1`
	var l Lead
	if err := a.DB.QueryRow(ctx, q, id).Scan(&l.ID, &l.Name, &l.Organization, &l.Email, &l.Phone,
		&l.Status, &l.Source, &l.SLA, &l.SLACreation, &l.CommunicationStatus, &l.FirstRespondedOn,
		&l.LastRespondedOn, &l.LastResponseTime, &l.ResponseBy, &l.SLAStatus); err != nil {
		return Lead{}, err
	}
	rows, err := a.DB.Query(ctx,
		`select status, response_time, responded_on from rolling_responses where entity_kind='lead' and entity_id=$1 order by idx`, id)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var rr slapkg.RollingResponse
			var st string
			if err := rows.Scan(&st, &rr.ResponseTime, &rr.RespondedOn); err == nil {
				rr.Status = slapkg.Status(st)
				l.RollingResponses = append(l.RollingResponses, rr)
			}
		}
	}
	return l, nil
}

// loadEntity hydrates the SLA snapshot for one lead.
func loadEntity(c *gin.Context, a *apppkg.App, id string) (*slapkg.Entity, error) {
	ctx := c.Request.Context()
	e := &slapkg.Entity{ID: id, Kind: slapkg.KindLead}
	var sla, comm, status string
	const q = `select coalesce(sla,''), sla_creation, coalesce(communication_status,''), first_responded_on, last_responded_on, last_response_time, response_by, coalesce(sla_status,'') from leads where id=$1`
	if err := a.DB.QueryRow(ctx, q, id).Scan(&sla, &e.SLACreation, &comm,
		&e.FirstRespondedOn, &e.LastRespondedOn, &e.LastResponseTime, &e.ResponseBy, &status); err != nil {
		return nil, err
	}
	e.SLA = sla
	e.CommunicationStatus = comm
	e.Status = slapkg.Status(status)
	rows, err := a.DB.Query(ctx,
		`select status, response_time, responded_on from rolling_responses where entity_kind='lead' and entity_id=$1 order by idx`, id)
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

// persistEntity writes the SLA fields back and appends any new rolling log
// rows. prevLog is the log length before the tracker ran.
func persistEntity(c *gin.Context, a *apppkg.App, e *slapkg.Entity, prevLog int) error {
	ctx := c.Request.Context()
	const q = `update leads set sla=nullif($1,''), sla_creation=$2, communication_status=nullif($3,''), first_responded_on=$4, last_responded_on=$5, last_response_time=$6, response_by=$7, sla_status=nullif($8,''), updated_at=now() where id=$9`
	if _, err := a.DB.Exec(ctx, q, e.SLA, e.SLACreation, e.CommunicationStatus,
		e.FirstRespondedOn, e.LastRespondedOn, e.LastResponseTime, e.ResponseBy, string(e.Status), e.ID); err != nil {
		return err
	}
	for i := prevLog; i < len(e.RollingResponses); i++ {
		rr := e.RollingResponses[i]
		if _, err := a.DB.Exec(ctx,
			`insert into rolling_responses (entity_kind, entity_id, idx, status, response_time, responded_on) values ('lead', $1, $2, $3, $4, $5)`,
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
			Status              *string `json:"status"`
			CommunicationStatus *string `json:"communication_status"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		if in.Status == nil && in.CommunicationStatus == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no fields"})
			return
		}
		ctx := c.Request.Context()
		id := c.Param("id")
		if in.Status != nil {
			if _, err := a.DB.Exec(ctx, `update leads set status=$1, updated_at=now() where id=$2`, *in.Status, id); err != nil {
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
				eventspkg.Emit(ctx, a.DB, "lead", id, "sla_status_changed", gin.H{"from": prevStatus, "to": e.Status})
				wspkg.PublishEvent(ctx, a.Q, wspkg.StatusChanged("lead", id, string(prevStatus), string(e.Status), e.ResponseBy))
			}
		}
		l, err := fetch(c, a, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, l)
	}
}
