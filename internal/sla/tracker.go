package sla

import "time"

// Status is the SLA compliance state derived on every save.
type Status string

const (
	StatusFulfilled          Status = "Fulfilled"
	StatusFirstResponseDue   Status = "First Response Due"
	StatusRollingResponseDue Status = "Rolling Response Due"
	StatusFailed             Status = "Failed"
)

// RollingResponse is one append-only log entry recording how a single agent
// reply fared against the deadline current at the time of the reply.
type RollingResponse struct {
	Status       Status    `json:"status"`
	ResponseTime int64     `json:"response_time"`
	RespondedOn  time.Time `json:"responded_on"`
}

// Entity is the SLA field snapshot of a lead or deal. The engine reads and
// mutates only these fields; persistence of the record is the caller's job.
type Entity struct {
	ID                  string
	Kind                EntityKind
	SLA                 string
	SLACreation         *time.Time
	CommunicationStatus string
	FirstRespondedOn    *time.Time
	LastRespondedOn     *time.Time
	LastResponseTime    int64
	ResponseBy          *time.Time
	Status              Status
	RollingResponses    []RollingResponse

	// Save-cycle flags supplied by the persistence layer.
	IsNew                      bool
	CommunicationStatusChanged bool
}

// Apply runs the full tracker pass for one save of e. Timestamp setters only
// fire when the save could have introduced a response; the status is
// re-derived unconditionally so it is always a function of current fields.
func (d *Definition) Apply(e *Entity, now time.Time) {
	if e.IsNew || e.CommunicationStatusChanged {
		d.HandleCreation(e, now)
		d.SetResponseBy(e)
		d.SetFirstRespondedOn(e, now)
		if d.RollingResponses {
			d.SetRollingResponses(e)
		}
	}
	if d.RollingResponses {
		d.HandleRollingSLAStatus(e, now)
	} else {
		d.HandleSLAStatus(e, now)
	}
}

// HandleCreation stamps sla_creation once. Pre-populated values, e.g. from an
// import, are left alone.
func (d *Definition) HandleCreation(e *Entity, now time.Time) {
	if e.SLACreation == nil {
		t := now
		e.SLACreation = &t
	}
	if e.CommunicationStatus == "" {
		e.CommunicationStatus = d.DefaultPriority()
	}
}

// SetFirstRespondedOn records the first agent response. The communication
// status moving off the default priority is what signals a response.
func (d *Definition) SetFirstRespondedOn(e *Entity, now time.Time) {
	if e.CommunicationStatus == d.DefaultPriority() || e.FirstRespondedOn != nil {
		return
	}
	t := now
	e.FirstRespondedOn = &t
	e.LastRespondedOn = &t
}

// SetResponseBy establishes the first-response deadline from sla_creation.
// An existing deadline is never overwritten, and an uncomputable one
// (no working hours) is left unset.
func (d *Definition) SetResponseBy(e *Entity) {
	if e.ResponseBy != nil || e.SLACreation == nil {
		return
	}
	p := d.PriorityFor(e.CommunicationStatus)
	if t, ok := d.CalcTime(*e.SLACreation, p.FirstResponseTime); ok {
		e.ResponseBy = &t
	}
}

// IsFirstResponseFailed reports whether the first response missed or is
// missing past its deadline.
func (d *Definition) IsFirstResponseFailed(e *Entity, now time.Time) bool {
	if e.ResponseBy == nil {
		return false
	}
	if e.FirstRespondedOn == nil {
		return now.After(*e.ResponseBy)
	}
	return e.FirstRespondedOn.After(*e.ResponseBy)
}

// HandleSLAStatus derives the non-rolling status from current fields.
func (d *Definition) HandleSLAStatus(e *Entity, now time.Time) {
	switch {
	case e.FirstRespondedOn != nil && e.ResponseBy != nil && !e.FirstRespondedOn.After(*e.ResponseBy):
		e.Status = StatusFulfilled
	case d.IsFirstResponseFailed(e, now):
		e.Status = StatusFailed
	case e.ResponseBy == nil:
		// No computable deadline; leave the status unset.
		e.Status = ""
	default:
		e.Status = StatusFirstResponseDue
	}
}

// SetRollingResponses appends one log entry for an agent reply, evaluated
// against whatever response_by currently holds. A stale, already-lapsed
// deadline correctly yields a Failed entry. The deadline itself is never
// moved here; only HandleTargets advances it.
func (d *Definition) SetRollingResponses(e *Entity) {
	if e.LastRespondedOn == nil || e.CommunicationStatus == d.DefaultPriority() {
		return
	}
	status := StatusFulfilled
	if e.ResponseBy != nil && e.LastRespondedOn.After(*e.ResponseBy) {
		status = StatusFailed
	}
	e.RollingResponses = append(e.RollingResponses, RollingResponse{
		Status:       status,
		ResponseTime: e.LastResponseTime,
		RespondedOn:  *e.LastRespondedOn,
	})
}

// IsRollingResponseFailed checks the live deadline. While waiting on the
// agent (default priority) it compares now, not the last reply, against
// response_by.
func (d *Definition) IsRollingResponseFailed(e *Entity, now time.Time) bool {
	if e.ResponseBy == nil {
		return false
	}
	if e.CommunicationStatus == d.DefaultPriority() || e.LastRespondedOn == nil {
		return now.After(*e.ResponseBy)
	}
	return e.LastRespondedOn.After(*e.ResponseBy)
}

// HandleRollingSLAStatus derives the rolling status. Failed wins whenever the
// live deadline lapsed without a qualifying reply.
func (d *Definition) HandleRollingSLAStatus(e *Entity, now time.Time) {
	switch {
	case d.IsRollingResponseFailed(e, now):
		e.Status = StatusFailed
	case e.ResponseBy == nil:
		e.Status = ""
	case e.CommunicationStatus != d.DefaultPriority():
		e.Status = StatusFulfilled
	default:
		e.Status = StatusRollingResponseDue
	}
}

// HandleTargets starts a fresh response cycle when an incoming customer
// message arrives: the ball is back with the agent and a new deadline is
// projected from now. This is the only place an existing response_by moves.
func (d *Definition) HandleTargets(e *Entity, now time.Time) {
	e.CommunicationStatus = d.DefaultPriority()
	p := d.PriorityFor(e.CommunicationStatus)
	if t, ok := d.CalcTime(now, p.FirstResponseTime); ok {
		e.ResponseBy = &t
	} else {
		e.ResponseBy = nil
	}
}
