package sla

import (
	"testing"
	"time"
)

// priorityDefinition mirrors the two-priority fixture: High at one hour,
// Medium as the default at two hours, Mon-Fri 09:00-17:00.
func priorityDefinition(rolling bool) *Definition {
	d := &Definition{
		Name:             "priorities",
		ApplyOn:          KindLead,
		Enabled:          true,
		RollingResponses: rolling,
		Priorities: []Priority{
			{Name: "High", FirstResponseTime: 3600},
			{Name: "Medium", Default: true, FirstResponseTime: 7200},
		},
	}
	for wd := time.Monday; wd <= time.Friday; wd++ {
		d.WorkingHours = append(d.WorkingHours, WorkingHours{
			Weekday: wd,
			Hours:   Hours{StartSec: 9 * 3600, EndSec: 17 * 3600},
		})
	}
	return d
}

func tp(t time.Time) *time.Time { return &t }

func TestHandleCreation(t *testing.T) {
	d := priorityDefinition(false)
	now := at(1, 10, 0)

	e := &Entity{}
	d.HandleCreation(e, now)
	if e.SLACreation == nil || !e.SLACreation.Equal(now) {
		t.Fatalf("expected sla_creation %v, got %v", now, e.SLACreation)
	}
	if e.CommunicationStatus != "Medium" {
		t.Fatalf("expected default communication status, got %q", e.CommunicationStatus)
	}

	existing := at(1, 8, 0)
	e = &Entity{SLACreation: tp(existing)}
	d.HandleCreation(e, now)
	if !e.SLACreation.Equal(existing) {
		t.Fatalf("sla_creation overridden: %v", e.SLACreation)
	}
}

func TestSetFirstRespondedOn(t *testing.T) {
	d := priorityDefinition(false)
	now := at(1, 10, 0)

	e := &Entity{CommunicationStatus: "High"}
	d.SetFirstRespondedOn(e, now)
	if e.FirstRespondedOn == nil || e.LastRespondedOn == nil {
		t.Fatal("expected response timestamps to be set")
	}
	if !e.FirstRespondedOn.Equal(now) || !e.LastRespondedOn.Equal(now) {
		t.Fatalf("expected %v, got first=%v last=%v", now, e.FirstRespondedOn, e.LastRespondedOn)
	}

	// Sitting at the default priority is not a response.
	e = &Entity{CommunicationStatus: "Medium"}
	d.SetFirstRespondedOn(e, now)
	if e.FirstRespondedOn != nil {
		t.Fatalf("unexpected first_responded_on: %v", e.FirstRespondedOn)
	}

	// An existing first response never moves.
	first := at(1, 9, 30)
	e = &Entity{CommunicationStatus: "High", FirstRespondedOn: tp(first)}
	d.SetFirstRespondedOn(e, now)
	if !e.FirstRespondedOn.Equal(first) {
		t.Fatalf("first_responded_on moved: %v", e.FirstRespondedOn)
	}
}

func TestSetResponseBy(t *testing.T) {
	d := priorityDefinition(false)

	e := &Entity{SLACreation: tp(at(1, 10, 0)), CommunicationStatus: "High"}
	d.SetResponseBy(e)
	if e.ResponseBy == nil || !e.ResponseBy.Equal(at(1, 11, 0)) {
		t.Fatalf("expected Mon 11:00, got %v", e.ResponseBy)
	}

	// Unknown status falls back to the default priority target.
	e = &Entity{SLACreation: tp(at(1, 10, 0)), CommunicationStatus: "Replied"}
	d.SetResponseBy(e)
	if e.ResponseBy == nil || !e.ResponseBy.Equal(at(1, 12, 0)) {
		t.Fatalf("expected Mon 12:00, got %v", e.ResponseBy)
	}

	existing := at(1, 15, 0)
	e = &Entity{SLACreation: tp(at(1, 10, 0)), CommunicationStatus: "High", ResponseBy: tp(existing)}
	d.SetResponseBy(e)
	if !e.ResponseBy.Equal(existing) {
		t.Fatalf("response_by overridden: %v", e.ResponseBy)
	}
}

func TestSetResponseByWithoutWorkingHours(t *testing.T) {
	d := &Definition{
		Name:       "degraded",
		Priorities: []Priority{{Name: "Medium", Default: true, FirstResponseTime: 3600}},
	}
	e := &Entity{SLACreation: tp(at(1, 10, 0)), CommunicationStatus: "Medium"}
	d.SetResponseBy(e)
	if e.ResponseBy != nil {
		t.Fatalf("expected unset response_by, got %v", e.ResponseBy)
	}
	d.HandleSLAStatus(e, at(1, 12, 0))
	if e.Status != "" {
		t.Fatalf("expected unset status, got %q", e.Status)
	}
}

func TestIsFirstResponseFailed(t *testing.T) {
	d := priorityDefinition(false)
	now := at(1, 12, 0)
	cases := []struct {
		name string
		e    Entity
		want bool
	}{
		{"responded before deadline", Entity{ResponseBy: tp(at(1, 13, 0)), FirstRespondedOn: tp(now)}, false},
		{"responded after deadline", Entity{ResponseBy: tp(at(1, 11, 0)), FirstRespondedOn: tp(now)}, true},
		{"no response, deadline passed", Entity{ResponseBy: tp(at(1, 11, 0))}, true},
		{"no response, deadline pending", Entity{ResponseBy: tp(at(1, 13, 0))}, false},
		{"no deadline", Entity{}, false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.IsFirstResponseFailed(&tt.e, now); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestHandleSLAStatus(t *testing.T) {
	d := priorityDefinition(false)
	now := at(1, 12, 0)
	cases := []struct {
		name string
		e    Entity
		want Status
	}{
		{"fulfilled", Entity{ResponseBy: tp(at(1, 13, 0)), FirstRespondedOn: tp(now)}, StatusFulfilled},
		{"due", Entity{ResponseBy: tp(at(1, 13, 0))}, StatusFirstResponseDue},
		{"failed", Entity{ResponseBy: tp(at(1, 11, 0)), FirstRespondedOn: tp(now)}, StatusFailed},
		{"failed without response", Entity{ResponseBy: tp(at(1, 11, 0))}, StatusFailed},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			d.HandleSLAStatus(&tt.e, now)
			if tt.e.Status != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, tt.e.Status)
			}
		})
	}
}

func TestSetRollingResponsesFirstEntry(t *testing.T) {
	d := priorityDefinition(true)
	now := at(1, 12, 0)
	e := &Entity{
		CommunicationStatus: "High",
		LastResponseTime:    100,
		LastRespondedOn:     tp(now),
		ResponseBy:          tp(at(1, 13, 0)),
		FirstRespondedOn:    tp(now),
	}
	d.SetRollingResponses(e)
	if len(e.RollingResponses) != 1 {
		t.Fatalf("expected one entry, got %d", len(e.RollingResponses))
	}
	entry := e.RollingResponses[0]
	if entry.Status != StatusFulfilled || entry.ResponseTime != 100 || !entry.RespondedOn.Equal(now) {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestSetRollingResponsesSubsequentEntry(t *testing.T) {
	d := priorityDefinition(true)
	responded := at(1, 11, 0)
	e := &Entity{
		CommunicationStatus: "High",
		LastResponseTime:    100,
		LastRespondedOn:     tp(responded),
		FirstRespondedOn:    tp(responded),
		ResponseBy:          tp(at(1, 13, 0)),
		RollingResponses: []RollingResponse{
			{Status: StatusFulfilled, ResponseTime: 100, RespondedOn: responded},
		},
	}
	d.SetRollingResponses(e)
	if len(e.RollingResponses) != 2 {
		t.Fatalf("expected two entries, got %d", len(e.RollingResponses))
	}
	if !e.RollingResponses[1].RespondedOn.Equal(*e.LastRespondedOn) {
		t.Fatalf("entry timestamp %v != last_responded_on %v",
			e.RollingResponses[1].RespondedOn, e.LastRespondedOn)
	}
}

func TestSetRollingResponsesNeverMovesResponseBy(t *testing.T) {
	d := priorityDefinition(true)
	deadline := at(1, 13, 0)
	e := &Entity{
		CommunicationStatus: "High",
		LastResponseTime:    100,
		LastRespondedOn:     tp(at(1, 11, 0)),
		FirstRespondedOn:    tp(at(1, 11, 0)),
		ResponseBy:          tp(deadline),
		RollingResponses: []RollingResponse{
			{Status: StatusFulfilled, ResponseTime: 100, RespondedOn: at(1, 11, 0)},
		},
	}
	d.SetRollingResponses(e)
	if !e.ResponseBy.Equal(deadline) {
		t.Fatalf("response_by moved from %v to %v", deadline, e.ResponseBy)
	}
}

func TestSetRollingResponsesStaleDeadlineFails(t *testing.T) {
	d := priorityDefinition(true)
	e := &Entity{
		CommunicationStatus: "High",
		LastResponseTime:    100,
		LastRespondedOn:     tp(at(1, 12, 0)),
		FirstRespondedOn:    tp(at(1, 12, 0)),
		// Stale deadline from the previous cycle, already lapsed.
		ResponseBy: tp(at(1, 10, 0)),
		RollingResponses: []RollingResponse{
			{Status: StatusFulfilled, ResponseTime: 100, RespondedOn: at(1, 9, 30)},
		},
	}
	d.SetRollingResponses(e)
	if len(e.RollingResponses) != 2 {
		t.Fatalf("expected two entries, got %d", len(e.RollingResponses))
	}
	if e.RollingResponses[1].Status != StatusFailed {
		t.Fatalf("expected Failed entry, got %q", e.RollingResponses[1].Status)
	}
}

func TestHandleRollingSLAStatus(t *testing.T) {
	d := priorityDefinition(true)
	now := at(1, 12, 0)
	cases := []struct {
		name string
		e    Entity
		want Status
	}{
		{
			"fulfilled when agent replied in time",
			Entity{ResponseBy: tp(at(1, 13, 0)), LastRespondedOn: tp(now), CommunicationStatus: "High"},
			StatusFulfilled,
		},
		{
			"due while waiting on agent",
			Entity{ResponseBy: tp(at(1, 13, 0)), LastRespondedOn: tp(now), CommunicationStatus: "Medium"},
			StatusRollingResponseDue,
		},
		{
			"failed overrides fulfilled",
			Entity{ResponseBy: tp(at(1, 11, 0)), LastRespondedOn: tp(now), CommunicationStatus: "High"},
			StatusFailed,
		},
		{
			"failed while waiting on agent",
			Entity{ResponseBy: tp(at(1, 11, 0)), LastRespondedOn: tp(at(1, 9, 0)), CommunicationStatus: "Medium"},
			StatusFailed,
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			d.HandleRollingSLAStatus(&tt.e, now)
			if tt.e.Status != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, tt.e.Status)
			}
		})
	}
}

func TestIsRollingResponseFailedWaitingOnAgent(t *testing.T) {
	d := priorityDefinition(true)
	now := at(1, 12, 0)

	// Deadline lapsed, agent silent since an earlier reply: now decides.
	e := &Entity{
		ResponseBy:          tp(at(1, 11, 0)),
		LastRespondedOn:     tp(at(1, 9, 0)),
		CommunicationStatus: "Medium",
	}
	if !d.IsRollingResponseFailed(e, now) {
		t.Fatal("expected failure while waiting past the deadline")
	}

	e.ResponseBy = tp(at(1, 13, 0))
	if d.IsRollingResponseFailed(e, now) {
		t.Fatal("unexpected failure before the deadline")
	}
}

func TestHandleTargetsStartsNewCycle(t *testing.T) {
	d := priorityDefinition(true)
	now := at(1, 10, 0)
	old := at(1, 9, 0)
	e := &Entity{CommunicationStatus: "High", ResponseBy: tp(old)}
	d.HandleTargets(e, now)
	if e.CommunicationStatus != "Medium" {
		t.Fatalf("expected default status, got %q", e.CommunicationStatus)
	}
	// Medium targets two business hours from the customer message.
	if e.ResponseBy == nil || !e.ResponseBy.Equal(at(1, 12, 0)) {
		t.Fatalf("expected Mon 12:00, got %v", e.ResponseBy)
	}
}

func TestApplyFullWorkflow(t *testing.T) {
	d := priorityDefinition(false)
	now := at(1, 10, 0)
	e := &Entity{CommunicationStatus: "High", IsNew: true}
	d.Apply(e, now)
	if e.SLACreation == nil || e.ResponseBy == nil || e.Status == "" {
		t.Fatalf("incomplete apply: %+v", e)
	}
	if !e.ResponseBy.Equal(at(1, 11, 0)) {
		t.Fatalf("expected Mon 11:00, got %v", e.ResponseBy)
	}
	if e.Status != StatusFulfilled {
		// High is non-default, so creation itself counts as the response.
		t.Fatalf("expected Fulfilled, got %q", e.Status)
	}
}

func TestApplyIdempotentResave(t *testing.T) {
	d := priorityDefinition(false)
	now := at(1, 10, 0)
	e := &Entity{IsNew: true}
	d.Apply(e, now)
	if e.Status != StatusFirstResponseDue {
		t.Fatalf("expected First Response Due, got %q", e.Status)
	}

	snapshot := *e
	e.IsNew = false
	e.CommunicationStatusChanged = false
	d.Apply(e, at(1, 10, 30))
	if !e.SLACreation.Equal(*snapshot.SLACreation) || !e.ResponseBy.Equal(*snapshot.ResponseBy) {
		t.Fatalf("resave moved timestamps: %+v", e)
	}
	if e.Status != StatusFirstResponseDue {
		t.Fatalf("expected status to re-derive unchanged, got %q", e.Status)
	}
	if len(e.RollingResponses) != 0 {
		t.Fatalf("unexpected rolling entries: %+v", e.RollingResponses)
	}
}

func TestApplyRollingEndToEnd(t *testing.T) {
	d := priorityDefinition(true)

	// Created Monday 10:00 at the default priority.
	e := &Entity{IsNew: true}
	d.Apply(e, at(1, 10, 0))
	if e.ResponseBy == nil || !e.ResponseBy.Equal(at(1, 12, 0)) {
		t.Fatalf("expected Mon 12:00 deadline, got %v", e.ResponseBy)
	}
	if e.Status != StatusRollingResponseDue {
		t.Fatalf("expected Rolling Response Due, got %q", e.Status)
	}

	// Agent replies at 11:00: one fulfilled cycle, deadline untouched.
	replied := at(1, 11, 0)
	e.IsNew = false
	e.CommunicationStatus = "Replied"
	e.CommunicationStatusChanged = true
	e.LastRespondedOn = tp(replied)
	e.LastResponseTime = d.ElapsedTime(*e.SLACreation, replied)
	d.Apply(e, replied)
	if len(e.RollingResponses) != 1 || e.RollingResponses[0].Status != StatusFulfilled {
		t.Fatalf("unexpected log: %+v", e.RollingResponses)
	}
	if !e.ResponseBy.Equal(at(1, 12, 0)) {
		t.Fatalf("reply moved response_by to %v", e.ResponseBy)
	}
	if e.Status != StatusFulfilled {
		t.Fatalf("expected Fulfilled, got %q", e.Status)
	}

	// Customer writes back Monday 14:00: fresh two-hour deadline.
	d.HandleTargets(e, at(1, 14, 0))
	if !e.ResponseBy.Equal(at(1, 16, 0)) {
		t.Fatalf("expected Mon 16:00, got %v", e.ResponseBy)
	}

	// Agent misses it; reply at 16:30 logs a failed cycle.
	late := at(1, 16, 30)
	e.CommunicationStatus = "Replied"
	e.CommunicationStatusChanged = true
	e.LastRespondedOn = tp(late)
	d.Apply(e, late)
	if len(e.RollingResponses) != 2 || e.RollingResponses[1].Status != StatusFailed {
		t.Fatalf("unexpected log: %+v", e.RollingResponses)
	}
	if e.Status != StatusFailed {
		t.Fatalf("expected Failed, got %q", e.Status)
	}
}
