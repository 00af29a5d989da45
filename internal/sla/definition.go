package sla

import (
	"fmt"
	"time"
)

// EntityKind identifies which record type a definition applies to.
type EntityKind string

const (
	KindLead EntityKind = "lead"
	KindDeal EntityKind = "deal"
)

// Priority maps a communication status name to a first-response target.
type Priority struct {
	Name              string
	Default           bool
	FirstResponseTime int64 // seconds of business time
}

// Hours is a working window within a day, in seconds since midnight.
// The window is half-open: an instant exactly at EndSec is outside it.
type Hours struct {
	StartSec int
	EndSec   int
}

// WorkingHours binds a window to a weekday.
type WorkingHours struct {
	Weekday time.Weekday
	Hours
}

// Holiday is a fully excluded calendar date.
type Holiday struct {
	Date        time.Time
	Description string
}

// Definition is an SLA configuration, immutable while in use.
type Definition struct {
	Name             string
	ApplyOn          EntityKind
	Enabled          bool
	Default          bool
	RollingResponses bool
	Priorities       []Priority
	WorkingHours     []WorkingHours
	HolidayList      string
	Holidays         []Holiday

	hours    map[time.Weekday]Hours
	holidays map[civilDate]struct{}
}

// civilDate keys the holiday set by calendar date so a holiday stored at UTC
// midnight still matches entity timestamps carrying another zone.
type civilDate struct {
	year  int
	month time.Month
	day   int
}

func civilOf(t time.Time) civilDate {
	return civilDate{t.Year(), t.Month(), t.Day()}
}

// Validate reports configuration defects. It is called when a definition is
// saved or hydrated so a broken calendar never reaches deadline computation.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("sla: definition requires a name")
	}
	if len(d.Priorities) == 0 {
		return fmt.Errorf("sla %q: at least one priority is required", d.Name)
	}
	defaults := 0
	for _, p := range d.Priorities {
		if p.Name == "" {
			return fmt.Errorf("sla %q: priority requires a name", d.Name)
		}
		if p.FirstResponseTime < 0 {
			return fmt.Errorf("sla %q: priority %q has negative first response time", d.Name, p.Name)
		}
		if p.Default {
			defaults++
		}
	}
	if defaults != 1 {
		return fmt.Errorf("sla %q: exactly one default priority required, got %d", d.Name, defaults)
	}
	if len(d.WorkingHours) == 0 {
		return fmt.Errorf("sla %q: at least one working hours entry is required", d.Name)
	}
	seen := map[time.Weekday]bool{}
	for _, wh := range d.WorkingHours {
		if wh.Weekday < time.Sunday || wh.Weekday > time.Saturday {
			return fmt.Errorf("sla %q: invalid weekday %d", d.Name, wh.Weekday)
		}
		if wh.StartSec < 0 || wh.EndSec > 24*3600 || wh.StartSec >= wh.EndSec {
			return fmt.Errorf("sla %q: %s working hours must satisfy start < end", d.Name, wh.Weekday)
		}
		if seen[wh.Weekday] {
			return fmt.Errorf("sla %q: duplicate working hours for %s", d.Name, wh.Weekday)
		}
		seen[wh.Weekday] = true
	}
	return nil
}

// DefaultPriority returns the catch-all priority name.
func (d *Definition) DefaultPriority() string {
	for _, p := range d.Priorities {
		if p.Default {
			return p.Name
		}
	}
	return ""
}

// PriorityFor looks up a priority by communication status, falling back to the
// default priority when the status has no dedicated entry.
func (d *Definition) PriorityFor(status string) Priority {
	var def Priority
	for _, p := range d.Priorities {
		if p.Name == status {
			return p
		}
		if p.Default {
			def = p
		}
	}
	return def
}

// Workdays returns the weekday to window lookup. Duplicate weekday rows from
// legacy data resolve last-wins so the result is deterministic.
func (d *Definition) Workdays() map[time.Weekday]Hours {
	if d.hours == nil {
		d.hours = make(map[time.Weekday]Hours, len(d.WorkingHours))
		for _, wh := range d.WorkingHours {
			d.hours[wh.Weekday] = wh.Hours
		}
	}
	return d.hours
}

// WorkingDays lists the working weekdays in calendar order, Sunday first.
func (d *Definition) WorkingDays() []time.Weekday {
	hours := d.Workdays()
	out := make([]time.Weekday, 0, len(hours))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if _, ok := hours[wd]; ok {
			out = append(out, wd)
		}
	}
	return out
}

func (d *Definition) holidaySet() map[civilDate]struct{} {
	if d.holidays == nil {
		d.holidays = make(map[civilDate]struct{}, len(d.Holidays))
		for _, h := range d.Holidays {
			d.holidays[civilOf(h.Date)] = struct{}{}
		}
	}
	return d.holidays
}

// IsHoliday reports whether the date of t is excluded by the holiday list.
func (d *Definition) IsHoliday(t time.Time) bool {
	_, ok := d.holidaySet()[civilOf(t)]
	return ok
}

// IsWorkingTime reports whether t falls inside a working window, holidays
// excluded. The end boundary is exclusive.
func (d *Definition) IsWorkingTime(t time.Time) bool {
	if d.IsHoliday(t) {
		return false
	}
	win, ok := d.Workdays()[t.Weekday()]
	if !ok {
		return false
	}
	sec := secondOfDay(t)
	return sec >= win.StartSec && sec < win.EndSec
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func secondOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}
