package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// DB is the minimal query surface the store needs, mockable in tests.
type DB interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// LoadDefinition hydrates one SLA definition with its priorities, working
// hours and holidays. Returns (nil, nil) when no such definition exists and
// an error when the stored configuration fails validation.
func LoadDefinition(ctx context.Context, db DB, name string) (*Definition, error) {
	d := &Definition{Name: name}
	var kind string
	err := db.QueryRow(ctx,
		`select apply_on, enabled, is_default, rolling_responses, coalesce(holiday_list, '') from slas where name=$1`,
		name).Scan(&kind, &d.Enabled, &d.Default, &d.RollingResponses, &d.HolidayList)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.ApplyOn = EntityKind(kind)

	rows, err := db.Query(ctx,
		`select priority, is_default, first_response_secs from sla_priorities where sla_name=$1 order by idx`,
		name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p Priority
		if err := rows.Scan(&p.Name, &p.Default, &p.FirstResponseTime); err == nil {
			d.Priorities = append(d.Priorities, p)
		}
	}

	wrows, err := db.Query(ctx,
		`select dow, start_sec, end_sec from sla_working_hours where sla_name=$1 order by dow`,
		name)
	if err != nil {
		return nil, err
	}
	defer wrows.Close()
	for wrows.Next() {
		var dow, start, end int
		if err := wrows.Scan(&dow, &start, &end); err == nil {
			d.WorkingHours = append(d.WorkingHours, WorkingHours{
				Weekday: time.Weekday(dow),
				Hours:   Hours{StartSec: start, EndSec: end},
			})
		}
	}

	if d.HolidayList != "" {
		hrows, err := db.Query(ctx,
			`select date, coalesce(description, '') from holidays where list_name=$1 order by date`,
			d.HolidayList)
		if err != nil {
			return nil, err
		}
		defer hrows.Close()
		for hrows.Next() {
			var h Holiday
			if err := hrows.Scan(&h.Date, &h.Description); err == nil {
				d.Holidays = append(d.Holidays, h)
			}
		}
	}

	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("load sla %q: %w", name, err)
	}
	return d, nil
}

// DefaultResolver picks the enabled default definition for the entity kind.
// Richer condition matching happens upstream; entities arriving here either
// carry an SLA reference already or get the kind's catch-all.
type DefaultResolver struct {
	DB DB
}

func (r *DefaultResolver) ResolveSLA(ctx context.Context, e *Entity) (*Definition, error) {
	var name string
	err := r.DB.QueryRow(ctx,
		`select name from slas where apply_on=$1 and enabled and is_default limit 1`,
		string(e.Kind)).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return LoadDefinition(ctx, r.DB, name)
}

func (r *DefaultResolver) LoadSLA(ctx context.Context, name string) (*Definition, error) {
	return LoadDefinition(ctx, r.DB, name)
}
