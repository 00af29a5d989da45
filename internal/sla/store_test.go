package sla

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type rowFunc func(dest ...any) error

type fakeRow struct{ f rowFunc }

func (r fakeRow) Scan(dest ...any) error { return r.f(dest...) }

type fakeRows struct {
	data [][]any
	i    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { return r.i < len(r.data) }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.i]
	r.i++
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = row[i].(string)
		case *int:
			*d = row[i].(int)
		case *int64:
			*d = int64(row[i].(int))
		case *bool:
			*d = row[i].(bool)
		case *time.Time:
			*d = row[i].(time.Time)
		}
	}
	return nil
}

type fakeDB struct {
	sla        []any
	priorities [][]any
	hours      [][]any
	holidays   [][]any
}

func (db fakeDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	switch {
	case strings.Contains(sql, "sla_priorities"):
		return &fakeRows{data: db.priorities}, nil
	case strings.Contains(sql, "sla_working_hours"):
		return &fakeRows{data: db.hours}, nil
	case strings.Contains(sql, "from holidays"):
		return &fakeRows{data: db.holidays}, nil
	}
	return &fakeRows{}, nil
}

func (db fakeDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	if strings.Contains(sql, "from slas") {
		return fakeRow{f: func(dest ...any) error {
			if db.sla == nil {
				return pgx.ErrNoRows
			}
			for i := range dest {
				switch d := dest[i].(type) {
				case *string:
					*d = db.sla[i].(string)
				case *bool:
					*d = db.sla[i].(bool)
				}
			}
			return nil
		}}
	}
	return fakeRow{f: func(dest ...any) error { return pgx.ErrNoRows }}
}

func TestLoadDefinition(t *testing.T) {
	db := fakeDB{
		sla: []any{"lead", true, true, true, "standard-holidays"},
		priorities: [][]any{
			{"High", false, 3600},
			{"Medium", true, 7200},
		},
		hours: [][]any{
			{int(time.Monday), 9 * 3600, 17 * 3600},
			{int(time.Tuesday), 10 * 3600, 15 * 3600},
		},
		holidays: [][]any{
			{time.Date(2024, 7, 4, 15, 30, 0, 0, time.UTC), "independence day"},
		},
	}
	d, err := LoadDefinition(context.Background(), db, "standard")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d == nil || d.ApplyOn != KindLead || !d.RollingResponses {
		t.Fatalf("unexpected definition: %+v", d)
	}
	if d.DefaultPriority() != "Medium" {
		t.Fatalf("expected Medium default, got %q", d.DefaultPriority())
	}
	if p := d.PriorityFor("High"); p.FirstResponseTime != 3600 {
		t.Fatalf("unexpected High priority: %+v", p)
	}
	if hrs := d.Workdays()[time.Tuesday]; hrs.StartSec != 10*3600 || hrs.EndSec != 15*3600 {
		t.Fatalf("unexpected Tuesday hours: %+v", hrs)
	}
	// Holiday timestamps normalize to their calendar date.
	if !d.IsHoliday(time.Date(2024, 7, 4, 9, 0, 0, 0, time.UTC)) {
		t.Fatal("expected July 4th to be a holiday")
	}
	if got := d.WorkingDays(); len(got) != 2 || got[0] != time.Monday || got[1] != time.Tuesday {
		t.Fatalf("unexpected working days: %v", got)
	}
}

func TestLoadDefinitionMissing(t *testing.T) {
	d, err := LoadDefinition(context.Background(), fakeDB{}, "absent")
	if err != nil || d != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", d, err)
	}
}

func TestLoadDefinitionInvalidConfig(t *testing.T) {
	db := fakeDB{
		sla:        []any{"lead", true, false, false, ""},
		priorities: [][]any{{"Medium", false, 3600}}, // no default priority
		hours:      [][]any{{int(time.Monday), 9 * 3600, 17 * 3600}},
	}
	if _, err := LoadDefinition(context.Background(), db, "broken"); err == nil {
		t.Fatal("expected a validation error")
	}
}

func TestDefaultResolverNoMatch(t *testing.T) {
	r := &DefaultResolver{DB: fakeDB{}}
	def, err := r.ResolveSLA(context.Background(), &Entity{Kind: KindDeal})
	if err != nil || def != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", def, err)
	}
}
