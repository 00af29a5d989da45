package emails

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apppkg "github.com/leadline-io/crm-go/cmd/api/app"
	authpkg "github.com/leadline-io/crm-go/cmd/api/auth"
)

// outboundDB serves canned rows from the sent-mail log.
type outboundDB struct {
	rows []Outbound
	err  error
}

func (db *outboundDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	if db.err != nil {
		return nil, db.err
	}
	return &logRows{rows: db.rows}, nil
}
func (db *outboundDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return noRow{}
}
func (db *outboundDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

type logRows struct {
	rows []Outbound
	idx  int
}

func (r *logRows) Close()                                       {}
func (r *logRows) Err() error                                   { return nil }
func (r *logRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *logRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *logRows) RawValues() [][]byte                          { return nil }
func (r *logRows) Values() ([]any, error)                       { return nil, nil }
func (r *logRows) Conn() *pgx.Conn                              { return nil }
func (r *logRows) Next() bool                                   { return r.idx < len(r.rows) }
func (r *logRows) Scan(dest ...any) error {
	e := r.rows[r.idx]
	r.idx++
	*(dest[0].(*string)) = e.ID
	*(dest[1].(*string)) = e.To
	*(dest[2].(*string)) = e.Subject
	*(dest[3].(*string)) = e.Status
	*(dest[4].(*int)) = e.Retries
	*(dest[5].(*time.Time)) = e.Created
	return nil
}

type noRow struct{}

func (noRow) Scan(dest ...any) error { return pgx.ErrNoRows }

func serveOutbound(db *outboundDB) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	a := apppkg.NewApp(apppkg.Config{Env: "test", TestBypassAuth: true}, db, nil, nil)
	a.R.GET("/emails/outbound", authpkg.Middleware(a), ListOutbound(a))
	rr := httptest.NewRecorder()
	a.R.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/emails/outbound", nil))
	return rr
}

func TestListOutbound(t *testing.T) {
	sent := time.Date(2026, 2, 9, 10, 30, 0, 0, time.UTC)
	db := &outboundDB{rows: []Outbound{
		{ID: "a1", To: "oncall@example.com", Subject: "SLA breached on lead L-1", Status: "sent", Created: sent},
		{ID: "a2", To: "oncall@example.com", Subject: "SLA breached on deal D-4", Status: "queued", Retries: 2, Created: sent.Add(time.Minute)},
	}}
	rr := serveOutbound(db)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var out []Outbound
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out))
	}
	if out[0].Subject != "SLA breached on lead L-1" || out[0].Status != "sent" {
		t.Fatalf("unexpected first entry %+v", out[0])
	}
	if out[1].Retries != 2 || out[1].Status != "queued" {
		t.Fatalf("unexpected second entry %+v", out[1])
	}
}

func TestListOutboundEmptyLog(t *testing.T) {
	rr := serveOutbound(&outboundDB{})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := rr.Body.String(); body != "[]" {
		t.Fatalf("expected empty array, got %s", body)
	}
}

func TestListOutboundQueryError(t *testing.T) {
	rr := serveOutbound(&outboundDB{err: errors.New("connection refused")})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}
