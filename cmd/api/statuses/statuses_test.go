package statuses

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apppkg "github.com/leadline-io/crm-go/cmd/api/app"
	authpkg "github.com/leadline-io/crm-go/cmd/api/auth"
)

type srows struct {
	data []CommunicationStatus
	idx  int
}

func (r *srows) Close()                                       {}
func (r *srows) Err() error                                   { return nil }
func (r *srows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *srows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *srows) Next() bool                                   { return r.idx < len(r.data) }
func (r *srows) Values() ([]any, error)                       { return nil, nil }
func (r *srows) RawValues() [][]byte                          { return nil }
func (r *srows) Conn() *pgx.Conn                              { return nil }
func (r *srows) Scan(dest ...any) error {
	row := r.data[r.idx]
	r.idx++
	*(dest[0].(*string)) = row.ID
	*(dest[1].(*string)) = row.Name
	return nil
}

type sdb struct{ rows []CommunicationStatus }

func (db *sdb) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return &srows{data: db.rows}, nil
}
func (db *sdb) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row { return nil }
func (db *sdb) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func TestStatusList(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := &sdb{rows: []CommunicationStatus{{ID: "1", Name: "Meeting Booked"}, {ID: "2", Name: "Replied"}}}
	cfg := apppkg.Config{Env: "test", TestBypassAuth: true}
	a := apppkg.NewApp(cfg, db, nil, nil)
	a.R.GET("/communication-statuses", authpkg.Middleware(a), List(a))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/communication-statuses", nil)
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var out []CommunicationStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil || len(out) != 2 {
		t.Fatalf("unexpected body: %v %v", out, err)
	}
}
