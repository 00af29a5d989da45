package events

import (
	"context"
	"encoding/json"

	apppkg "github.com/leadline-io/crm-go/cmd/api/app"
)

// Emit records an entity event in the database. Best effort; errors are ignored.
func Emit(ctx context.Context, db apppkg.DB, kind, entityID, typ string, data interface{}) {
	if db == nil {
		return
	}
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	const q = `insert into entity_events (entity_kind, entity_id, event_type, payload) values ($1, $2, $3, $4)`
	_, _ = db.Exec(ctx, q, kind, entityID, typ, b)
}
