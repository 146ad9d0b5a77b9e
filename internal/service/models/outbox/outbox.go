package outbox

import (
	"encoding/json"
	"time"
)

// Row represents one event waiting in the outbox table.
// RelayedAt is nil while the row is pending and is set once, after a successful publish.
type Row struct {
	ID        int64
	Payload   json.RawMessage
	RelayedAt *time.Time
}

// Pending reports whether the row has not been relayed yet.
func (r Row) Pending() bool {
	return r.RelayedAt == nil
}

// IDs returns the ids of rows in their original order.
func IDs(rows []Row) []int64 {
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	return ids
}
