package memstore

import (
	"context"

	"tablealert/internal/model"
)

type deliveryLogRepository struct {
	db *DB
}

func (r *deliveryLogRepository) Append(ctx context.Context, entry *model.DeliveryLogEntry) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	r.db.logs = append(r.db.logs, *entry)
	return nil
}

func (r *deliveryLogRepository) ListByIntents(ctx context.Context, intentIDs []string) ([]model.DeliveryLogEntry, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	wanted := make(map[string]struct{}, len(intentIDs))
	for _, id := range intentIDs {
		wanted[id] = struct{}{}
	}
	out := []model.DeliveryLogEntry{}
	for _, e := range r.db.logs {
		if _, ok := wanted[e.IntentID]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}
