package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"tablealert/internal/model"
)

type deliveryLogRepository struct {
	db *sqlx.DB
}

func NewDeliveryLogRepository(db *sqlx.DB) DeliveryLogRepository {
	return &deliveryLogRepository{db: db}
}

func (r *deliveryLogRepository) Append(ctx context.Context, entry *model.DeliveryLogEntry) error {
	query := `
		INSERT INTO delivery_logs (id, intent_id, device_id, push_address, status, provider_receipt_id, error, raw_response, created_at)
		VALUES (:id, :intent_id, :device_id, :push_address, :status, :provider_receipt_id, :error, :raw_response, :created_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}
	return nil
}

func (r *deliveryLogRepository) ListByIntents(ctx context.Context, intentIDs []string) ([]model.DeliveryLogEntry, error) {
	if len(intentIDs) == 0 {
		return []model.DeliveryLogEntry{}, nil
	}
	query := `
		SELECT id, intent_id, device_id, push_address, status, provider_receipt_id, error, raw_response, created_at
		FROM delivery_logs
		WHERE intent_id = ANY($1)
		ORDER BY created_at, id
	`
	var entries []model.DeliveryLogEntry
	if err := r.db.SelectContext(ctx, &entries, query, pq.Array(intentIDs)); err != nil {
		return nil, fmt.Errorf("list delivery logs: %w", err)
	}
	return entries, nil
}
