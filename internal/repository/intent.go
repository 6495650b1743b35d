package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"tablealert/internal/model"
)

const intentColumns = `
	i.id, i.parent_id, i.restaurant_id, i.booking_id, i.kind, i.title, i.body, i.payload,
	i.priority, i.status, i.attempts, i.max_attempts, i.target_addresses, i.scheduled_for,
	i.sent_at, i.error, i.created_at,
	COALESCE(s.repeat_enabled, FALSE) AS repeat_enabled,
	COALESCE(s.interval_seconds, 0) AS interval_seconds,
	s.repeat_until, s.last_repeat_at,
	COALESCE(s.repeat_count, 0) AS repeat_count`

const intentFrom = `
	FROM alert_intents i
	LEFT JOIN alert_repeat_schedules s ON s.intent_id = i.id`

type intentRow struct {
	ID              string         `db:"id"`
	ParentID        *string        `db:"parent_id"`
	RestaurantID    string         `db:"restaurant_id"`
	BookingID       *string        `db:"booking_id"`
	Kind            string         `db:"kind"`
	Title           string         `db:"title"`
	Body            string         `db:"body"`
	Payload         []byte         `db:"payload"`
	Priority        string         `db:"priority"`
	Status          string         `db:"status"`
	Attempts        int            `db:"attempts"`
	MaxAttempts     int            `db:"max_attempts"`
	TargetAddresses pq.StringArray `db:"target_addresses"`
	ScheduledFor    time.Time      `db:"scheduled_for"`
	SentAt          *time.Time     `db:"sent_at"`
	Error           *string        `db:"error"`
	CreatedAt       time.Time      `db:"created_at"`
	RepeatEnabled   bool           `db:"repeat_enabled"`
	IntervalSeconds int            `db:"interval_seconds"`
	RepeatUntil     *time.Time     `db:"repeat_until"`
	LastRepeatAt    *time.Time     `db:"last_repeat_at"`
	RepeatCount     int            `db:"repeat_count"`
}

func (r intentRow) toModel() (model.AlertIntent, error) {
	payload := model.Payload{}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			return model.AlertIntent{}, fmt.Errorf("decode payload for intent %s: %w", r.ID, err)
		}
	}
	return model.AlertIntent{
		ID:                    r.ID,
		ParentID:              r.ParentID,
		RestaurantID:          r.RestaurantID,
		BookingID:             r.BookingID,
		Kind:                  model.IntentKind(r.Kind),
		Title:                 r.Title,
		Body:                  r.Body,
		Payload:               payload,
		Priority:              r.Priority,
		Status:                model.IntentStatus(r.Status),
		Attempts:              r.Attempts,
		MaxAttempts:           r.MaxAttempts,
		TargetAddresses:       []string(r.TargetAddresses),
		RepeatEnabled:         r.RepeatEnabled,
		RepeatIntervalSeconds: r.IntervalSeconds,
		RepeatUntil:           r.RepeatUntil,
		LastRepeatAt:          r.LastRepeatAt,
		RepeatCount:           r.RepeatCount,
		ScheduledFor:          r.ScheduledFor,
		SentAt:                r.SentAt,
		Error:                 r.Error,
		CreatedAt:             r.CreatedAt,
	}, nil
}

func rowsToIntents(rows []intentRow) ([]model.AlertIntent, error) {
	intents := make([]model.AlertIntent, 0, len(rows))
	for _, row := range rows {
		intent, err := row.toModel()
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

type intentRepository struct {
	db *sqlx.DB
}

func NewIntentRepository(db *sqlx.DB) IntentRepository {
	return &intentRepository{db: db}
}

// Create inserts the intent and, for repeating intents, its schedule row.
func (r *intentRepository) Create(ctx context.Context, intent *model.AlertIntent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if intent.RepeatEnabled && intent.BookingID != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE alert_repeat_schedules
			SET repeat_enabled = FALSE, repeat_until = $2, updated_at = $2
			WHERE booking_id = $1 AND repeat_enabled
		`, *intent.BookingID, intent.CreatedAt)
		if err != nil {
			return fmt.Errorf("disable previous chain: %w", err)
		}
	}

	if err := insertIntent(ctx, tx, intent); err != nil {
		return err
	}

	if intent.RepeatEnabled {
		if intent.RepeatUntil == nil {
			return fmt.Errorf("repeating intent %s: %w", intent.ID, model.ErrInvalidRequest)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO alert_repeat_schedules (intent_id, booking_id, interval_seconds, repeat_enabled, repeat_until, updated_at)
			VALUES ($1, $2, $3, TRUE, $4, $5)
		`, intent.ID, intent.BookingID, intent.RepeatIntervalSeconds, *intent.RepeatUntil, intent.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert repeat schedule: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit intent: %w", err)
	}
	return nil
}

func insertIntent(ctx context.Context, tx *sqlx.Tx, intent *model.AlertIntent) error {
	payload, err := json.Marshal(intent.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	query := `
		INSERT INTO alert_intents (
			id, parent_id, restaurant_id, booking_id, kind, title, body, payload,
			priority, status, attempts, max_attempts, target_addresses, scheduled_for, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = tx.ExecContext(ctx, query,
		intent.ID, intent.ParentID, intent.RestaurantID, intent.BookingID, string(intent.Kind),
		intent.Title, intent.Body, string(payload), intent.Priority, string(intent.Status),
		intent.Attempts, intent.MaxAttempts, pq.Array(intent.TargetAddresses),
		intent.ScheduledFor, intent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

func (r *intentRepository) GetByID(ctx context.Context, id string) (*model.AlertIntent, error) {
	var row intentRow
	err := r.db.GetContext(ctx, &row, `SELECT `+intentColumns+intentFrom+` WHERE i.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	intent, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (r *intentRepository) FindRecent(ctx context.Context, bookingID string, kind model.IntentKind, since time.Time) (*model.AlertIntent, error) {
	query := `SELECT ` + intentColumns + intentFrom + `
		WHERE i.booking_id = $1 AND i.kind = $2 AND i.created_at >= $3
		  AND i.status IN ('queued', 'sent')
		ORDER BY i.created_at DESC
		LIMIT 1`
	var row intentRow
	err := r.db.GetContext(ctx, &row, query, bookingID, string(kind), since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find recent intent: %w", err)
	}
	intent, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// ClaimDue leases due rows with SKIP LOCKED so concurrent runs split the batch.
func (r *intentRepository) ClaimDue(ctx context.Context, runID string, now, leaseUntil time.Time, limit int) ([]model.AlertIntent, error) {
	query := `
		UPDATE alert_intents
		SET claimed_by = $1, claimed_until = $3
		WHERE id IN (
			SELECT id FROM alert_intents
			WHERE status = 'queued'
			  AND scheduled_for <= $2
			  AND attempts < max_attempts
			  AND (claimed_until IS NULL OR claimed_until < $2)
			ORDER BY scheduled_for, created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, runID, now, leaseUntil, limit); err != nil {
		return nil, fmt.Errorf("claim due intents: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var rows []intentRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+intentColumns+intentFrom+`
		WHERE i.id = ANY($1)
		ORDER BY i.scheduled_for, i.created_at`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load claimed intents: %w", err)
	}
	return rowsToIntents(rows)
}

func (r *intentRepository) ClaimByID(ctx context.Context, id, runID string, now, leaseUntil time.Time) (*model.AlertIntent, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE alert_intents
		SET claimed_by = $2, claimed_until = $4
		WHERE id = $1
		  AND status = 'queued'
		  AND attempts < max_attempts
		  AND (claimed_until IS NULL OR claimed_until < $3)
	`, id, runID, now, leaseUntil)
	if err != nil {
		return nil, fmt.Errorf("claim intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, model.ErrStaleTransition
	}
	return r.GetByID(ctx, id)
}

func (r *intentRepository) MarkSent(ctx context.Context, id, runID string, sentAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE alert_intents
		SET status = 'sent', sent_at = $3, error = NULL, claimed_until = NULL
		WHERE id = $1 AND status = 'queued' AND claimed_by = $2
	`, id, runID, sentAt)
	if err != nil {
		return fmt.Errorf("mark intent sent: %w", err)
	}
	return requireOneRow(res)
}

func (r *intentRepository) MarkSkipped(ctx context.Context, id, runID, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE alert_intents
		SET status = 'skipped', error = $3, claimed_until = NULL
		WHERE id = $1 AND status = 'queued' AND claimed_by = $2
	`, id, runID, reason)
	if err != nil {
		return fmt.Errorf("mark intent skipped: %w", err)
	}
	return requireOneRow(res)
}

func (r *intentRepository) RecordFailure(ctx context.Context, id, runID, reason string) (model.IntentStatus, error) {
	var status string
	err := r.db.GetContext(ctx, &status, `
		UPDATE alert_intents
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
		    error = $3,
		    claimed_by = NULL,
		    claimed_until = NULL
		WHERE id = $1 AND status = 'queued' AND claimed_by = $2
		RETURNING status
	`, id, runID, reason)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.ErrStaleTransition
	}
	if err != nil {
		return "", fmt.Errorf("record intent failure: %w", err)
	}
	return model.IntentStatus(status), nil
}

func (r *intentRepository) ListRepeatDue(ctx context.Context, now time.Time, limit int) ([]model.AlertIntent, error) {
	query := `SELECT ` + intentColumns + intentFrom + `
		WHERE s.repeat_enabled
		  AND i.status = 'sent'
		  AND s.repeat_until > $1::timestamptz
		  AND COALESCE(s.last_repeat_at, i.sent_at) <= $1::timestamptz - make_interval(secs => s.interval_seconds)
		ORDER BY COALESCE(s.last_repeat_at, i.sent_at)
		LIMIT $2`
	var rows []intentRow
	if err := r.db.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("list repeat due: %w", err)
	}
	return rowsToIntents(rows)
}

// CreateRepeatChild compares-and-sets the parent clock, then inserts the child.
func (r *intentRepository) CreateRepeatChild(ctx context.Context, parentID string, prevLastRepeatAt *time.Time, now time.Time, child *model.AlertIntent) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE alert_repeat_schedules
		SET last_repeat_at = $2, repeat_count = repeat_count + 1, updated_at = $2
		WHERE intent_id = $1
		  AND repeat_enabled
		  AND repeat_until > $2
		  AND last_repeat_at IS NOT DISTINCT FROM $3::timestamptz
	`, parentID, now, prevLastRepeatAt)
	if err != nil {
		return false, fmt.Errorf("advance repeat clock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := insertIntent(ctx, tx, child); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit repeat child: %w", err)
	}
	return true, nil
}

func (r *intentRepository) StopRepeating(ctx context.Context, bookingID string, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE alert_repeat_schedules
		SET repeat_enabled = FALSE, repeat_until = $2, updated_at = $2
		WHERE booking_id = $1 AND repeat_enabled
	`, bookingID, now)
	if err != nil {
		return 0, fmt.Errorf("stop repeating: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *intentRepository) ListByBooking(ctx context.Context, bookingID string) ([]model.AlertIntent, error) {
	var rows []intentRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+intentColumns+intentFrom+`
		WHERE i.booking_id = $1
		ORDER BY i.created_at, i.id`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("list intents by booking: %w", err)
	}
	return rowsToIntents(rows)
}

func (r *intentRepository) ListByStatus(ctx context.Context, restaurantID string, status model.IntentStatus, limit int) ([]model.AlertIntent, error) {
	var rows []intentRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+intentColumns+intentFrom+`
		WHERE i.restaurant_id = $1 AND i.status = $2
		ORDER BY i.created_at DESC
		LIMIT $3`, restaurantID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list intents by status: %w", err)
	}
	return rowsToIntents(rows)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrStaleTransition
	}
	return nil
}
