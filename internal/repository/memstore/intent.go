package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tablealert/internal/model"
)

type intentRepository struct {
	db *DB
}

// view joins an intent row with its schedule, like the Postgres LEFT JOIN.
func (db *DB) view(st *intentState) model.AlertIntent {
	out := st.intent
	out.Payload = st.intent.Payload.Clone()
	if len(st.intent.TargetAddresses) > 0 {
		out.TargetAddresses = append([]string(nil), st.intent.TargetAddresses...)
	}
	out.RepeatEnabled = false
	out.RepeatIntervalSeconds = 0
	out.RepeatUntil = nil
	out.LastRepeatAt = nil
	out.RepeatCount = 0
	if s, ok := db.schedules[st.intent.ID]; ok {
		until := s.until
		out.RepeatEnabled = s.enabled
		out.RepeatIntervalSeconds = s.intervalSeconds
		out.RepeatUntil = &until
		out.RepeatCount = s.count
		if s.lastRepeatAt != nil {
			last := *s.lastRepeatAt
			out.LastRepeatAt = &last
		}
	}
	return out
}

func (db *DB) insertIntent(intent *model.AlertIntent) error {
	if _, exists := db.intents[intent.ID]; exists {
		return fmt.Errorf("insert intent: duplicate id %s", intent.ID)
	}
	db.seq++
	stored := *intent
	stored.Payload = intent.Payload.Clone()
	stored.TargetAddresses = append([]string(nil), intent.TargetAddresses...)
	db.intents[intent.ID] = &intentState{intent: stored, seq: db.seq}
	return nil
}

func (db *DB) stopChains(bookingID string, now time.Time) int {
	n := 0
	for _, s := range db.schedules {
		if s.enabled && s.bookingID != nil && *s.bookingID == bookingID {
			s.enabled = false
			s.until = now
			n++
		}
	}
	return n
}

func (r *intentRepository) Create(ctx context.Context, intent *model.AlertIntent) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if intent.RepeatEnabled && intent.RepeatUntil == nil {
		return fmt.Errorf("repeating intent %s: %w", intent.ID, model.ErrInvalidRequest)
	}
	if intent.RepeatEnabled && intent.BookingID != nil {
		r.db.stopChains(*intent.BookingID, intent.CreatedAt)
	}
	if err := r.db.insertIntent(intent); err != nil {
		return err
	}
	if intent.RepeatEnabled {
		var bookingID *string
		if intent.BookingID != nil {
			id := *intent.BookingID
			bookingID = &id
		}
		r.db.schedules[intent.ID] = &schedule{
			bookingID:       bookingID,
			intervalSeconds: intent.RepeatIntervalSeconds,
			enabled:         true,
			until:           *intent.RepeatUntil,
		}
	}
	return nil
}

func (r *intentRepository) GetByID(ctx context.Context, id string) (*model.AlertIntent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	st, ok := r.db.intents[id]
	if !ok {
		return nil, model.ErrIntentNotFound
	}
	out := r.db.view(st)
	return &out, nil
}

func (r *intentRepository) FindRecent(ctx context.Context, bookingID string, kind model.IntentKind, since time.Time) (*model.AlertIntent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var best *intentState
	for _, st := range r.db.intents {
		in := st.intent
		if in.BookingRef() != bookingID || in.Kind != kind || in.CreatedAt.Before(since) {
			continue
		}
		if in.Status != model.IntentStatusQueued && in.Status != model.IntentStatusSent {
			continue
		}
		if best == nil || st.seq > best.seq {
			best = st
		}
	}
	if best == nil {
		return nil, model.ErrIntentNotFound
	}
	out := r.db.view(best)
	return &out, nil
}

func (db *DB) claimable(st *intentState, now time.Time) bool {
	in := st.intent
	if in.Status != model.IntentStatusQueued || in.Attempts >= in.MaxAttempts {
		return false
	}
	return st.claimedUntil == nil || st.claimedUntil.Before(now)
}

func (r *intentRepository) ClaimDue(ctx context.Context, runID string, now, leaseUntil time.Time, limit int) ([]model.AlertIntent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var due []*intentState
	for _, st := range r.db.intents {
		if r.db.claimable(st, now) && !st.intent.ScheduledFor.After(now) {
			due = append(due, st)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].intent, due[j].intent
		if !a.ScheduledFor.Equal(b.ScheduledFor) {
			return a.ScheduledFor.Before(b.ScheduledFor)
		}
		return due[i].seq < due[j].seq
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]model.AlertIntent, 0, len(due))
	for _, st := range due {
		until := leaseUntil
		st.claimedBy = runID
		st.claimedUntil = &until
		out = append(out, r.db.view(st))
	}
	return out, nil
}

func (r *intentRepository) ClaimByID(ctx context.Context, id, runID string, now, leaseUntil time.Time) (*model.AlertIntent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	st, ok := r.db.intents[id]
	if !ok || !r.db.claimable(st, now) {
		return nil, model.ErrStaleTransition
	}
	until := leaseUntil
	st.claimedBy = runID
	st.claimedUntil = &until
	out := r.db.view(st)
	return &out, nil
}

// owned returns the row only while it is queued and claimed by runID.
func (db *DB) owned(id, runID string) (*intentState, error) {
	st, ok := db.intents[id]
	if !ok || st.intent.Status != model.IntentStatusQueued || st.claimedBy != runID {
		return nil, model.ErrStaleTransition
	}
	return st, nil
}

func (r *intentRepository) MarkSent(ctx context.Context, id, runID string, sentAt time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	st, err := r.db.owned(id, runID)
	if err != nil {
		return err
	}
	at := sentAt
	st.intent.Status = model.IntentStatusSent
	st.intent.SentAt = &at
	st.intent.Error = nil
	st.claimedUntil = nil
	return nil
}

func (r *intentRepository) MarkSkipped(ctx context.Context, id, runID, reason string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	st, err := r.db.owned(id, runID)
	if err != nil {
		return err
	}
	msg := reason
	st.intent.Status = model.IntentStatusSkipped
	st.intent.Error = &msg
	st.claimedUntil = nil
	return nil
}

func (r *intentRepository) RecordFailure(ctx context.Context, id, runID, reason string) (model.IntentStatus, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	st, err := r.db.owned(id, runID)
	if err != nil {
		return "", err
	}
	msg := reason
	st.intent.Attempts++
	if st.intent.Attempts >= st.intent.MaxAttempts {
		st.intent.Status = model.IntentStatusFailed
	}
	st.intent.Error = &msg
	st.claimedBy = ""
	st.claimedUntil = nil
	return st.intent.Status, nil
}

func (r *intentRepository) ListRepeatDue(ctx context.Context, now time.Time, limit int) ([]model.AlertIntent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var due []model.AlertIntent
	for id := range r.db.schedules {
		st, ok := r.db.intents[id]
		if !ok {
			continue
		}
		v := r.db.view(st)
		if v.RepeatDue(now) {
			due = append(due, v)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return clockOf(due[i]).Before(clockOf(due[j]))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func clockOf(in model.AlertIntent) time.Time {
	if in.LastRepeatAt != nil {
		return *in.LastRepeatAt
	}
	if in.SentAt != nil {
		return *in.SentAt
	}
	return in.CreatedAt
}

func (r *intentRepository) CreateRepeatChild(ctx context.Context, parentID string, prevLastRepeatAt *time.Time, now time.Time, child *model.AlertIntent) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	s, ok := r.db.schedules[parentID]
	if !ok || !s.enabled || !s.until.After(now) {
		return false, nil
	}
	if !sameInstant(s.lastRepeatAt, prevLastRepeatAt) {
		return false, nil
	}
	if err := r.db.insertIntent(child); err != nil {
		return false, err
	}
	at := now
	s.lastRepeatAt = &at
	s.count++
	return true, nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (r *intentRepository) StopRepeating(ctx context.Context, bookingID string, now time.Time) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.stopChains(bookingID, now), nil
}

func (r *intentRepository) ListByBooking(ctx context.Context, bookingID string) ([]model.AlertIntent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	return r.db.collect(func(in model.AlertIntent) bool { return in.BookingRef() == bookingID }, false, 0), nil
}

func (r *intentRepository) ListByStatus(ctx context.Context, restaurantID string, status model.IntentStatus, limit int) ([]model.AlertIntent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	return r.db.collect(func(in model.AlertIntent) bool {
		return in.RestaurantID == restaurantID && in.Status == status
	}, true, limit), nil
}

func (db *DB) collect(match func(model.AlertIntent) bool, newestFirst bool, limit int) []model.AlertIntent {
	var states []*intentState
	for _, st := range db.intents {
		if match(st.intent) {
			states = append(states, st)
		}
	}
	sort.Slice(states, func(i, j int) bool {
		if newestFirst {
			return states[i].seq > states[j].seq
		}
		return states[i].seq < states[j].seq
	})
	if limit > 0 && len(states) > limit {
		states = states[:limit]
	}
	out := make([]model.AlertIntent, 0, len(states))
	for _, st := range states {
		out = append(out, db.view(st))
	}
	return out
}
