package service

import (
	"context"

	"tablealert/internal/model"
	"tablealert/internal/outbox"
	"tablealert/internal/repository"
)

// IntentService exposes the outbox to the rest of the application and to operators.
type IntentService struct {
	intents  repository.IntentRepository
	enqueuer *outbox.Enqueuer
}

func NewIntentService(intents repository.IntentRepository, enqueuer *outbox.Enqueuer) *IntentService {
	return &IntentService{intents: intents, enqueuer: enqueuer}
}

// Enqueue writes an intent for the caller's restaurant.
func (s *IntentService) Enqueue(ctx context.Context, restaurantID string, req model.EnqueueRequest) (*model.EnqueueResponse, error) {
	req.RestaurantID = restaurantID
	id, err := s.enqueuer.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	return &model.EnqueueResponse{IntentID: id}, nil
}

// List returns the newest intents in status, capped at 200.
func (s *IntentService) List(ctx context.Context, restaurantID string, status model.IntentStatus, limit int) ([]model.AlertIntent, error) {
	if !status.Valid() {
		return nil, model.ErrInvalidStatus
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.intents.ListByStatus(ctx, restaurantID, status, limit)
}
