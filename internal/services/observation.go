package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/personakit/personakit-backend/internal/apierr"
	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/repos"
	"github.com/personakit/personakit-backend/internal/types"
)

type CreateObservationInput struct {
	PersonID        uuid.UUID
	ObservationType string
	Content         map[string]any
	Metadata        map[string]any
}

type ObservationService interface {
	Create(ctx context.Context, input CreateObservationInput) (*types.Observation, error)
}

type observationService struct {
	db           *gorm.DB
	observations repos.ObservationRepo
	outbox       repos.OutboxRepo
	log          *logger.Logger
}

func NewObservationService(db *gorm.DB, observations repos.ObservationRepo, outbox repos.OutboxRepo, log *logger.Logger) ObservationService {
	return &observationService{
		db:           db,
		observations: observations,
		outbox:       outbox,
		log:          log.With("service", "ObservationService"),
	}
}

// Create stores the observation and enqueues trait extraction atomically.
// Ingestion stays fast; the heavy lifting happens in the worker.
func (s *observationService) Create(ctx context.Context, input CreateObservationInput) (*types.Observation, error) {
	if input.PersonID == uuid.Nil {
		return nil, apierr.Validation(errors.New("person_id is required"))
	}
	switch input.ObservationType {
	case types.ObservationTypeWorkSession, types.ObservationTypeUserInput, types.ObservationTypeCalendarEvent:
	default:
		return nil, apierr.Validation(fmt.Errorf("unknown observation_type %q", input.ObservationType))
	}
	if len(input.Content) == 0 {
		return nil, apierr.Validation(errors.New("content is required"))
	}

	obs := &types.Observation{
		PersonID:        input.PersonID,
		ObservationType: input.ObservationType,
		Content:         mustJSON(input.Content),
		Metadata:        mustJSON(input.Metadata),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.observations.Create(ctx, tx, obs); err != nil {
			return err
		}
		// Keyed by person, not observation: the claim query's FIFO guard
		// sequences events per aggregate, and trait merging is
		// order-sensitive, so one person's observations must be
		// processed in arrival order.
		return s.outbox.Enqueue(ctx, tx, &types.OutboxEvent{
			AggregateType: "person",
			AggregateID:   input.PersonID,
			EventType:     types.EventObservationProcess,
			Payload:       mustJSON(map[string]any{"observation_id": obs.ID}),
		})
	})
	if err != nil {
		return nil, err
	}
	return obs, nil
}
