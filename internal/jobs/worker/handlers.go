package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/personakit/personakit-backend/internal/services"
	"github.com/personakit/personakit-backend/internal/types"
)

// RegisterAll wires every known event type to its service. Adding an
// event type without registering it here parks the events as failed,
// which is the loud behavior we want.
func RegisterAll(pool *Pool, traits services.TraitService, narratives services.NarrativeService) {
	pool.Register(types.EventObservationProcess, func(ctx context.Context, event types.OutboxEvent) error {
		var payload struct {
			ObservationID string `json:"observation_id"`
		}
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode observation.process payload: %w", err)
		}
		return traits.ProcessObservation(ctx, payload.ObservationID)
	})

	pool.Register(types.EventNarrativeEmbed, func(ctx context.Context, event types.OutboxEvent) error {
		id, err := narrativeID(event.Payload)
		if err != nil {
			return err
		}
		return narratives.Index(ctx, id)
	})

	pool.Register(types.EventNarrativeLink, func(ctx context.Context, event types.OutboxEvent) error {
		id, err := narrativeID(event.Payload)
		if err != nil {
			return err
		}
		return narratives.Link(ctx, id)
	})
}

func narrativeID(raw []byte) (uuid.UUID, error) {
	var payload struct {
		NarrativeID uuid.UUID `json:"narrative_id"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return uuid.Nil, fmt.Errorf("decode narrative payload: %w", err)
	}
	if payload.NarrativeID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("narrative payload missing narrative_id")
	}
	return payload.NarrativeID, nil
}
