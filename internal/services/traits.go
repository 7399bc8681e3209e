package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/repos"
	"github.com/personakit/personakit-backend/internal/types"
)

const maxTraitConfidence = 0.95

// TraitCandidate is one trait value extracted from an observation before
// it is merged with whatever the store already holds.
type TraitCandidate struct {
	Path       string
	Value      any
	Confidence float64
}

type TraitService interface {
	// ProcessObservation is the observation.process handler body: extract
	// candidates, merge each into the trait store, stamp the observation.
	ProcessObservation(ctx context.Context, observationID string) error
	Snapshot(ctx context.Context, personID string) (map[string]TraitSnapshotEntry, error)
}

// TraitSnapshotEntry is the decoded form of one current trait row.
type TraitSnapshotEntry struct {
	Value      any
	Confidence float64
	SampleSize int
	UpdatedAt  time.Time
}

type traitService struct {
	db           *gorm.DB
	traits       repos.TraitRepo
	observations repos.ObservationRepo
	log          *logger.Logger
}

func NewTraitService(db *gorm.DB, traits repos.TraitRepo, observations repos.ObservationRepo, log *logger.Logger) TraitService {
	return &traitService{
		db:           db,
		traits:       traits,
		observations: observations,
		log:          log.With("service", "TraitService"),
	}
}

func (s *traitService) ProcessObservation(ctx context.Context, observationID string) error {
	obsID, err := parseUUID(observationID)
	if err != nil {
		return fmt.Errorf("observation.process payload: %w", err)
	}
	obs, err := s.observations.GetByID(ctx, nil, obsID)
	if err != nil {
		return err
	}
	if obs == nil {
		s.log.Warn("observation.process for missing observation", "observation_id", observationID)
		return nil
	}
	if obs.ProcessedAt != nil {
		return nil
	}

	candidates := ExtractTraits(obs)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, candidate := range candidates {
			current, err := s.traits.Current(ctx, tx, obs.PersonID, candidate.Path)
			if err != nil {
				return err
			}
			merged, err := mergeCandidate(current, candidate)
			if err != nil {
				return err
			}
			merged.PersonID = obs.PersonID
			merged.Path = candidate.Path
			if err := s.traits.Replace(ctx, tx, merged); err != nil {
				return err
			}
		}
		return s.observations.MarkProcessed(ctx, tx, obs.ID)
	})
}

func (s *traitService) Snapshot(ctx context.Context, personID string) (map[string]TraitSnapshotEntry, error) {
	pid, err := parseUUID(personID)
	if err != nil {
		return nil, err
	}
	rows, err := s.traits.CurrentByPerson(ctx, nil, pid)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]TraitSnapshotEntry, len(rows))
	for _, row := range rows {
		var value any
		if err := json.Unmarshal(row.Value, &value); err != nil {
			s.log.Warn("undecodable trait value", "path", row.Path, "error", err)
			continue
		}
		snapshot[row.Path] = TraitSnapshotEntry{
			Value:      value,
			Confidence: row.Confidence,
			SampleSize: row.SampleSize,
			UpdatedAt:  row.UpdatedAt,
		}
	}
	return snapshot, nil
}

// ExtractTraits derives trait candidates from one observation. Explicit
// user input carries high confidence; anything inferred from behavior
// starts low and earns confidence through repetition.
func ExtractTraits(obs *types.Observation) []TraitCandidate {
	var content map[string]any
	if err := json.Unmarshal(obs.Content, &content); err != nil {
		return nil
	}

	var out []TraitCandidate
	switch obs.ObservationType {
	case types.ObservationTypeWorkSession:
		if minutes, ok := toFloat(content["duration_minutes"]); ok && minutes > 0 {
			out = append(out, TraitCandidate{Path: "work.focus_duration", Value: minutes, Confidence: 0.4})
		}
		if quality, ok := content["focus_quality"].(string); ok && quality != "" {
			bucket := dayBucket(obs.CreatedAt)
			out = append(out, TraitCandidate{
				Path:       "work.energy_patterns." + bucket,
				Value:      quality,
				Confidence: 0.4,
			})
		}
		if tools, ok := content["tools"].([]any); ok && len(tools) > 0 {
			out = append(out, TraitCandidate{Path: "work.preferred_tools", Value: tools, Confidence: 0.3})
		}
	case types.ObservationTypeUserInput:
		if prefs, ok := content["preferences"].(map[string]any); ok {
			for key, val := range prefs {
				out = append(out, TraitCandidate{Path: "prefs." + key, Value: val, Confidence: 0.9})
			}
		}
	case types.ObservationTypeCalendarEvent:
		if minutes, ok := toFloat(content["duration_minutes"]); ok && minutes > 0 {
			if eventType, _ := content["event_type"].(string); eventType == "meeting" {
				out = append(out, TraitCandidate{Path: "meetings.avg_duration", Value: minutes, Confidence: 0.4})
			}
		}
	}
	return out
}

// mergeCandidate folds a candidate into the current trait row and returns
// the replacement row. Numeric values average weighted by confidence,
// lists union, anything else resolves to the higher-confidence side.
// Sample sizes accumulate either way.
func mergeCandidate(current *types.Trait, candidate TraitCandidate) (*types.Trait, error) {
	if current == nil {
		raw, err := json.Marshal(candidate.Value)
		if err != nil {
			return nil, err
		}
		return &types.Trait{
			Value:      raw,
			Confidence: candidate.Confidence,
			SampleSize: 1,
		}, nil
	}

	var existing any
	if err := json.Unmarshal(current.Value, &existing); err != nil {
		return nil, err
	}

	value, confidence := mergeValues(
		existing, current.Confidence, current.SampleSize,
		candidate.Value, candidate.Confidence,
	)
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return &types.Trait{
		Value:      raw,
		Confidence: confidence,
		SampleSize: current.SampleSize + 1,
	}, nil
}

func mergeValues(oldVal any, oldConf float64, oldSamples int, newVal any, newConf float64) (any, float64) {
	oldNum, oldIsNum := toFloat(oldVal)
	newNum, newIsNum := toFloat(newVal)
	if oldIsNum && newIsNum {
		total := oldConf + newConf
		if total == 0 {
			return newNum, reinforce(newConf, oldSamples+1)
		}
		merged := (oldNum*oldConf + newNum*newConf) / total
		return merged, reinforce((oldConf*float64(oldSamples)+newConf)/float64(oldSamples+1), oldSamples+1)
	}

	oldList, oldIsList := oldVal.([]any)
	newList, newIsList := newVal.([]any)
	if oldIsList || newIsList {
		union := make([]any, 0, len(oldList)+len(newList))
		seen := map[string]bool{}
		for _, item := range append(append([]any{}, oldList...), newList...) {
			key := fmt.Sprintf("%v", item)
			if seen[key] {
				continue
			}
			seen[key] = true
			union = append(union, item)
		}
		conf := oldConf
		if newConf > conf {
			conf = newConf
		}
		return union, reinforce(conf, oldSamples+1)
	}

	// Categorical: higher confidence wins, repetition of the same value
	// reinforces.
	if fmt.Sprintf("%v", oldVal) == fmt.Sprintf("%v", newVal) {
		conf := oldConf
		if newConf > conf {
			conf = newConf
		}
		return oldVal, reinforce(conf, oldSamples+1)
	}
	if newConf >= oldConf {
		return newVal, newConf
	}
	return oldVal, oldConf
}

// reinforce nudges confidence up with sample size, capped below certainty.
func reinforce(confidence float64, samples int) float64 {
	if samples > 10 {
		samples = 10
	}
	boosted := confidence + 0.02*float64(samples)
	if boosted > maxTraitConfidence {
		return maxTraitConfidence
	}
	return boosted
}

func dayBucket(t time.Time) string {
	switch hour := t.Hour(); {
	case hour < 12:
		return "morning"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return id, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
