package services

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/personakit/personakit-backend/internal/types"
)

func observation(obsType string, content []byte, createdAt time.Time) *types.Observation {
	return &types.Observation{
		ID:              uuid.New(),
		PersonID:        uuid.New(),
		ObservationType: obsType,
		Content:         content,
		CreatedAt:       createdAt,
	}
}

func TestExtractTraitsFromWorkSession(t *testing.T) {
	morning := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	obs := observation(types.ObservationTypeWorkSession,
		[]byte(`{"duration_minutes": 95, "focus_quality": "high", "tools": ["editor", "terminal"]}`),
		morning,
	)

	candidates := ExtractTraits(obs)
	if len(candidates) != 3 {
		t.Fatalf("candidates: want=3 got=%d", len(candidates))
	}

	byPath := map[string]TraitCandidate{}
	for _, c := range candidates {
		byPath[c.Path] = c
	}
	if c, ok := byPath["work.focus_duration"]; !ok || c.Value != float64(95) {
		t.Fatalf("focus_duration: got=%+v", c)
	}
	if c, ok := byPath["work.energy_patterns.morning"]; !ok || c.Value != "high" {
		t.Fatalf("morning energy: got=%+v", c)
	}
	if _, ok := byPath["work.preferred_tools"]; !ok {
		t.Fatalf("preferred_tools missing")
	}
}

func TestExtractTraitsEveningBucket(t *testing.T) {
	evening := time.Date(2026, 8, 20, 20, 0, 0, 0, time.UTC)
	obs := observation(types.ObservationTypeWorkSession,
		[]byte(`{"focus_quality": "low"}`), evening)

	candidates := ExtractTraits(obs)
	if len(candidates) != 1 || candidates[0].Path != "work.energy_patterns.evening" {
		t.Fatalf("evening bucket: got=%+v", candidates)
	}
}

func TestExtractTraitsFromUserInput(t *testing.T) {
	obs := observation(types.ObservationTypeUserInput,
		[]byte(`{"preferences": {"style": "concise", "meeting_free_mornings": true}}`),
		time.Now(),
	)

	candidates := ExtractTraits(obs)
	if len(candidates) != 2 {
		t.Fatalf("candidates: want=2 got=%d", len(candidates))
	}
	for _, c := range candidates {
		if c.Confidence != 0.9 {
			t.Fatalf("explicit preference confidence: want=0.9 got=%v", c.Confidence)
		}
	}
}

func TestExtractTraitsIgnoresUnknownContent(t *testing.T) {
	obs := observation(types.ObservationTypeCalendarEvent,
		[]byte(`{"event_type": "holiday"}`), time.Now())
	if got := ExtractTraits(obs); len(got) != 0 {
		t.Fatalf("nothing extractable: got=%+v", got)
	}

	obs = observation(types.ObservationTypeWorkSession, []byte(`not json`), time.Now())
	if got := ExtractTraits(obs); got != nil {
		t.Fatalf("bad content must extract nothing")
	}
}

func TestMergeNumericWeightedAverage(t *testing.T) {
	value, confidence := mergeValues(float64(60), 0.6, 3, float64(120), 0.3)

	// (60*0.6 + 120*0.3) / 0.9 = 80
	if math.Abs(value.(float64)-80) > 1e-9 {
		t.Fatalf("merged value: want=80 got=%v", value)
	}
	if confidence <= 0 || confidence > maxTraitConfidence {
		t.Fatalf("confidence out of range: %v", confidence)
	}
}

func TestMergeListsUnion(t *testing.T) {
	value, confidence := mergeValues(
		[]any{"editor", "terminal"}, 0.4, 2,
		[]any{"terminal", "profiler"}, 0.3,
	)
	list := value.([]any)
	if len(list) != 3 {
		t.Fatalf("union: want=3 elements got=%v", list)
	}
	if list[0] != "editor" || list[2] != "profiler" {
		t.Fatalf("union ordering: got=%v", list)
	}
	if confidence < 0.4 {
		t.Fatalf("union confidence should not drop below the stronger side: %v", confidence)
	}
}

func TestMergeCategoricalHigherConfidenceWins(t *testing.T) {
	value, confidence := mergeValues("afternoon", 0.4, 2, "morning", 0.9)
	if value != "morning" || confidence != 0.9 {
		t.Fatalf("want new value at 0.9, got %v at %v", value, confidence)
	}

	value, confidence = mergeValues("afternoon", 0.9, 2, "morning", 0.4)
	if value != "afternoon" || confidence != 0.9 {
		t.Fatalf("want old value kept, got %v at %v", value, confidence)
	}
}

func TestMergeRepeatedCategoricalReinforces(t *testing.T) {
	_, base := mergeValues("high", 0.4, 1, "high", 0.4)
	_, later := mergeValues("high", base, 5, "high", 0.4)
	if later <= base {
		t.Fatalf("repetition should raise confidence: %v then %v", base, later)
	}
	if later > maxTraitConfidence {
		t.Fatalf("confidence capped at %v, got %v", maxTraitConfidence, later)
	}
}

func TestMergeCandidateFirstValue(t *testing.T) {
	merged, err := mergeCandidate(nil, TraitCandidate{
		Path:       "work.focus_duration",
		Value:      float64(90),
		Confidence: 0.4,
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.SampleSize != 1 || merged.Confidence != 0.4 {
		t.Fatalf("first value row: got=%+v", merged)
	}
	if string(merged.Value) != "90" {
		t.Fatalf("value json: got=%s", merged.Value)
	}
}

func TestMergeCandidateAccumulatesSamples(t *testing.T) {
	current := &types.Trait{
		Value:      []byte(`90`),
		Confidence: 0.4,
		SampleSize: 4,
	}
	merged, err := mergeCandidate(current, TraitCandidate{
		Path:       "work.focus_duration",
		Value:      float64(110),
		Confidence: 0.4,
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.SampleSize != 5 {
		t.Fatalf("sample size: want=5 got=%d", merged.SampleSize)
	}
}
