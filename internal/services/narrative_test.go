package services

import (
	"context"
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/personakit/personakit-backend/internal/logger"
)

type ctxAwareEmbedder struct {
	calls int
}

func (e *ctxAwareEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return make([]float32, 1536), nil
}

func (e *ctxAwareEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec, err := e.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *ctxAwareEmbedder) Dimensions() int { return 1536 }

// Canceling the caller's request must abort the searcher's embedding
// calls instead of letting them run out their own clock.
func TestSearcherAbortsWhenCallerCancels(t *testing.T) {
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	embedder := &ctxAwareEmbedder{}
	svc := NewNarrativeService(nil, nil, nil, embedder, log)

	ctx, cancel := context.WithCancel(context.Background())
	searcher := svc.SearcherFor(ctx, uuid.New())
	cancel()

	_, err = searcher("morning energy")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("searcher error: want context.Canceled got=%v", err)
	}
}

func TestAutoTagsPicksDistinctiveWords(t *testing.T) {
	tags := autoTags("I really focus best in the morning, before standup meetings start.")
	want := []string{"focus", "morning", "standup", "meetings", "start"}
	if len(tags) != len(want) {
		t.Fatalf("tags: want=%v got=%v", want, tags)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Fatalf("tags[%d]: want=%q got=%q", i, want[i], tags[i])
		}
	}
}

func TestAutoTagsCapsAndDedupes(t *testing.T) {
	tags := autoTags("coding coding coding debugging profiling reviewing refactoring testing shipping")
	if len(tags) != 5 {
		t.Fatalf("tag cap: want=5 got=%d (%v)", len(tags), tags)
	}
	seen := map[string]bool{}
	for _, tag := range tags {
		if seen[tag] {
			t.Fatalf("duplicate tag %q in %v", tag, tags)
		}
		seen[tag] = true
	}
}

func TestAutoTagsEmptyForShortWords(t *testing.T) {
	if tags := autoTags("so it was ok i am fine"); len(tags) != 0 {
		t.Fatalf("short words should yield no tags, got=%v", tags)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	// "café au lait" cut inside the two-byte é.
	s := "café au lait"
	got := truncate(s, 4)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated excerpt is not valid UTF-8: %q", got)
	}
	if got != "caf…" {
		t.Fatalf("truncate: want=%q got=%q", "caf…", got)
	}
	if short := truncate("short", 160); short != "short" {
		t.Fatalf("short strings must pass through, got=%q", short)
	}
}
