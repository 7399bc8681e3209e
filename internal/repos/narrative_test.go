package repos

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/personakit/personakit-backend/internal/repos/testutil"
	"github.com/personakit/personakit-backend/internal/types"
)

// unitVector builds a 1536-dim unit vector pointing along one axis, which
// makes cosine similarities in assertions exact: same axis = 1, other
// axis = 0.
func unitVector(axis int) pgvector.Vector {
	vals := make([]float32, 1536)
	vals[axis] = 1
	return pgvector.NewVector(vals)
}

func createNarrative(t *testing.T, repo NarrativeRepo, person uuid.UUID, text string, axis int) *types.Narrative {
	t.Helper()
	n := &types.Narrative{
		PersonID:      person,
		NarrativeType: types.NarrativeTypeSelfObservation,
		RawText:       text,
		Source:        "user",
	}
	if err := repo.Create(context.Background(), nil, n); err != nil {
		t.Fatalf("create narrative: %v", err)
	}
	if axis >= 0 {
		if err := repo.SetEmbedding(context.Background(), nil, n.ID, unitVector(axis)); err != nil {
			t.Fatalf("set embedding: %v", err)
		}
	}
	return n
}

func TestSearchRanksBySimilarityAndScopesToPerson(t *testing.T) {
	gdb := testutil.OpenTestDB(t)
	repo := NewNarrativeRepo(gdb, testutil.NewTestLogger(t))
	ctx := context.Background()

	person := uuid.New()
	match := createNarrative(t, repo, person, "mornings are my best hours", 0)
	createNarrative(t, repo, person, "I dislike meetings after lunch", 1)
	createNarrative(t, repo, uuid.New(), "someone else's morning note", 0)

	hits, err := repo.Search(ctx, nil, person, unitVector(0), 0.5, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits: want=1 got=%d", len(hits))
	}
	if hits[0].ID != match.ID {
		t.Fatalf("wrong narrative returned")
	}
	if hits[0].Content != match.RawText {
		t.Fatalf("hit content: want=%q got=%q", match.RawText, hits[0].Content)
	}
	if hits[0].NarrativeType != types.NarrativeTypeSelfObservation {
		t.Fatalf("hit narrative_type: got=%q", hits[0].NarrativeType)
	}
	if hits[0].Similarity < 0.99 {
		t.Fatalf("similarity: want~1.0 got=%v", hits[0].Similarity)
	}
}

func TestSearchIgnoresUnembeddedNarratives(t *testing.T) {
	gdb := testutil.OpenTestDB(t)
	repo := NewNarrativeRepo(gdb, testutil.NewTestLogger(t))
	ctx := context.Background()

	person := uuid.New()
	createNarrative(t, repo, person, "not yet embedded", -1)

	hits, err := repo.Search(ctx, nil, person, unitVector(0), 0.0, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("unembedded narratives must be invisible, got %d hits", len(hits))
	}
}

func TestCreateLinkIsIdempotent(t *testing.T) {
	gdb := testutil.OpenTestDB(t)
	repo := NewNarrativeRepo(gdb, testutil.NewTestLogger(t))
	ctx := context.Background()

	person := uuid.New()
	n := createNarrative(t, repo, person, "focus drops after 90 minutes", 0)

	link := &types.TraitNarrativeLink{
		NarrativeID: n.ID,
		PersonID:    person,
		TraitPath:   "work.focus_duration",
		LinkType:    "curation",
		Confidence:  1,
	}
	if err := repo.CreateLink(ctx, nil, link); err != nil {
		t.Fatalf("create link: %v", err)
	}
	// Redelivery of the same event.
	dup := &types.TraitNarrativeLink{
		NarrativeID: n.ID,
		PersonID:    person,
		TraitPath:   "work.focus_duration",
		LinkType:    "curation",
		Confidence:  1,
	}
	if err := repo.CreateLink(ctx, nil, dup); err != nil {
		t.Fatalf("duplicate link should be a no-op, got %v", err)
	}

	links, err := repo.LinksByTraitPath(ctx, nil, person, "work.focus_duration")
	if err != nil {
		t.Fatalf("list links: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("links: want=1 got=%d", len(links))
	}
}
