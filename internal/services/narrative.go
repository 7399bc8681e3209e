package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/personakit/personakit-backend/internal/apierr"
	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/mapper"
	"github.com/personakit/personakit-backend/internal/repos"
	"github.com/personakit/personakit-backend/internal/types"
	"github.com/personakit/personakit-backend/internal/utils"
)

const excerptLength = 160

type CreateNarrativeInput struct {
	PersonID uuid.UUID
	RawText  string
	Tags     []string
	Context  map[string]any
	Source   string
}

type CreateCurationInput struct {
	CreateNarrativeInput
	TraitPath      string
	CurationAction string
}

type NarrativeService interface {
	CreateSelfObservation(ctx context.Context, input CreateNarrativeInput) (*types.Narrative, error)
	CreateCuration(ctx context.Context, input CreateCurationInput) (*types.Narrative, error)
	Search(ctx context.Context, personID uuid.UUID, query string, minSimilarity float64, topK int) ([]repos.NarrativeHit, error)
	SearcherFor(ctx context.Context, personID uuid.UUID) mapper.SearchFunc

	// Outbox handler bodies; both are idempotent under redelivery.
	Index(ctx context.Context, narrativeID uuid.UUID) error
	Link(ctx context.Context, narrativeID uuid.UUID) error
}

type narrativeService struct {
	db            *gorm.DB
	narratives    repos.NarrativeRepo
	outbox        repos.OutboxRepo
	embedder      EmbeddingClient
	searchTimeout time.Duration
	defaultTopK   int
	log           *logger.Logger
}

func NewNarrativeService(
	db *gorm.DB,
	narratives repos.NarrativeRepo,
	outbox repos.OutboxRepo,
	embedder EmbeddingClient,
	log *logger.Logger,
) NarrativeService {
	return &narrativeService{
		db:            db,
		narratives:    narratives,
		outbox:        outbox,
		embedder:      embedder,
		searchTimeout: time.Duration(utils.GetEnvAsInt("SEARCH_TIMEOUT_SECONDS", 5, log)) * time.Second,
		defaultTopK:   utils.GetEnvAsInt("SEARCH_TOP_K", 5, log),
		log:           log.With("service", "NarrativeService"),
	}
}

// CreateSelfObservation stores the narrative and enqueues its embedding
// backfill in one transaction. The narrative is immediately durable but
// only becomes searchable once the narrative.embed event runs.
func (s *narrativeService) CreateSelfObservation(ctx context.Context, input CreateNarrativeInput) (*types.Narrative, error) {
	if input.PersonID == uuid.Nil {
		return nil, apierr.Validation(errors.New("person_id is required"))
	}
	if input.RawText == "" {
		return nil, apierr.Validation(errors.New("raw_text is required"))
	}
	tags := input.Tags
	if len(tags) == 0 {
		tags = autoTags(input.RawText)
	}
	narrative := &types.Narrative{
		PersonID:      input.PersonID,
		NarrativeType: types.NarrativeTypeSelfObservation,
		RawText:       input.RawText,
		Tags:          mustJSON(tags),
		Context:       mustJSON(input.Context),
		Source:        input.Source,
	}
	if err := s.createWithEvents(ctx, narrative, false); err != nil {
		return nil, err
	}
	return narrative, nil
}

// CreateCuration additionally records which trait the person is steering
// and enqueues the narrative.link event behind the embedding backfill.
func (s *narrativeService) CreateCuration(ctx context.Context, input CreateCurationInput) (*types.Narrative, error) {
	if input.PersonID == uuid.Nil {
		return nil, apierr.Validation(errors.New("person_id is required"))
	}
	if input.RawText == "" {
		return nil, apierr.Validation(errors.New("raw_text is required"))
	}
	if input.TraitPath == "" {
		return nil, apierr.Validation(errors.New("trait_path is required for curation"))
	}
	switch input.CurationAction {
	case "confirm", "correct", "remove":
	default:
		return nil, apierr.Validation(fmt.Errorf("curation_action %q must be confirm, correct, or remove", input.CurationAction))
	}

	tags := input.Tags
	if len(tags) == 0 {
		tags = autoTags(input.RawText)
	}
	narrative := &types.Narrative{
		PersonID:       input.PersonID,
		NarrativeType:  types.NarrativeTypeCuration,
		RawText:        input.RawText,
		Tags:           mustJSON(tags),
		Context:        mustJSON(input.Context),
		TraitPath:      &input.TraitPath,
		CurationAction: &input.CurationAction,
		Source:         input.Source,
	}
	if err := s.createWithEvents(ctx, narrative, true); err != nil {
		return nil, err
	}
	return narrative, nil
}

func (s *narrativeService) createWithEvents(ctx context.Context, narrative *types.Narrative, withLink bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.narratives.Create(ctx, tx, narrative); err != nil {
			return err
		}
		payload := mustJSON(map[string]any{"narrative_id": narrative.ID})
		embedEvent := &types.OutboxEvent{
			AggregateType: "narrative",
			AggregateID:   narrative.ID,
			EventType:     types.EventNarrativeEmbed,
			Payload:       payload,
		}
		if err := s.outbox.Enqueue(ctx, tx, embedEvent); err != nil {
			return err
		}
		if withLink {
			linkEvent := &types.OutboxEvent{
				AggregateType: "narrative",
				AggregateID:   narrative.ID,
				EventType:     types.EventNarrativeLink,
				Payload:       payload,
			}
			if err := s.outbox.Enqueue(ctx, tx, linkEvent); err != nil {
				return err
			}
		}
		return nil
	})
}

// Index embeds the narrative text and backfills the vector column. A
// narrative that already has its embedding is a redelivered event.
func (s *narrativeService) Index(ctx context.Context, narrativeID uuid.UUID) error {
	narrative, err := s.narratives.GetByID(ctx, nil, narrativeID)
	if err != nil {
		return err
	}
	if narrative == nil {
		s.log.Warn("narrative.embed for missing narrative", "narrative_id", narrativeID.String())
		return nil
	}
	if narrative.Embedding != nil {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, narrative.RawText)
	if err != nil {
		return fmt.Errorf("embed narrative %s: %w", narrativeID, err)
	}
	return s.narratives.SetEmbedding(ctx, nil, narrativeID, pgvector.NewVector(vec))
}

// Link materializes the trait-to-narrative association for a curation
// narrative. The unique index on (narrative, trait path) absorbs retries.
func (s *narrativeService) Link(ctx context.Context, narrativeID uuid.UUID) error {
	narrative, err := s.narratives.GetByID(ctx, nil, narrativeID)
	if err != nil {
		return err
	}
	if narrative == nil || narrative.TraitPath == nil {
		return nil
	}
	linkType := "curation"
	if narrative.CurationAction != nil {
		linkType = *narrative.CurationAction
	}
	return s.narratives.CreateLink(ctx, nil, &types.TraitNarrativeLink{
		NarrativeID: narrative.ID,
		PersonID:    narrative.PersonID,
		TraitPath:   *narrative.TraitPath,
		LinkType:    linkType,
		Confidence:  1,
	})
}

func (s *narrativeService) Search(ctx context.Context, personID uuid.UUID, query string, minSimilarity float64, topK int) ([]repos.NarrativeHit, error) {
	if query == "" {
		return nil, apierr.Validation(errors.New("query is required"))
	}
	if minSimilarity < 0 || minSimilarity > 1 {
		return nil, apierr.Validation(errors.New("min_similarity must be in [0, 1]"))
	}
	if topK <= 0 {
		topK = s.defaultTopK
	}
	ctx, cancel := context.WithTimeout(ctx, s.searchTimeout)
	defer cancel()
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.narratives.Search(ctx, nil, personID, pgvector.NewVector(vec), minSimilarity, topK)
}

// SearcherFor adapts Search into the rule engine's SearchFunc: best hit
// only, threshold left to the condition. Each call is bounded by Search's
// per-call timeout, derived from ctx so canceling the caller's request
// aborts in-flight searches too.
func (s *narrativeService) SearcherFor(ctx context.Context, personID uuid.UUID) mapper.SearchFunc {
	return func(query string) (*mapper.SearchHit, error) {
		hits, err := s.Search(ctx, personID, query, 0, 1)
		if err != nil {
			return nil, err
		}
		if len(hits) == 0 {
			return nil, nil
		}
		return &mapper.SearchHit{
			NarrativeID: hits[0].ID,
			Excerpt:     truncate(hits[0].Content, excerptLength),
			Similarity:  hits[0].Similarity,
		}, nil
	}
}

var tagStopwords = map[string]bool{
	"about": true, "after": true, "again": true, "around": true,
	"because": true, "before": true, "being": true, "could": true,
	"every": true, "might": true, "never": true, "other": true,
	"really": true, "should": true, "since": true, "their": true,
	"there": true, "these": true, "thing": true, "think": true,
	"today": true, "usually": true, "where": true, "which": true,
	"while": true, "would": true,
}

const maxAutoTags = 5

// autoTags pulls distinctive words out of the text when the caller sent
// no tags. Crude keyword pick, good enough to make untagged narratives
// browsable.
func autoTags(text string) []string {
	var tags []string
	seen := map[string]bool{}
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,;:!?\"'()[]")
		if len(word) < 5 || tagStopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		tags = append(tags, word)
		if len(tags) == maxAutoTags {
			break
		}
	}
	return tags
}

// truncate cuts on a rune boundary so a multibyte character is never
// split in half.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func mustJSON(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
