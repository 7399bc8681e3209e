package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/personakit/personakit-backend/internal/apierr"
	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/mapper"
	"github.com/personakit/personakit-backend/internal/repos"
	"github.com/personakit/personakit-backend/internal/types"
	"github.com/personakit/personakit-backend/internal/utils"
)

const (
	maxSuggestions    = 5
	observationWindow = 24 * time.Hour
	observationLimit  = 50
)

type GeneratePersonaInput struct {
	PersonID     uuid.UUID
	ConfigID     string
	Context      map[string]any
	ForceRefresh bool
}

// GeneratedPersona pairs the stored row with the warnings accumulated
// while building it, so callers can see what degraded.
type GeneratedPersona struct {
	Persona  *types.Persona
	Warnings []string
}

type PersonaService interface {
	Generate(ctx context.Context, input GeneratePersonaInput) (*GeneratedPersona, error)
	Get(ctx context.Context, id uuid.UUID) (*types.Persona, error)
}

type personaService struct {
	personas        repos.PersonaRepo
	observations    repos.ObservationRepo
	mappers         MapperConfigService
	traits          TraitService
	narratives      NarrativeService
	defaultTTLHours int
	log             *logger.Logger
}

func NewPersonaService(
	personas repos.PersonaRepo,
	observations repos.ObservationRepo,
	mappers MapperConfigService,
	traits TraitService,
	narratives NarrativeService,
	log *logger.Logger,
) PersonaService {
	return &personaService{
		personas:        personas,
		observations:    observations,
		mappers:         mappers,
		traits:          traits,
		narratives:      narratives,
		defaultTTLHours: utils.GetEnvAsInt("PERSONA_TTL_HOURS", 4, log),
		log:             log.With("service", "PersonaService"),
	}
}

// Generate runs the active mapper version against the person's current
// state and stores the resulting persona in a single insert. Evaluation
// is degraded-but-never-blocked: unreachable narrative search or missing
// traits turn into warnings, not failures.
func (s *personaService) Generate(ctx context.Context, input GeneratePersonaInput) (*GeneratedPersona, error) {
	if input.PersonID == uuid.Nil {
		return nil, apierr.Validation(errors.New("person_id is required"))
	}
	if input.ConfigID == "" {
		return nil, apierr.Validation(errors.New("config_id is required"))
	}

	cfg, err := s.mappers.GetActive(ctx, input.ConfigID)
	if err != nil {
		return nil, err
	}

	// A request context shapes the output, so only contextless requests
	// may reuse an earlier persona, and only one built from the version
	// that is still active.
	if !input.ForceRefresh && len(input.Context) == 0 {
		cached, err := s.personas.LatestValid(ctx, nil, input.PersonID, input.ConfigID)
		if err != nil {
			return nil, err
		}
		if cached != nil && cached.MapperConfigID == cfg.ID {
			s.log.Info("persona reused",
				"person_id", input.PersonID.String(),
				"persona_id", cached.ID.String(),
			)
			return &GeneratedPersona{Persona: cached}, nil
		}
	}

	doc, err := mapper.Parse(cfg.Document)
	if err != nil {
		// A stored document that no longer parses is corruption, not user error.
		s.log.Error("stored mapper document failed to parse",
			"config_id", cfg.ConfigID, "version", cfg.Version, "error", err)
		return nil, apierr.New(http.StatusInternalServerError, apierr.CodeInternal, fmt.Errorf("mapper document %s v%d is unreadable", cfg.ConfigID, cfg.Version))
	}

	snapshot, err := s.traits.Snapshot(ctx, input.PersonID.String())
	if err != nil {
		return nil, err
	}
	evalTraits := make(map[string]mapper.TraitValue, len(snapshot))
	for path, entry := range snapshot {
		evalTraits[path] = mapper.TraitValue{
			Value:      entry.Value,
			Confidence: entry.Confidence,
			SampleSize: entry.SampleSize,
			UpdatedAt:  entry.UpdatedAt,
		}
	}

	views, err := s.recentObservationViews(ctx, input.PersonID)
	if err != nil {
		return nil, err
	}

	ec := mapper.EvalContext{
		Traits:       evalTraits,
		Observations: views,
		Context:      input.Context,
		Search:       s.narratives.SearcherFor(ctx, input.PersonID),
	}
	eval := mapper.Evaluate(doc, ec)

	core := buildCore(snapshot)
	overlay := map[string]any{}
	warnings := eval.Warnings
	var suggestions []mapper.Suggestion

	for _, triggered := range eval.Actions {
		switch triggered.Action.Type {
		case mapper.ActionGenerateSuggestion:
			suggestion, w := doc.RealizeSuggestion(triggered, ec)
			warnings = append(warnings, w...)
			if suggestion != nil {
				suggestions = append(suggestions, *suggestion)
			}
		case mapper.ActionSetField:
			sf := triggered.Action.SetField
			value, resolved := resolveFieldValue(sf, ec)
			if !resolved {
				warnings = append(warnings, mapper.Warning{
					RuleID: triggered.RuleID,
					Reason: fmt.Sprintf("set_field %s has no resolvable value", sf.Field),
				})
				continue
			}
			// Document order wins on collisions.
			if sf.Target == "core" {
				setPath(core, sf.Field, value)
			} else {
				setPath(overlay, sf.Field, value)
			}
		}
	}

	sortSuggestions(suggestions)
	if len(suggestions) > maxSuggestions {
		suggestions = suggestions[:maxSuggestions]
	}
	overlay["suggestions"] = suggestions
	if len(input.Context) > 0 {
		// Echo the request context so consumers can see what shaped this pass.
		overlay["context"] = input.Context
	}

	persona := &types.Persona{
		PersonID:       input.PersonID,
		MapperID:       cfg.ConfigID,
		MapperConfigID: cfg.ID,
		MapperVersion:  cfg.Version,
		Core:           mustJSON(core),
		Overlay:        mustJSON(overlay),
		ExpiresAt:      time.Now().UTC().Add(s.ttl(doc)),
	}
	if len(eval.Matches) > 0 {
		persona.NarrativeContext = mustJSON(narrativeContext(eval.Matches))
	}
	if err := s.personas.Create(ctx, nil, persona); err != nil {
		return nil, err
	}

	s.mappers.TrackUsage(cfg.ID)
	s.log.Info("persona generated",
		"person_id", input.PersonID.String(),
		"config_id", cfg.ConfigID,
		"version", cfg.Version,
		"rules_triggered", len(eval.Actions),
		"warnings", len(warnings),
	)
	return &GeneratedPersona{Persona: persona, Warnings: warningStrings(warnings)}, nil
}

func (s *personaService) Get(ctx context.Context, id uuid.UUID) (*types.Persona, error) {
	persona, err := s.personas.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if persona == nil {
		return nil, apierr.NotFound("persona")
	}
	return persona, nil
}

func (s *personaService) recentObservationViews(ctx context.Context, personID uuid.UUID) ([]mapper.ObservationView, error) {
	since := time.Now().UTC().Add(-observationWindow)
	rows, err := s.observations.RecentByPerson(ctx, nil, personID, since, observationLimit)
	if err != nil {
		return nil, err
	}
	views := make([]mapper.ObservationView, 0, len(rows))
	for _, row := range rows {
		var content map[string]any
		if err := json.Unmarshal(row.Content, &content); err != nil {
			continue
		}
		views = append(views, mapper.ObservationView{
			Type:      row.ObservationType,
			Content:   content,
			CreatedAt: row.CreatedAt,
		})
	}
	return views, nil
}

func (s *personaService) ttl(doc *mapper.Document) time.Duration {
	hours := s.defaultTTLHours
	if doc.Metadata.DefaultTTLHours > 0 {
		hours = doc.Metadata.DefaultTTLHours
	}
	return time.Duration(hours) * time.Hour
}

func buildCore(snapshot map[string]TraitSnapshotEntry) map[string]any {
	core := map[string]any{}
	for path, entry := range snapshot {
		setPath(core, path, map[string]any{
			"value":      entry.Value,
			"confidence": entry.Confidence,
		})
	}
	return core
}

func resolveFieldValue(sf *mapper.SetFieldAction, ec mapper.EvalContext) (any, bool) {
	switch {
	case sf.Value != nil:
		return sf.Value, true
	case sf.FromTrait != "":
		if tv, ok := ec.Traits[sf.FromTrait]; ok {
			return tv.Value, true
		}
		return nil, false
	case sf.FromContext != "":
		if val, ok := ec.Context[sf.FromContext]; ok {
			return val, true
		}
		return nil, false
	}
	return nil, false
}

// setPath writes value at a dot-delimited path, clobbering anything in
// the way. Later writers win.
func setPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// Weight first, then priority, then rule id for a stable order.
func sortSuggestions(suggestions []mapper.Suggestion) {
	sort.SliceStable(suggestions, func(i, j int) bool {
		if suggestions[i].Weight != suggestions[j].Weight {
			return suggestions[i].Weight > suggestions[j].Weight
		}
		pi, pj := mapper.PriorityRank(suggestions[i].Priority), mapper.PriorityRank(suggestions[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return suggestions[i].RuleID < suggestions[j].RuleID
	})
}

func narrativeContext(matches []mapper.NarrativeMatch) []map[string]any {
	out := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		out = append(out, map[string]any{
			"rule_id":      m.RuleID,
			"query":        m.Query,
			"narrative_id": m.NarrativeID,
			"excerpt":      m.Excerpt,
			"similarity":   m.Similarity,
		})
	}
	return out
}

func warningStrings(warnings []mapper.Warning) []string {
	out := make([]string, 0, len(warnings))
	for _, w := range warnings {
		if w.RuleID != "" {
			out = append(out, w.RuleID+": "+w.Reason)
			continue
		}
		out = append(out, w.Reason)
	}
	return out
}
