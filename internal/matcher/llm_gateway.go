package matcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cdd-agent/backend/internal/llm"
	"github.com/cdd-agent/backend/internal/metrics"
	"github.com/cdd-agent/backend/internal/storage/models"
	"github.com/cdd-agent/backend/pkg/config"
	"github.com/cdd-agent/backend/pkg/logger"
)

type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

type Catalog interface {
	ListAttributes(ctx context.Context) ([]models.Attribute, error)
	ListCategories(ctx context.Context) ([]models.Category, error)
}

type Options struct {
	MinConfidence       float64
	MaxMatches          int
	DefaultTag          string
	MinDefinitionLength int
}

func OptionsFromConfig(cfg config.MatchingConfig) Options {
	return Options{
		MinConfidence:       cfg.MinConfidence,
		MaxMatches:          cfg.MaxMatches,
		DefaultTag:          cfg.DefaultTag,
		MinDefinitionLength: cfg.MinDefinitionLength,
	}
}

// LLMGateway implements Gateway on top of a chat completion model and the
// catalog stored in sqlite.
type LLMGateway struct {
	llm       Completer
	catalog   Catalog
	shortlist *Shortlister
	opts      Options
}

func NewLLMGateway(completer Completer, catalog Catalog, shortlist *Shortlister, opts Options) *LLMGateway {
	if opts.MaxMatches <= 0 {
		opts.MaxMatches = 5
	}
	return &LLMGateway{
		llm:       completer,
		catalog:   catalog,
		shortlist: shortlist,
		opts:      opts,
	}
}

func (g *LLMGateway) FindMatches(ctx context.Context, fieldName, definition, feedback string) ([]Candidate, error) {
	const op = "find_matches"
	start := time.Now()

	cleaned := CleanDefinition(definition)
	if reason := Insufficient(fieldName, cleaned, g.opts.MinDefinitionLength); reason != "" {
		logger.Debug("Skipping match for insufficient definition",
			zap.String("field", fieldName),
			zap.String("reason", reason),
		)
		metrics.GatewayCalls.WithLabelValues(op, "insufficient").Inc()
		metrics.CandidatesReturned.Observe(0)
		return []Candidate{}, nil
	}

	attrs, err := g.catalog.ListAttributes(ctx)
	if err != nil {
		metrics.GatewayCalls.WithLabelValues(op, "error").Inc()
		return nil, upstream(op, fieldName, fmt.Errorf("failed to load catalog: %w", err))
	}
	if len(attrs) == 0 {
		metrics.GatewayCalls.WithLabelValues(op, "empty_catalog").Inc()
		return []Candidate{}, nil
	}

	shortlist := g.shortlist.Select(ctx, fieldName, cleaned, attrs)

	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: matchSystemPrompt,
		UserPrompt:   buildMatchPrompt(fieldName, cleaned, feedback, shortlist, g.opts.MaxMatches),
	})
	if err != nil {
		metrics.GatewayCalls.WithLabelValues(op, "error").Inc()
		return nil, upstream(op, fieldName, err)
	}

	raw, err := parseMatches(resp.Content)
	if err != nil {
		logger.Warn("Unparseable match response",
			zap.String("field", fieldName),
			zap.Error(err),
		)
		metrics.GatewayCalls.WithLabelValues(op, "malformed").Inc()
		return nil, upstream(op, fieldName, err)
	}

	candidates := g.shape(raw, attrs)

	metrics.GatewayCalls.WithLabelValues(op, "ok").Inc()
	metrics.CandidatesReturned.Observe(float64(len(candidates)))
	if len(candidates) > 0 {
		metrics.TopConfidence.Observe(candidates[0].Confidence)
	}

	logger.Debug("Matches found",
		zap.String("field", fieldName),
		zap.Int("shortlist", len(shortlist)),
		zap.Int("candidates", len(candidates)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return candidates, nil
}

// shape keeps only catalog attributes, enriches them from the catalog,
// drops weak scores and returns at most MaxMatches ordered by confidence.
func (g *LLMGateway) shape(raw []rawMatch, attrs []models.Attribute) []Candidate {
	byName := make(map[string]models.Attribute, len(attrs))
	for _, a := range attrs {
		byName[a.Name] = a
	}

	seen := make(map[string]bool, len(raw))
	candidates := make([]Candidate, 0, len(raw))
	for _, m := range raw {
		attr, ok := byName[m.Field]
		if !ok {
			logger.Debug("Dropping match outside catalog", zap.String("attribute", m.Field))
			continue
		}
		if seen[attr.Name] {
			continue
		}
		seen[attr.Name] = true

		confidence := clamp(float64(m.Confidence))
		if confidence < g.opts.MinConfidence {
			continue
		}

		display := attr.DisplayName
		if display == "" {
			display = attr.Name
		}
		candidates = append(candidates, Candidate{
			AttributeID: attr.Name,
			Confidence:  confidence,
			Category:    attr.Category,
			Description: attr.Description,
			DisplayName: display,
			DataType:    attr.DataType,
			Reasoning:   m.Reasoning,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	if len(candidates) > g.opts.MaxMatches {
		candidates = candidates[:g.opts.MaxMatches]
	}
	return candidates
}

func (g *LLMGateway) SuggestNewField(ctx context.Context, fieldName, definition, feedback string) (*Suggestion, error) {
	const op = "suggest_new_field"

	cats, err := g.catalog.ListCategories(ctx)
	if err != nil {
		metrics.GatewayCalls.WithLabelValues(op, "error").Inc()
		return nil, upstream(op, fieldName, fmt.Errorf("failed to load categories: %w", err))
	}

	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: suggestSystemPrompt,
		UserPrompt:   buildSuggestPrompt(fieldName, CleanDefinition(definition), feedback, cats),
	})
	if err != nil {
		metrics.GatewayCalls.WithLabelValues(op, "error").Inc()
		return nil, upstream(op, fieldName, err)
	}

	suggestion, err := parseSuggestion(resp.Content)
	if err != nil {
		metrics.GatewayCalls.WithLabelValues(op, "malformed").Inc()
		return nil, upstream(op, fieldName, err)
	}

	suggestion.Normalize(g.opts.DefaultTag)
	if err := suggestion.Validate(); err != nil {
		metrics.GatewayCalls.WithLabelValues(op, "malformed").Inc()
		return nil, upstream(op, fieldName, fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}

	metrics.GatewayCalls.WithLabelValues(op, "ok").Inc()
	return suggestion, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
