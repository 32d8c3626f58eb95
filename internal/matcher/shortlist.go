package matcher

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/cdd-agent/backend/internal/metrics"
	"github.com/cdd-agent/backend/internal/storage/models"
	"github.com/cdd-agent/backend/pkg/logger"
	"github.com/cdd-agent/backend/pkg/utils"
)

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type VectorSearcher interface {
	SearchAttributes(ctx context.Context, embedding []float32, topK int) ([]string, error)
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "of": true, "for": true,
	"to": true, "in": true, "on": true, "is": true, "or": true, "by": true,
	"at": true, "as": true, "with": true, "this": true, "that": true, "be": true,
}

// Shortlister trims the catalog down to the attributes worth showing the
// model for one field. Vector search is used when configured, with lexical
// overlap as the fallback.
type Shortlister struct {
	limit    int
	embedder Embedder
	vectors  VectorSearcher
}

func NewShortlister(limit int, embedder Embedder, vectors VectorSearcher) *Shortlister {
	return &Shortlister{limit: limit, embedder: embedder, vectors: vectors}
}

func (s *Shortlister) Select(ctx context.Context, fieldName, definition string, attrs []models.Attribute) []models.Attribute {
	if s == nil || s.limit <= 0 || len(attrs) <= s.limit {
		metrics.ShortlistSource.WithLabelValues("full").Inc()
		return attrs
	}

	query := strings.TrimSpace(splitIdentifier(fieldName) + " " + definition)

	if s.embedder != nil && s.vectors != nil {
		selected, err := s.byVector(ctx, query, attrs)
		if err == nil && len(selected) > 0 {
			metrics.ShortlistSource.WithLabelValues("vector").Inc()
			return selected
		}
		logger.Warn("Vector shortlist unavailable, falling back to lexical",
			zap.String("field", fieldName),
			zap.Error(err),
		)
	}

	metrics.ShortlistSource.WithLabelValues("lexical").Inc()
	return s.byOverlap(query, attrs)
}

func (s *Shortlister) byVector(ctx context.Context, query string, attrs []models.Attribute) ([]models.Attribute, error) {
	embedding, err := s.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}

	names, err := s.vectors.SearchAttributes(ctx, embedding, s.limit)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]models.Attribute, len(attrs))
	for _, a := range attrs {
		byName[a.Name] = a
	}

	selected := make([]models.Attribute, 0, len(names))
	for _, name := range names {
		// The vector index can lag a catalog populate.
		if a, ok := byName[name]; ok {
			selected = append(selected, a)
		}
	}
	return selected, nil
}

func (s *Shortlister) byOverlap(query string, attrs []models.Attribute) []models.Attribute {
	terms := tokenize(query)

	type scored struct {
		attr  models.Attribute
		score int
	}
	ranked := make([]scored, len(attrs))
	for i, a := range attrs {
		text := splitIdentifier(a.Name) + " " + a.DisplayName + " " + a.Description + " " + a.Category
		score := 0
		for term := range tokenize(text) {
			if terms[term] {
				score++
			}
		}
		ranked[i] = scored{attr: a, score: score}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	selected := make([]models.Attribute, 0, s.limit)
	for _, r := range ranked[:s.limit] {
		selected = append(selected, r.attr)
	}
	return selected
}

func tokenize(text string) map[string]bool {
	terms := make(map[string]bool)

	doc, err := prose.NewDocument(
		strings.ToLower(text),
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		for _, w := range strings.Fields(strings.ToLower(text)) {
			addTerm(terms, w)
		}
		return terms
	}

	for _, tok := range doc.Tokens() {
		addTerm(terms, tok.Text)
	}
	return terms
}

func addTerm(terms map[string]bool, word string) {
	word = strings.TrimFunc(word, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(word) < 2 || stopwords[word] {
		return
	}
	terms[word] = true
}

// splitIdentifier turns LoanAmt, loan_amount or LOAN-AMT into space
// separated words.
func splitIdentifier(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == '.':
			b.WriteRune(' ')
			continue
		case i > 0 && unicode.IsUpper(r):
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteRune(' ')
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

// CachedEmbedder memoizes query embeddings. Cache failures only cost a
// recomputation.
type CachedEmbedder struct {
	next  Embedder
	cache EmbeddingCache
	model string
	ttl   time.Duration
}

func NewCachedEmbedder(next Embedder, cache EmbeddingCache, model string, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, model: model, ttl: ttl}
}

func (c *CachedEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	key := utils.Fingerprint(c.model, text)

	if emb, ok, err := c.cache.GetEmbedding(ctx, key); err == nil && ok {
		return emb, nil
	} else if err != nil {
		logger.Debug("Embedding cache read failed", zap.Error(err))
	}

	emb, err := c.next.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetEmbedding(ctx, key, emb, c.ttl); err != nil {
		logger.Debug("Embedding cache write failed", zap.Error(err))
	}
	return emb, nil
}
