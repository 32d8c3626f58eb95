// Package ingestion loads a CDD catalogue export into the attribute store
// and, when configured, the vector index used for shortlisting.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cdd-agent/backend/internal/matcher"
	"github.com/cdd-agent/backend/internal/metrics"
	"github.com/cdd-agent/backend/internal/storage/models"
	"github.com/cdd-agent/backend/internal/vector/zilliz"
	"github.com/cdd-agent/backend/pkg/logger"
)

var ErrInvalidCatalog = errors.New("invalid catalog")

// RawAttribute and friends mirror the camelCase export files
// (attributes.json, categories.json, categoryAttributes.json).
type RawAttribute struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	DataType    string `json:"dataType"`
	Description string `json:"description"`
	Tenant      string `json:"tenant"`
	EnumType    string `json:"enumType"`
}

type RawCategory struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Tenant      string `json:"tenant"`
}

type RawCategoryAttribute struct {
	CategoryName         string   `json:"categoryName"`
	AttributeName        string   `json:"attributeName"`
	IsInternal           *bool    `json:"isInternal"`
	InputPartitionOrder  *int     `json:"inputPartitionOrder"`
	OutputPartitionOrder *int     `json:"outputPartitionOrder"`
	Order                *float64 `json:"order"`
	Products             []string `json:"products"`
	Tenant               string   `json:"tenant"`
	MAInternal           *bool    `json:"maInternal"`
}

type PopulateRequest struct {
	Attributes         []RawAttribute         `json:"attributes_data"`
	Categories         []RawCategory          `json:"categories_data"`
	CategoryAttributes []RawCategoryAttribute `json:"category_attributes_data"`
}

type PopulateResult struct {
	Status                  string `json:"status"`
	AttributesCount         int    `json:"attributes_count"`
	CategoriesCount         int    `json:"categories_count"`
	CategoryAttributesCount int    `json:"category_attributes_count"`
	VectorsIndexed          int    `json:"vectors_indexed"`
	Message                 string `json:"message"`
}

type CatalogWriter interface {
	ReplaceCatalog(ctx context.Context, attrs []models.Attribute, cats []models.Category, links []models.CategoryAttribute) error
}

type BatchEmbedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorIndex interface {
	ResetCollection(ctx context.Context) error
	Insert(ctx context.Context, vectors []zilliz.AttributeVector) error
}

type Processor struct {
	db          CatalogWriter
	embedder    BatchEmbedder
	vectorDB    VectorIndex
	insertBatch int
}

// NewProcessor builds a catalogue loader. embedder and vectorDB may both be
// nil, in which case only the relational catalogue is written.
func NewProcessor(db CatalogWriter, embedder BatchEmbedder, vectorDB VectorIndex) *Processor {
	return &Processor{
		db:          db,
		embedder:    embedder,
		vectorDB:    vectorDB,
		insertBatch: 500,
	}
}

// Populate replaces the catalogue. Vector indexing runs after the relational
// write has committed; a failure there is logged and reported as zero
// vectors, and shortlisting falls back to lexical selection.
func (p *Processor) Populate(ctx context.Context, req PopulateRequest) (*PopulateResult, error) {
	start := time.Now()

	attrs, cats, links, err := Enrich(req)
	if err != nil {
		return nil, err
	}

	if err := p.db.ReplaceCatalog(ctx, attrs, cats, links); err != nil {
		return nil, fmt.Errorf("failed to store catalog: %w", err)
	}
	metrics.CatalogAttributes.Set(float64(len(attrs)))

	result := &PopulateResult{
		Status:                  "success",
		AttributesCount:         len(attrs),
		CategoriesCount:         len(cats),
		CategoryAttributesCount: len(links),
		Message:                 "Catalog populated with enriched CDD data",
	}

	if p.embedder != nil && p.vectorDB != nil && len(attrs) > 0 {
		n, err := p.index(ctx, attrs)
		if err != nil {
			logger.Warn("Attribute vector index not rebuilt", zap.Error(err))
			result.Message = "Catalog populated; vector index unavailable"
		}
		result.VectorsIndexed = n
	}

	logger.Info("Catalog populated",
		zap.Int("attributes", result.AttributesCount),
		zap.Int("categories", result.CategoriesCount),
		zap.Int("category_attributes", result.CategoryAttributesCount),
		zap.Int("vectors", result.VectorsIndexed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

func (p *Processor) index(ctx context.Context, attrs []models.Attribute) (int, error) {
	texts := make([]string, len(attrs))
	for i, a := range attrs {
		texts[i] = EmbeddingText(a)
	}

	embeddings, err := p.embedder.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(attrs) {
		return 0, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(attrs))
	}

	if err := p.vectorDB.ResetCollection(ctx); err != nil {
		return 0, err
	}

	inserted := 0
	for i := 0; i < len(attrs); i += p.insertBatch {
		end := min(i+p.insertBatch, len(attrs))

		batch := make([]zilliz.AttributeVector, 0, end-i)
		for j := i; j < end; j++ {
			batch = append(batch, zilliz.AttributeVector{
				Name:      attrs[j].Name,
				Category:  attrs[j].Category,
				Embedding: embeddings[j],
			})
		}
		if err := p.vectorDB.Insert(ctx, batch); err != nil {
			return inserted, fmt.Errorf("failed to insert into vector DB: %w", err)
		}
		inserted += len(batch)
	}
	return inserted, nil
}

// Enrich validates the raw export and copies each attribute's first
// category link onto it.
func Enrich(req PopulateRequest) ([]models.Attribute, []models.Category, []models.CategoryAttribute, error) {
	cats := make([]models.Category, 0, len(req.Categories))
	catByName := make(map[string]models.Category, len(req.Categories))
	for i, c := range req.Categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, nil, nil, fmt.Errorf("%w: category %d has no name", ErrInvalidCatalog, i)
		}
		if _, dup := catByName[name]; dup {
			return nil, nil, nil, fmt.Errorf("%w: duplicate category %q", ErrInvalidCatalog, name)
		}
		cat := models.Category{Name: name, DisplayName: c.DisplayName, Description: c.Description, Tenant: c.Tenant}
		catByName[name] = cat
		cats = append(cats, cat)
	}

	links := make([]models.CategoryAttribute, 0, len(req.CategoryAttributes))
	firstLink := make(map[string]models.CategoryAttribute)
	for i, ca := range req.CategoryAttributes {
		if ca.CategoryName == "" || ca.AttributeName == "" {
			return nil, nil, nil, fmt.Errorf("%w: category attribute %d is missing a name", ErrInvalidCatalog, i)
		}
		link := models.CategoryAttribute{
			CategoryName:         ca.CategoryName,
			AttributeName:        ca.AttributeName,
			IsInternal:           ca.IsInternal,
			InputPartitionOrder:  ca.InputPartitionOrder,
			OutputPartitionOrder: ca.OutputPartitionOrder,
			Order:                ca.Order,
			Products:             ca.Products,
			Tenant:               ca.Tenant,
			MAInternal:           ca.MAInternal,
		}
		links = append(links, link)
		if _, ok := firstLink[ca.AttributeName]; !ok {
			firstLink[ca.AttributeName] = link
		}
	}

	attrs := make([]models.Attribute, 0, len(req.Attributes))
	seen := make(map[string]bool, len(req.Attributes))
	for i, a := range req.Attributes {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return nil, nil, nil, fmt.Errorf("%w: attribute %d has no name", ErrInvalidCatalog, i)
		}
		if seen[name] {
			return nil, nil, nil, fmt.Errorf("%w: duplicate attribute %q", ErrInvalidCatalog, name)
		}
		seen[name] = true

		attr := models.Attribute{
			Name:        name,
			DisplayName: a.DisplayName,
			DataType:    a.DataType,
			Description: a.Description,
			Tenant:      a.Tenant,
			EnumType:    a.EnumType,
		}
		if link, ok := firstLink[name]; ok {
			attr.Category = link.CategoryName
			attr.CategoryDescription = catByName[link.CategoryName].Description
			attr.IsInternal = link.IsInternal
			attr.InputPartitionOrder = link.InputPartitionOrder
			attr.OutputPartitionOrder = link.OutputPartitionOrder
			attr.Order = link.Order
			attr.Products = link.Products
			attr.MAInternal = link.MAInternal
		}
		attrs = append(attrs, attr)
	}

	return attrs, cats, links, nil
}

// EmbeddingText is the document embedded for an attribute. Shortlist queries
// embed the field name and definition in the same shape.
func EmbeddingText(a models.Attribute) string {
	var b strings.Builder
	b.WriteString(a.Name)
	if a.DisplayName != "" {
		b.WriteString(" (" + a.DisplayName + ")")
	}
	if desc := matcher.CleanDefinition(a.Description); desc != "" {
		b.WriteString(": " + desc)
	}
	if a.Category != "" {
		b.WriteString(" [category: " + a.Category + "]")
	}
	return b.String()
}
