package zilliz

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/cdd-agent/backend/pkg/logger"
)

const (
	fieldName      = "attribute_name"
	fieldEmbedding = "embedding"
	fieldCategory  = "category"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// AttributeVector is one catalog attribute embedded for shortlist search.
type AttributeVector struct {
	Name      string
	Category  string
	Embedding []float32
}

type SearchResult struct {
	Name     string
	Category string
	Score    float32
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

// ResetCollection drops any existing attribute collection and recreates it
// empty. Catalog populates replace the whole catalog, so the vector side
// follows suit.
func (z *Client) ResetCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		if err := z.client.DropCollection(ctx, z.collectionName); err != nil {
			return fmt.Errorf("failed to drop collection: %w", err)
		}
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "CDD attribute embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldName,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "256",
				},
			},
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", z.vectorDim),
				},
			},
			{
				Name:     fieldCategory,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "256",
				},
			},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.L2, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Attribute collection created and loaded", zap.String("collection", z.collectionName))

	return nil
}

func (z *Client) Insert(ctx context.Context, vectors []AttributeVector) error {
	if len(vectors) == 0 {
		return nil
	}

	names := make([]string, len(vectors))
	categories := make([]string, len(vectors))
	embeddings := make([][]float32, len(vectors))

	for i, v := range vectors {
		if len(v.Embedding) != z.vectorDim {
			return fmt.Errorf("attribute %q embedding has dimension %d, want %d", v.Name, len(v.Embedding), z.vectorDim)
		}
		names[i] = v.Name
		categories[i] = v.Category
		embeddings[i] = v.Embedding
	}

	_, err := z.client.Insert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldName, names),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
		entity.NewColumnVarChar(fieldCategory, categories),
	)
	if err != nil {
		return fmt.Errorf("failed to insert attribute vectors: %w", err)
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Attribute vectors inserted", zap.Int("count", len(vectors)))

	return nil
}

// Search returns the topK nearest attributes, closest first.
func (z *Client) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]SearchResult, error) {
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		"",
		[]string{fieldName, fieldCategory},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		fieldEmbedding,
		entity.L2,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, 0, topK)
	for _, sr := range searchResult {
		nameCol := sr.Fields.GetColumn(fieldName)
		categoryCol := sr.Fields.GetColumn(fieldCategory)
		if nameCol == nil {
			continue
		}
		for i := 0; i < sr.ResultCount; i++ {
			name, err := nameCol.GetAsString(i)
			if err != nil {
				continue
			}
			res := SearchResult{Name: name}
			if categoryCol != nil {
				res.Category, _ = categoryCol.GetAsString(i)
			}
			if i < len(sr.Scores) {
				res.Score = sr.Scores[i]
			}
			results = append(results, res)
		}
	}

	return results, nil
}

// SearchAttributes adapts Search to the shortlist contract used by the
// matcher.
func (z *Client) SearchAttributes(ctx context.Context, embedding []float32, topK int) ([]string, error) {
	results, err := z.Search(ctx, embedding, topK)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.Name
	}
	return names, nil
}
