package ingestion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdd-agent/backend/internal/storage/sqlite"
	"github.com/cdd-agent/backend/internal/vector/zilliz"
)

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) GenerateBatchEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

type fakeIndex struct {
	resets  int
	batches [][]zilliz.AttributeVector
}

func (f *fakeIndex) ResetCollection(context.Context) error {
	f.resets++
	return nil
}

func (f *fakeIndex) Insert(_ context.Context, v []zilliz.AttributeVector) error {
	f.batches = append(f.batches, v)
	return nil
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func sampleRequest() PopulateRequest {
	return PopulateRequest{
		Attributes: []RawAttribute{
			{Name: "loanPrincipalAmount", DisplayName: "Loan Principal Amount", DataType: "DECIMAL", Description: "<p>Principal at origination</p>"},
			{Name: "maturityDate", DataType: "DATE", Description: "Final payment date"},
			{Name: "orphanAttribute"},
		},
		Categories: []RawCategory{
			{Name: "loan", Description: "Loan facts"},
			{Name: "schedule", Description: "Repayment schedule"},
		},
		CategoryAttributes: []RawCategoryAttribute{
			{CategoryName: "loan", AttributeName: "loanPrincipalAmount", IsInternal: boolPtr(false), InputPartitionOrder: intPtr(1), Products: []string{"mortgage"}},
			{CategoryName: "loan", AttributeName: "maturityDate"},
			{CategoryName: "schedule", AttributeName: "maturityDate"},
		},
	}
}

func TestEnrich(t *testing.T) {
	attrs, cats, links, err := Enrich(sampleRequest())
	require.NoError(t, err)
	assert.Len(t, cats, 2)
	assert.Len(t, links, 3)
	require.Len(t, attrs, 3)

	assert.Equal(t, "loan", attrs[0].Category)
	assert.Equal(t, "Loan facts", attrs[0].CategoryDescription)
	assert.Equal(t, 1, *attrs[0].InputPartitionOrder)
	assert.Equal(t, []string{"mortgage"}, attrs[0].Products)

	// first link wins
	assert.Equal(t, "loan", attrs[1].Category)
	assert.Empty(t, attrs[2].Category)
}

func TestEnrichRejectsBadInput(t *testing.T) {
	req := sampleRequest()
	req.Attributes = append(req.Attributes, RawAttribute{Name: "maturityDate"})
	_, _, _, err := Enrich(req)
	assert.ErrorIs(t, err, ErrInvalidCatalog)

	req = sampleRequest()
	req.CategoryAttributes = append(req.CategoryAttributes, RawCategoryAttribute{CategoryName: "loan"})
	_, _, _, err = Enrich(req)
	assert.ErrorIs(t, err, ErrInvalidCatalog)

	req = sampleRequest()
	req.Categories = append(req.Categories, RawCategory{Name: " "})
	_, _, _, err = Enrich(req)
	assert.ErrorIs(t, err, ErrInvalidCatalog)
}

func TestEmbeddingText(t *testing.T) {
	attrs, _, _, err := Enrich(sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "loanPrincipalAmount (Loan Principal Amount): Principal at origination [category: loan]", EmbeddingText(attrs[0]))
	assert.Equal(t, "orphanAttribute", EmbeddingText(attrs[2]))
}

func newTestDB(t *testing.T) *sqlite.Client {
	t.Helper()
	db, err := sqlite.NewClient(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPopulate_RelationalOnly(t *testing.T) {
	db := newTestDB(t)
	p := NewProcessor(db, nil, nil)

	res, err := p.Populate(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, 3, res.AttributesCount)
	assert.Equal(t, 0, res.VectorsIndexed)

	attr, err := db.GetAttribute(context.Background(), "loanPrincipalAmount")
	require.NoError(t, err)
	assert.Equal(t, "loan", attr.Category)
}

func TestPopulate_IndexesVectorsInBatches(t *testing.T) {
	db := newTestDB(t)
	emb := &fakeEmbedder{}
	idx := &fakeIndex{}
	p := NewProcessor(db, emb, idx)
	p.insertBatch = 2

	res, err := p.Populate(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, 3, res.VectorsIndexed)
	assert.Equal(t, 1, idx.resets)
	require.Len(t, idx.batches, 2)
	assert.Equal(t, "loanPrincipalAmount", idx.batches[0][0].Name)
	assert.Equal(t, "loan", idx.batches[0][0].Category)
	assert.Len(t, idx.batches[1], 1)
}

func TestPopulate_VectorFailureKeepsCatalog(t *testing.T) {
	db := newTestDB(t)
	idx := &fakeIndex{}
	p := NewProcessor(db, &fakeEmbedder{err: errors.New("quota")}, idx)

	res, err := p.Populate(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, 0, res.VectorsIndexed)
	assert.Zero(t, idx.resets)

	n, err := db.CountAttributes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
