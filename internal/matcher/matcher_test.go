package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdd-agent/backend/internal/llm"
	"github.com/cdd-agent/backend/internal/storage/models"
)

type fakeCompleter struct {
	replies []string
	err     error
	prompts []string
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.prompts = append(f.prompts, req.UserPrompt)
	if f.err != nil {
		return nil, f.err
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return &llm.CompletionResponse{Content: reply}, nil
}

type fakeCatalog struct {
	attrs []models.Attribute
	cats  []models.Category
	err   error
}

func (f *fakeCatalog) ListAttributes(context.Context) ([]models.Attribute, error) {
	return f.attrs, f.err
}

func (f *fakeCatalog) ListCategories(context.Context) ([]models.Category, error) {
	return f.cats, f.err
}

func loanCatalog() *fakeCatalog {
	return &fakeCatalog{
		attrs: []models.Attribute{
			{Name: "loanPrincipalAmount", DisplayName: "Loan Principal Amount", Category: "loan", DataType: "DECIMAL", Description: "Principal amount of the loan at origination"},
			{Name: "loanInterestRate", Category: "loan", DataType: "DECIMAL", Description: "Annual interest rate"},
			{Name: "maturityDate", Category: "loan", DataType: "DATE", Description: "Date the loan matures"},
		},
		cats: []models.Category{{Name: "loan", Description: "Loan level terms"}},
	}
}

func TestCleanDefinition(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace collapsed", "  Principal   amount\n of the loan ", "Principal amount of the loan"},
		{"verdict prefix", "NEED REVIEW. Principal amount", "Principal amount"},
		{"stacked prefixes", "No match found Confident no match Rate", "Rate"},
		{"html stripped", "<p>Principal <b>amount</b></p>", "Principal amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanDefinition(tt.in))
		})
	}
}

func TestInsufficient(t *testing.T) {
	tests := []struct {
		name       string
		field      string
		definition string
		usable     bool
	}{
		{"empty", "LoanAmt", "", false},
		{"too short", "LoanAmt", "amount", false},
		{"placeholder", "LoanAmt", "TBD by the servicing team", false},
		{"phrase placeholder", "LoanAmt", "Meaning to be determined later", false},
		{"repeats name", "LoanAmountValue", "loanamountvalue", false},
		{"usable", "LoanAmt", "Principal amount of the loan", true},
		{"temp inside word is fine", "Temperature", "Recorded temperature of the vault", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := Insufficient(tt.field, CleanDefinition(tt.definition), 10)
			if tt.usable {
				assert.Empty(t, reason)
			} else {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestParseMatches(t *testing.T) {
	t.Run("fenced array", func(t *testing.T) {
		got, err := parseMatches("```json\n[{\"cdd_field\":\"a\",\"confidence_score\":0.9}]\n```")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "a", got[0].Field)
		assert.InDelta(t, 0.9, float64(got[0].Confidence), 1e-9)
	})

	t.Run("wrapped object with string score", func(t *testing.T) {
		got, err := parseMatches(`Here you go: {"matches":[{"cdd_field":"b","confidence_score":"0.4"}]}`)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.InDelta(t, 0.4, float64(got[0].Confidence), 1e-9)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseMatches("I cannot help with that")
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})
}

func TestFindMatches_ShapesCandidates(t *testing.T) {
	completer := &fakeCompleter{replies: []string{`[
		{"cdd_field":"loanInterestRate","confidence_score":0.5,"reasoning":"rate"},
		{"cdd_field":"inventedField","confidence_score":0.99},
		{"cdd_field":"loanPrincipalAmount","confidence_score":1.7,"reasoning":"amount"},
		{"cdd_field":"maturityDate","confidence_score":0.1},
		{"cdd_field":"loanPrincipalAmount","confidence_score":0.2}
	]`}}
	g := NewLLMGateway(completer, loanCatalog(), NewShortlister(50, nil, nil), Options{MinConfidence: 0.3, MaxMatches: 5, MinDefinitionLength: 10})

	got, err := g.FindMatches(context.Background(), "LoanAmt", "Principal amount of the loan", "")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "loanPrincipalAmount", got[0].AttributeID)
	assert.Equal(t, 1.0, got[0].Confidence)
	assert.Equal(t, "Loan Principal Amount", got[0].DisplayName)
	assert.Equal(t, "loan", got[0].Category)
	assert.Equal(t, "loanInterestRate", got[1].AttributeID)
	assert.Equal(t, "loanInterestRate", got[1].DisplayName)
}

func TestFindMatches_CapsAtMaxMatches(t *testing.T) {
	completer := &fakeCompleter{replies: []string{`[
		{"cdd_field":"maturityDate","confidence_score":0.6},
		{"cdd_field":"loanInterestRate","confidence_score":0.7},
		{"cdd_field":"loanPrincipalAmount","confidence_score":0.8}
	]`}}
	g := NewLLMGateway(completer, loanCatalog(), nil, Options{MaxMatches: 2, MinDefinitionLength: 10})

	got, err := g.FindMatches(context.Background(), "LoanAmt", "Principal amount of the loan", "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "loanPrincipalAmount", got[0].AttributeID)
	assert.Equal(t, "loanInterestRate", got[1].AttributeID)
}

func TestFindMatches_InsufficientDefinitionSkipsModel(t *testing.T) {
	completer := &fakeCompleter{err: errors.New("should not be called")}
	g := NewLLMGateway(completer, loanCatalog(), nil, Options{MinDefinitionLength: 10})

	got, err := g.FindMatches(context.Background(), "Notes", "", "")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
	assert.Empty(t, completer.prompts)
}

func TestFindMatches_UpstreamFailure(t *testing.T) {
	cause := context.DeadlineExceeded
	g := NewLLMGateway(&fakeCompleter{err: cause}, loanCatalog(), nil, Options{MinDefinitionLength: 10})

	_, err := g.FindMatches(context.Background(), "LoanAmt", "Principal amount of the loan", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "LoanAmt", ue.Field)
}

func TestFindMatches_FeedbackReachesPrompt(t *testing.T) {
	completer := &fakeCompleter{replies: []string{`[]`}}
	g := NewLLMGateway(completer, loanCatalog(), nil, Options{MinDefinitionLength: 10})

	_, err := g.FindMatches(context.Background(), "LoanAmt", "Principal amount of the loan", "User feedback: prefer balances")
	require.NoError(t, err)
	require.Len(t, completer.prompts, 1)
	assert.Contains(t, completer.prompts[0], "prefer balances")
}

func TestSuggestNewField(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"```json\n" + `{
		"Category": "loan",
		"Attribute": "loanServicingNote",
		"Description": "Free text servicing note",
		"Label": "Servicing Note",
		"New-Update-Deprecate": "",
		"data_type": "string"
	}` + "\n```"}}
	g := NewLLMGateway(completer, loanCatalog(), nil, Options{DefaultTag: "ops"})

	got, err := g.SuggestNewField(context.Background(), "Notes", "Free text servicing note", "")
	require.NoError(t, err)
	assert.Equal(t, "loanServicingNote", got.Attribute)
	assert.Equal(t, "STRING", got.DataType)
	assert.Equal(t, "New", got.Action)
	assert.Equal(t, "ops", got.Tag)
	assert.Contains(t, completer.prompts[0], "Loan level terms")
}

func TestSuggestNewField_InvalidDraftIsUpstreamError(t *testing.T) {
	completer := &fakeCompleter{replies: []string{`{"Category":"loan","Attribute":"has spaces in it"}`}}
	g := NewLLMGateway(completer, loanCatalog(), nil, Options{})

	_, err := g.SuggestNewField(context.Background(), "Notes", "Free text", "")
	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

type stubVectors struct {
	names []string
	err   error
}

func (s stubVectors) SearchAttributes(context.Context, []float32, int) ([]string, error) {
	return s.names, s.err
}

type stubEmbedder struct{}

func (stubEmbedder) GenerateEmbedding(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func manyAttributes(n int) []models.Attribute {
	attrs := make([]models.Attribute, 0, n)
	for i := 0; i < n; i++ {
		attrs = append(attrs, models.Attribute{Name: fmt.Sprintf("filler%d", i), Description: "unrelated value"})
	}
	return attrs
}

func TestShortlist(t *testing.T) {
	attrs := append(manyAttributes(10), models.Attribute{Name: "loanPrincipalAmount", Description: "Principal amount of the loan"})

	t.Run("small catalog passes through", func(t *testing.T) {
		s := NewShortlister(50, nil, nil)
		assert.Len(t, s.Select(context.Background(), "LoanAmt", "x", attrs), len(attrs))
	})

	t.Run("lexical overlap ranks relevant attribute first", func(t *testing.T) {
		s := NewShortlister(3, nil, nil)
		got := s.Select(context.Background(), "LoanAmt", "Principal amount of the loan", attrs)
		require.Len(t, got, 3)
		assert.Equal(t, "loanPrincipalAmount", got[0].Name)
	})

	t.Run("vector results preserve rank and drop unknown names", func(t *testing.T) {
		s := NewShortlister(3, stubEmbedder{}, stubVectors{names: []string{"gone", "filler4", "loanPrincipalAmount"}})
		got := s.Select(context.Background(), "LoanAmt", "Principal amount", attrs)
		require.Len(t, got, 2)
		assert.Equal(t, "filler4", got[0].Name)
		assert.Equal(t, "loanPrincipalAmount", got[1].Name)
	})

	t.Run("vector failure falls back to lexical", func(t *testing.T) {
		s := NewShortlister(3, stubEmbedder{}, stubVectors{err: errors.New("milvus down")})
		got := s.Select(context.Background(), "LoanAmt", "Principal amount of the loan", attrs)
		require.Len(t, got, 3)
		assert.Equal(t, "loanPrincipalAmount", got[0].Name)
	})
}

func TestSplitIdentifier(t *testing.T) {
	assert.Equal(t, "Loan Amt", splitIdentifier("LoanAmt"))
	assert.Equal(t, "loan amount", splitIdentifier("loan_amount"))
	assert.Equal(t, "HTTP Status", splitIdentifier("HTTPStatus"))
}

type scriptedGateway struct {
	matches    []Candidate
	suggestion *Suggestion
	err        error
	feedback   []string
	findCalls  int
}

func (s *scriptedGateway) FindMatches(_ context.Context, _, _, feedback string) ([]Candidate, error) {
	s.findCalls++
	s.feedback = append(s.feedback, feedback)
	return s.matches, s.err
}

func (s *scriptedGateway) SuggestNewField(_ context.Context, _, _, feedback string) (*Suggestion, error) {
	s.feedback = append(s.feedback, feedback)
	return s.suggestion, s.err
}

func TestCheckField(t *testing.T) {
	suggestion := &Suggestion{Category: "loan", Attribute: "loanNote", DataType: "STRING", Action: "New"}

	t.Run("confident match", func(t *testing.T) {
		gw := &scriptedGateway{matches: []Candidate{{AttributeID: "loanPrincipalAmount", Confidence: 0.9}}}
		res, err := NewChecker(gw, 0.6).CheckField(context.Background(), CheckRequest{FieldName: "LoanAmt", FieldDefinition: "Principal"})
		require.NoError(t, err)
		assert.Equal(t, StatusMatched, res.Status)
		assert.Nil(t, res.NewFieldSuggestion)
	})

	t.Run("weak match falls through to suggestion", func(t *testing.T) {
		gw := &scriptedGateway{matches: []Candidate{{AttributeID: "x", Confidence: 0.4}}, suggestion: suggestion}
		res, err := NewChecker(gw, 0.6).CheckField(context.Background(), CheckRequest{FieldName: "Notes"})
		require.NoError(t, err)
		assert.Equal(t, StatusNewSuggestion, res.Status)
		assert.Len(t, res.Matches, 1)
		assert.Equal(t, suggestion, res.NewFieldSuggestion)
	})

	t.Run("create_new_field skips matching and applies history", func(t *testing.T) {
		gw := &scriptedGateway{suggestion: suggestion}
		res, err := NewChecker(gw, 0.6).CheckField(context.Background(), CheckRequest{
			FieldName:       "Notes",
			ActionType:      ActionImproveNewField,
			FeedbackText:    "use the servicing category",
			FeedbackHistory: []FeedbackEntry{{Action: ActionCreateNewField, Feedback: "too generic"}},
		})
		require.NoError(t, err)
		assert.Zero(t, gw.findCalls)
		assert.True(t, res.FeedbackApplied)
		require.Len(t, gw.feedback, 1)
		lines := strings.Split(gw.feedback[0], "\n")
		assert.Equal(t, []string{"User feedback (create_new_field): too generic", "User feedback: use the servicing category"}, lines)
	})

	t.Run("nothing found serialises an empty list", func(t *testing.T) {
		res, err := NewChecker(&scriptedGateway{}, 0.6).CheckField(context.Background(), CheckRequest{FieldName: "Notes"})
		require.NoError(t, err)
		assert.Equal(t, StatusNoMatch, res.Status)
		assert.NotNil(t, res.Matches)

		data, err := json.Marshal(res)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"matches":[]`)
	})

	t.Run("upstream errors surface", func(t *testing.T) {
		gw := &scriptedGateway{err: &UpstreamError{Op: "find_matches", Field: "LoanAmt", Err: errors.New("503")}}
		_, err := NewChecker(gw, 0.6).CheckField(context.Background(), CheckRequest{FieldName: "LoanAmt"})
		assert.ErrorIs(t, err, ErrUpstream)
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := NewChecker(&scriptedGateway{}, 0.6).CheckField(context.Background(), CheckRequest{FieldName: "x", ActionType: "nope"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

type mapCache struct {
	data map[string][]float32
}

func (m *mapCache) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	emb, ok := m.data[key]
	return emb, ok, nil
}

func (m *mapCache) SetEmbedding(_ context.Context, key string, emb []float32, _ time.Duration) error {
	m.data[key] = emb
	return nil
}

type countingEmbedder struct{ calls int }

func (c *countingEmbedder) GenerateEmbedding(context.Context, string) ([]float32, error) {
	c.calls++
	return []float32{float32(c.calls)}, nil
}

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{}
	e := NewCachedEmbedder(inner, &mapCache{data: map[string][]float32{}}, "text-embedding-3-small", time.Hour)
	ctx := context.Background()

	first, err := e.GenerateEmbedding(ctx, "loan principal")
	require.NoError(t, err)
	second, err := e.GenerateEmbedding(ctx, "loan principal")
	require.NoError(t, err)
	other, err := e.GenerateEmbedding(ctx, "interest rate")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.Equal(t, 2, inner.calls)
}
