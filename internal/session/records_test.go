package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	r := NewRecordStore(NewMemoryStore(time.Hour))

	t.Run("splits pre-confirmed rows", func(t *testing.T) {
		work, confirmed, err := r.Load([]FieldInput{
			{Name: " LoanAmt ", Definition: " principal ", BestGuess: " loanPrincipalAmount "},
			{Name: "MaturityDt", Confirmed: "maturityDate", BestGuess: "SKIP"},
			{Name: "IntRate", Definition: " annual rate "},
			{Name: "Fee"},
		})
		require.NoError(t, err)
		require.Len(t, work, 2)
		require.Len(t, confirmed, 2)

		assert.Equal(t, "IntRate", work[0].Name)
		assert.Equal(t, "annual rate", work[0].Definition)
		assert.Equal(t, 0, work[0].Index)
		assert.Equal(t, 3, work[0].Row)
		assert.Equal(t, "Fee", work[1].Name)
		assert.Equal(t, 1, work[1].Index)

		assert.Equal(t, "LoanAmt", confirmed[0].Name)
		assert.Equal(t, 1, confirmed[0].Row)
		assert.Equal(t, "loanPrincipalAmount", confirmed[0].Decision.Attribute.AttributeID)

		assert.True(t, confirmed[1].PreConfirmed)
		assert.True(t, confirmed[1].Processed)
		assert.Equal(t, 1, confirmed[1].Index)
		assert.Equal(t, DecisionMatched, confirmed[1].Decision.Kind)
		assert.Equal(t, "maturityDate", confirmed[1].Decision.Attribute.AttributeID)
	})

	t.Run("resumes a previously mapped file", func(t *testing.T) {
		work, confirmed, err := r.Load([]FieldInput{
			{Name: "LoanAmt", Definition: "principal", BestGuess: "loanPrincipalAmount"},
			{Name: "Notes", Definition: "free text", BestGuess: "skip"},
			{Name: "Channel", Definition: "origination channel", BestGuess: "NEW_FIELD_REQUESTED"},
			{Name: "Legacy", Definition: "NEED REVIEW: unclear source"},
			{Name: "IntRate", Definition: "annual rate"},
		})
		require.NoError(t, err)
		require.Len(t, work, 1)
		assert.Equal(t, "IntRate", work[0].Name)

		kinds := make(map[string]DecisionKind, len(confirmed))
		for _, f := range confirmed {
			assert.True(t, f.PreConfirmed, f.Name)
			kinds[f.Name] = f.Decision.Kind
		}
		assert.Equal(t, map[string]DecisionKind{
			"LoanAmt": DecisionMatched,
			"Notes":   DecisionSkipped,
			"Channel": DecisionNewField,
			"Legacy":  DecisionSkipped,
		}, kinds)
		assert.Nil(t, confirmed[2].Decision.Suggestion)
	})

	tests := []struct {
		name   string
		inputs []FieldInput
		row    int
	}{
		{"empty upload", nil, 0},
		{"blank name", []FieldInput{{Name: "A"}, {Name: "  "}}, 2},
		{"duplicate name", []FieldInput{{Name: "A"}, {Name: "B"}, {Name: "A"}}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := r.Load(tt.inputs)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.row, ve.Row)
		})
	}
}

func seedSession(t *testing.T, r *RecordStore) *Session {
	t.Helper()
	work, _, err := r.Load([]FieldInput{{Name: "A"}, {Name: "B"}})
	require.NoError(t, err)
	s := &Session{ID: "s1", Status: StatusActive, BatchSize: 1, Fields: work}
	require.NoError(t, r.Create(context.Background(), s))
	return s
}

func TestRecordStoreGetAndUpdateField(t *testing.T) {
	r := NewRecordStore(NewMemoryStore(time.Hour))
	ctx := context.Background()
	seedSession(t, r)

	_, err := r.Get(ctx, "s1", 2)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(ctx, "nope", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	s, err := r.UpdateField(ctx, "s1", 1, func(f *FieldRecord) error {
		f.ErrorNote = "checked"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Version)

	f, err := r.Get(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, "checked", f.ErrorNote)

	// A failing patch leaves the stored session untouched.
	_, err = r.UpdateField(ctx, "s1", 1, func(f *FieldRecord) error {
		f.ErrorNote = "lost"
		return errors.New("boom")
	})
	require.Error(t, err)
	f, err = r.Get(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, "checked", f.ErrorNote)

	p, err := r.Progress(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, Progress{Total: 2}, p)
}

func TestRecordStoreReturnsCopies(t *testing.T) {
	r := NewRecordStore(NewMemoryStore(time.Hour))
	ctx := context.Background()
	seedSession(t, r)

	s, err := r.Snapshot(ctx, "s1")
	require.NoError(t, err)
	s.Fields[0].Name = "mutated"
	s.Cursor = 2

	again, err := r.Snapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "A", again.Fields[0].Name)
	assert.Equal(t, 0, again.Cursor)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	m := NewMemoryStore(time.Minute)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Create(ctx, &Session{ID: "a", Version: 1}))
	assert.ErrorIs(t, m.Create(ctx, &Session{ID: "a", Version: 1}), ErrStaleState)

	assert.ErrorIs(t, m.Put(ctx, &Session{ID: "a", Version: 3}, 2), ErrStaleState)
	require.NoError(t, m.Put(ctx, &Session{ID: "a", Version: 2}, 1))

	// Writes refresh the idle TTL.
	now = now.Add(50 * time.Second)
	require.NoError(t, m.Put(ctx, &Session{ID: "a", Version: 3}, 2))
	now = now.Add(50 * time.Second)
	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)

	now = now.Add(time.Minute)
	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, m.Len())

	assert.ErrorIs(t, m.Put(ctx, &Session{ID: "gone"}, 0), ErrNotFound)
	assert.NoError(t, m.Delete(ctx, "gone"))
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.lock("a")
	unlockB := k.lock("b")
	assert.Len(t, k.locks, 2)
	unlockA()
	unlockB()
	assert.Empty(t, k.locks)
}
