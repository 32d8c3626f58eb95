package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdd-agent/backend/internal/matcher"
	"github.com/cdd-agent/backend/internal/session"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewFromRedis(rdb, "test", time.Minute), mr
}

func TestSessionRoundTrip(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	s := &session.Session{
		ID:        "abc",
		Status:    session.StatusActive,
		BatchSize: 2,
		Version:   1,
		Fields:    []session.FieldRecord{{Index: 0, Name: "LoanAmt", Definition: "loan principal"}},
	}
	require.NoError(t, c.Create(ctx, s))
	assert.True(t, mr.Exists("test:session:abc"))
	assert.Equal(t, time.Minute, mr.TTL("test:session:abc"))

	assert.ErrorIs(t, c.Create(ctx, s), session.ErrStaleState)

	got, err := c.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "LoanAmt", got.Fields[0].Name)
	assert.Equal(t, int64(1), got.Version)

	got.Cursor = 1
	got.Version = 2
	require.NoError(t, c.Put(ctx, got, 1))

	stale := *got
	stale.Version = 3
	assert.ErrorIs(t, c.Put(ctx, &stale, 1), session.ErrStaleState)

	again, err := c.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Cursor)
	assert.Equal(t, int64(2), again.Version)

	require.NoError(t, c.Delete(ctx, "abc"))
	require.NoError(t, c.Delete(ctx, "abc"))
	_, err = c.Get(ctx, "abc")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.ErrorIs(t, c.Put(ctx, got, 2), session.ErrNotFound)
}

func TestSessionExpires(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Create(ctx, &session.Session{ID: "ttl", Version: 1}))
	mr.FastForward(2 * time.Minute)

	_, err := c.Get(ctx, "ttl")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestManagerOverRedis(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	m := session.NewManager(c, stubGateway{}, session.Options{BatchSize: 2})
	snap, err := m.CreateSession(ctx, session.CreateRequest{Fields: []session.FieldInput{
		{Name: "LoanAmt", Definition: "loan principal"},
		{Name: "IntRate", Definition: "interest rate"},
	}})
	require.NoError(t, err)

	next, err := m.NextField(ctx, snap.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Progress.Processed)

	_, err = m.ProcessField(ctx, snap.SessionID, 0, session.Action{Kind: session.ActionSkip})
	require.NoError(t, err)
	_, err = m.ProcessField(ctx, snap.SessionID, 0, session.Action{Kind: session.ActionSkip})
	assert.ErrorIs(t, err, session.ErrStaleState)
}

func TestEmbeddingCache(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, ok, err := c.GetEmbedding(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetEmbedding(ctx, "h1", []float32{0.25, 0.5}, time.Hour))
	got, ok, err := c.GetEmbedding(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{0.25, 0.5}, got)
}

type stubGateway struct{}

func (stubGateway) FindMatches(context.Context, string, string, string) ([]matcher.Candidate, error) {
	return []matcher.Candidate{{AttributeID: "loanPrincipalAmount", Confidence: 0.9}}, nil
}

func (stubGateway) SuggestNewField(context.Context, string, string, string) (*matcher.Suggestion, error) {
	return &matcher.Suggestion{Category: "loan", Attribute: "loanNote", DataType: "STRING", Action: "New"}, nil
}
