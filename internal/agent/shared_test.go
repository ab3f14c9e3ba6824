package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingModel struct {
	calls    atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64
	delay    time.Duration
	err      error
}

func (m *countingModel) Name() string { return "counting" }

func (m *countingModel) Complete(_ context.Context, req Request) (*Response, error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(m.delay)
	if m.err != nil {
		return nil, m.err
	}
	return &Response{Message: Message{Role: RoleAssistant, Content: "answer for " + req.Model}}, nil
}

func TestCacheKey_StableAndDistinct(t *testing.T) {
	a, err := CacheKey(conversation())
	require.NoError(t, err)
	b, err := CacheKey(conversation())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	other := conversation()
	other.Temperature = 0.5
	c, err := CacheKey(other)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestMemoryCache_TTL(t *testing.T) {
	c := NewMemoryCache(20 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", &Response{Message: Message{Content: "x"}}))

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", got.Message.Content)

	time.Sleep(30 * time.Millisecond)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache_CopiesToolCalls(t *testing.T) {
	c := NewMemoryCache(0)
	ctx := context.Background()
	stored := &Response{Message: Message{Role: RoleAssistant, ToolCalls: []ToolCall{{Name: ToolBrief, Arguments: json.RawMessage(`{}`)}}}}
	require.NoError(t, c.Set(ctx, "k", stored))
	stored.Message.ToolCalls[0].ID = "changed after set"

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	got.Message.ToolCalls[0].ID = "changed after get"

	again, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, again.Message.ToolCalls[0].ID)
	assert.JSONEq(t, `{}`, string(again.Message.ToolCalls[0].Arguments))
}

func TestRedisCache_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisCache(client, "", time.Minute)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	resp := &Response{Message: Message{Role: RoleAssistant, Content: "cached"}, Usage: Usage{InputTokens: 3}, Cached: true}
	require.NoError(t, c.Set(ctx, "k", resp))
	assert.True(t, mr.Exists("callout:model:k"))
	assert.Equal(t, time.Minute, mr.TTL("callout:model:k"))

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cached", got.Message.Content)
	assert.False(t, got.Cached, "cached flag is not persisted")
}

func TestSharedModel_ServesRepeatsFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	inner := &countingModel{}
	shared := NewSharedModel(inner, SharedConfig{RequestsPerSecond: 1000, Burst: 100}, NewRedisCache(client, "", time.Minute), nil)

	first, err := shared.Complete(context.Background(), conversation())
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "answer for counting", first.Message.Content)

	second, err := shared.Complete(context.Background(), conversation())
	require.NoError(t, err)
	assert.True(t, second.Cached)

	calls, hits := shared.Stats()
	assert.Equal(t, int64(1), calls)
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), inner.calls.Load())
}

func TestSharedModel_CacheOutageFallsThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	inner := &countingModel{}
	shared := NewSharedModel(inner, SharedConfig{RequestsPerSecond: 1000, Burst: 100}, NewRedisCache(client, "", time.Minute), nil)

	resp, err := shared.Complete(context.Background(), conversation())
	require.NoError(t, err)
	assert.Equal(t, "answer for counting", resp.Message.Content)
}

func TestSharedModel_BoundsConcurrency(t *testing.T) {
	inner := &countingModel{delay: 20 * time.Millisecond}
	shared := NewSharedModel(inner, SharedConfig{MaxConcurrent: 2, RequestsPerSecond: 1000, Burst: 100}, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = shared.Complete(context.Background(), conversation())
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8), inner.calls.Load())
	assert.LessOrEqual(t, inner.peak.Load(), int64(2))
}

func TestSharedModel_ErrorsNotCached(t *testing.T) {
	inner := &countingModel{err: errors.New("boom")}
	cache := NewMemoryCache(time.Minute)
	shared := NewSharedModel(inner, SharedConfig{RequestsPerSecond: 1000, Burst: 100}, cache, nil)

	_, err := shared.Complete(context.Background(), conversation())
	require.Error(t, err)
	_, err = shared.Complete(context.Background(), conversation())
	require.Error(t, err)
	assert.Equal(t, int64(2), inner.calls.Load())
}
