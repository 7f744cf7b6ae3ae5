package search

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/deepresearch/orchestrator/research"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	calls   int32
	results []Result
	err     error
	delay   time.Duration
}

func (s *stubProvider) Search(ctx context.Context, query string, language research.Language, maxResults int) ([]Result, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func (s *stubProvider) HealthCheck(ctx context.Context) error {
	return s.err
}

func TestGateway_CachesResults(t *testing.T) {
	stub := &stubProvider{results: []Result{{URL: "https://a", Title: "A"}}}
	gw := NewGateway(stub, DefaultGatewayConfig(), zap.NewNop())

	ctx := context.Background()
	first, degraded, err := gw.Search(ctx, "graph neural networks", research.LanguageEnglish, 5)
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Len(t, first, 1)

	second, degraded, err := gw.Search(ctx, "Graph Neural Networks  ", research.LanguageEnglish, 5)
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&stub.calls))
}

func TestGateway_DegradesOnProviderFailure(t *testing.T) {
	stub := &stubProvider{err: research.NewError(research.ErrSearchDegraded, "upstream down")}
	gw := NewGateway(stub, DefaultGatewayConfig(), zap.NewNop())

	results, degraded, err := gw.Search(context.Background(), "quantum annealing", research.LanguageEnglish, 5)
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.Nil(t, results)
}

func TestGateway_RejectsEmptyQuery(t *testing.T) {
	gw := NewGateway(&stubProvider{}, DefaultGatewayConfig(), zap.NewNop())
	_, _, err := gw.Search(context.Background(), "   ", research.LanguageEnglish, 5)
	var rErr *research.Error
	require.True(t, errors.As(err, &rErr))
	assert.Equal(t, research.ErrInvalidInput, rErr.Code)
}

func TestGateway_CoalescesConcurrentIdenticalQueries(t *testing.T) {
	stub := &stubProvider{results: []Result{{URL: "https://a"}}, delay: 50 * time.Millisecond}
	gw := NewGateway(stub, DefaultGatewayConfig(), zap.NewNop())

	ctx := context.Background()
	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, _, _ = gw.Search(ctx, "entangled photons", research.LanguageEnglish, 5)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&stub.calls))
}

func TestGateway_SharesResultsThroughRedisTier(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := DefaultGatewayConfig()
	cfg.RedisAddr = mr.Addr()

	stub := &stubProvider{results: []Result{{URL: "https://shared", Title: "Shared"}}}
	producer := NewGateway(stub, cfg, zap.NewNop())
	_, _, err = producer.Search(context.Background(), "shared cache query", research.LanguageEnglish, 5)
	require.NoError(t, err)

	consumerStub := &stubProvider{err: research.NewError(research.ErrSearchDegraded, "should not be called")}
	consumer := NewGateway(consumerStub, cfg, zap.NewNop())
	results, degraded, err := consumer.Search(context.Background(), "Shared Cache Query", research.LanguageEnglish, 5)
	require.NoError(t, err)
	assert.False(t, degraded)
	require.Len(t, results, 1)
	assert.Equal(t, "https://shared", results[0].URL)
	assert.EqualValues(t, 0, atomic.LoadInt32(&consumerStub.calls))
}

func TestLRUCache_EvictsOldestBeyondCapacity(t *testing.T) {
	c := newLRUCache(2, time.Minute)
	c.set("a", []Result{{URL: "a"}})
	c.set("b", []Result{{URL: "b"}})
	c.set("c", []Result{{URL: "c"}})

	_, ok := c.get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, c.len())
}

func TestLRUCache_ExpiresEntriesPastTTL(t *testing.T) {
	c := newLRUCache(4, 10*time.Millisecond)
	c.set("a", []Result{{URL: "a"}})
	time.Sleep(20 * time.Millisecond)
	_, ok := c.get("a")
	assert.False(t, ok)
}
