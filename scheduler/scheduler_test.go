package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepresearch/orchestrator/research"
)

func subtasks(n int) []research.Subtask {
	out := make([]research.Subtask, n)
	for i := range out {
		out[i] = research.Subtask{Question: fmt.Sprintf("question %d", i)}
	}
	return out
}

func TestRunBatch_PreservesInputOrder(t *testing.T) {
	s := NewScheduler(3, time.Second, nil, nil)
	results := s.RunBatch(context.Background(), subtasks(8), func(ctx context.Context, st research.Subtask, slot int) (*research.Summary, error) {
		time.Sleep(time.Duration(8-slot) * time.Millisecond)
		return &research.Summary{SubtaskRef: slot, Text: st.Question}, nil
	})

	require.Len(t, results, 8)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		require.NotNil(t, r.Summary)
		assert.Equal(t, fmt.Sprintf("question %d", i), r.Summary.Text)
	}
}

func TestRunBatch_IsolatesFailures(t *testing.T) {
	s := NewScheduler(4, time.Second, nil, nil)
	results := s.RunBatch(context.Background(), subtasks(4), func(ctx context.Context, st research.Subtask, slot int) (*research.Summary, error) {
		if slot == 2 {
			return nil, errors.New("boom")
		}
		return &research.Summary{SubtaskRef: slot}, nil
	})

	for i, r := range results {
		if i == 2 {
			require.NotNil(t, r.Err)
			assert.Equal(t, SlotErrorFailed, r.Err.Kind)
		} else {
			assert.Nil(t, r.Err)
			require.NotNil(t, r.Summary)
		}
	}
}

func TestRunBatch_IsolatesPanics(t *testing.T) {
	s := NewScheduler(2, time.Second, nil, nil)
	results := s.RunBatch(context.Background(), subtasks(3), func(ctx context.Context, st research.Subtask, slot int) (*research.Summary, error) {
		if slot == 1 {
			panic("researcher exploded")
		}
		return &research.Summary{SubtaskRef: slot}, nil
	})

	require.NotNil(t, results[1].Err)
	assert.Equal(t, SlotErrorFailed, results[1].Err.Kind)
	assert.Nil(t, results[0].Err)
	assert.Nil(t, results[2].Err)
}

func TestRunBatch_TimesOutSlowSlot(t *testing.T) {
	s := NewScheduler(2, 20*time.Millisecond, nil, nil)
	results := s.RunBatch(context.Background(), subtasks(1), func(ctx context.Context, st research.Subtask, slot int) (*research.Summary, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return &research.Summary{}, nil
		}
	})

	require.NotNil(t, results[0].Err)
	assert.Equal(t, SlotErrorTimeout, results[0].Err.Kind)
}

func TestRunBatch_CancellationAbortsUnstartedAndRunningSlots(t *testing.T) {
	s := NewScheduler(1, time.Second, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var started int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	results := s.RunBatch(ctx, subtasks(4), func(ctx context.Context, st research.Subtask, slot int) (*research.Summary, error) {
		atomic.AddInt32(&started, 1)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	for _, r := range results {
		require.NotNil(t, r.Err)
		assert.Contains(t, []SlotErrorKind{SlotErrorCancelled, SlotErrorTimeout}, r.Err.Kind)
	}
}

func TestRunBatch_RespectsConcurrencyBound(t *testing.T) {
	s := NewScheduler(2, time.Second, nil, nil)
	var current, max int32

	results := s.RunBatch(context.Background(), subtasks(10), func(ctx context.Context, st research.Subtask, slot int) (*research.Summary, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			m := atomic.LoadInt32(&max)
			if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return &research.Summary{SubtaskRef: slot}, nil
	})

	require.Len(t, results, 10)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&max)), 2)
}

func TestNewScheduler_ClampsConcurrency(t *testing.T) {
	s := NewScheduler(0, 0, nil, nil)
	assert.Equal(t, MinConcurrency, s.concurrency)
	assert.Equal(t, DefaultSlotTimeout, s.slotTimeout)

	s = NewScheduler(99, 0, nil, nil)
	assert.Equal(t, MaxConcurrency, s.concurrency)
}
