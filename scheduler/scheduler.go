// Package scheduler runs a batch of research subtasks across a bounded
// number of concurrent slots, isolating each slot's failure from the rest
// and preserving the caller's subtask ordering in the result slice.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/internal/metrics"
	"github.com/deepresearch/orchestrator/research"
)

// DefaultSlotTimeout bounds how long a single researcher slot may run
// before the scheduler abandons it with a SlotErrorTimeout.
const DefaultSlotTimeout = 120 * time.Second

// MinConcurrency and MaxConcurrency bound the Scheduler's parallel slot
// count; NewScheduler clamps any requested value into this range.
const (
	MinConcurrency = 1
	MaxConcurrency = 5
)

// SlotErrorKind classifies why a slot did not produce a Summary.
type SlotErrorKind string

const (
	SlotErrorTimeout   SlotErrorKind = "TIMEOUT"
	SlotErrorFailed    SlotErrorKind = "FAILED"
	SlotErrorCancelled SlotErrorKind = "CANCELLED"
)

// SlotError is the scheduler-level failure carried in a SlotResult that
// never produced a Summary. It is distinct from research.StageError:
// StageError records a stage's non-fatal observation, while SlotError
// records why one researcher slot specifically did not finish.
type SlotError struct {
	Kind    SlotErrorKind
	Message string
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// SlotResult is one subtask's outcome from RunBatch, at the same Index as
// the subtask in the slice RunBatch was given.
type SlotResult struct {
	Index   int
	Summary *research.Summary
	Err     *SlotError
}

// Runner executes one subtask in one slot. Implementations should respect
// ctx cancellation/deadline; the scheduler does not retry a Runner call
// that returns an error.
type Runner func(ctx context.Context, subtask research.Subtask, slotIndex int) (*research.Summary, error)

// Scheduler runs subtask batches with bounded parallelism.
type Scheduler struct {
	concurrency int
	slotTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Collector
}

// NewScheduler returns a Scheduler admitting at most concurrency
// concurrent slots (clamped to [MinConcurrency, MaxConcurrency]) and
// aborting any slot that runs past slotTimeout (DefaultSlotTimeout if
// slotTimeout is non-positive). collector may be nil, in which case slot
// metrics are not recorded.
func NewScheduler(concurrency int, slotTimeout time.Duration, logger *zap.Logger, collector *metrics.Collector) *Scheduler {
	if concurrency < MinConcurrency {
		concurrency = MinConcurrency
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}
	if slotTimeout <= 0 {
		slotTimeout = DefaultSlotTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		concurrency: concurrency,
		slotTimeout: slotTimeout,
		logger:      logger.With(zap.String("component", "scheduler")),
		metrics:     collector,
	}
}

// RunBatch runs run once per subtask, admitting at most s.concurrency at a
// time, and returns one SlotResult per subtask in the same order as
// subtasks. Cancelling ctx causes every slot still waiting for admission or
// still running to resolve as SlotErrorCancelled rather than block
// indefinitely; RunBatch itself always returns once every slot has
// resolved one way or another.
func (s *Scheduler) RunBatch(ctx context.Context, subtasks []research.Subtask, run Runner) []SlotResult {
	results := make([]SlotResult, len(subtasks))
	sem := make(chan struct{}, s.concurrency)

	var wg sync.WaitGroup
	for i, subtask := range subtasks {
		wg.Add(1)
		go func(i int, subtask research.Subtask) {
			defer wg.Done()
			// Each goroutine only ever writes to its own index, so no
			// further synchronisation is needed on results itself.
			results[i] = s.runOne(ctx, sem, i, subtask, run)
		}(i, subtask)
	}
	wg.Wait()

	return results
}

func (s *Scheduler) runOne(ctx context.Context, sem chan struct{}, index int, subtask research.Subtask, run Runner) SlotResult {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return SlotResult{Index: index, Err: &SlotError{Kind: SlotErrorCancelled, Message: ctx.Err().Error()}}
	}
	defer func() { <-sem }()

	slotCtx, cancel := context.WithTimeout(ctx, s.slotTimeout)
	defer cancel()

	return s.runSlot(slotCtx, index, subtask, run)
}

func (s *Scheduler) runSlot(ctx context.Context, index int, subtask research.Subtask, run Runner) (result SlotResult) {
	result.Index = index
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("researcher slot panicked", zap.Int("slot", index), zap.Any("recovered", r))
			result.Summary = nil
			result.Err = &SlotError{Kind: SlotErrorFailed, Message: fmt.Sprintf("panic: %v", r)}
		}
		if s.metrics != nil {
			s.metrics.RecordResearchSlot(slotOutcome(result), time.Since(start))
		}
	}()

	summary, err := run(ctx, subtask, index)
	if err != nil {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			result.Err = &SlotError{Kind: SlotErrorTimeout, Message: err.Error()}
		case context.Canceled:
			result.Err = &SlotError{Kind: SlotErrorCancelled, Message: err.Error()}
		default:
			result.Err = &SlotError{Kind: SlotErrorFailed, Message: err.Error()}
		}
		return result
	}
	result.Summary = summary
	return result
}

// slotOutcome labels a resolved SlotResult for metrics purposes.
func slotOutcome(result SlotResult) string {
	if result.Err == nil {
		return "success"
	}
	return strings.ToLower(string(result.Err.Kind))
}
