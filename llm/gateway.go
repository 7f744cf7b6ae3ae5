package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/deepresearch/orchestrator/internal/metrics"
	"github.com/deepresearch/orchestrator/llm/circuitbreaker"
	"github.com/deepresearch/orchestrator/llm/retry"
	"github.com/deepresearch/orchestrator/research"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// namedProvider pairs a Provider with the resilience primitives guarding
// every call through it: a circuit breaker (fast-fail a provider that is
// currently down) and a rate limiter (outbound QPS shaping), mirroring the
// teacher's ResilientProvider decorator but scoped to one provider in a
// fallback chain rather than wrapping a single upstream call.
type namedProvider struct {
	provider Provider
	breaker  circuitbreaker.CircuitBreaker
	limiter  *rate.Limiter
}

// Gateway is the C1 LLM Gateway: a uniform generate/stream contract across
// an ordered fallback chain of providers, with per-stage temperature
// profiles and provider selection (single or per-stage override).
type Gateway struct {
	logger         *zap.Logger
	chain          []*namedProvider
	perStage       map[Stage][]*namedProvider
	requestTimeout time.Duration
	metrics        *metrics.Collector
}

// Option configures a Gateway at construction time.
type Option func(*Gateway)

// WithRequestTimeout overrides the per-call timeout enforced on every
// provider invocation.
func WithRequestTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.requestTimeout = d }
}

// WithMetrics attaches a Collector that records every fallback between
// providers in the chain. Omitting this option disables that instrumentation.
func WithMetrics(collector *metrics.Collector) Option {
	return func(g *Gateway) { g.metrics = collector }
}

// NewGateway builds a Gateway with chain as the default fallback order.
// perStage, if non-nil, overrides the chain used for specific stages.
func NewGateway(logger *zap.Logger, chain []Provider, perStage map[Stage][]Provider, opts ...Option) *Gateway {
	g := &Gateway{
		logger:         logger,
		chain:          wrapAll(chain, logger),
		perStage:       make(map[Stage][]*namedProvider, len(perStage)),
		requestTimeout: 60 * time.Second,
	}
	for stage, providers := range perStage {
		g.perStage[stage] = wrapAll(providers, logger)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func wrapAll(providers []Provider, logger *zap.Logger) []*namedProvider {
	out := make([]*namedProvider, 0, len(providers))
	for _, p := range providers {
		out = append(out, &namedProvider{
			provider: p,
			breaker:  circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(), logger),
			limiter:  rate.NewLimiter(rate.Limit(10), 10),
		})
	}
	return out
}

func (g *Gateway) chainFor(stage Stage) []*namedProvider {
	if chain, ok := g.perStage[stage]; ok && len(chain) > 0 {
		return chain
	}
	return g.chain
}

// Generate runs a single-shot completion for stage, returning plain text.
// It tries each configured provider in order; a provider error or timeout
// is recorded as a recoverable failure and the gateway falls back to the
// next one. If every provider fails, it raises LLM_UNAVAILABLE.
func (g *Gateway) Generate(ctx context.Context, stage Stage, systemPrompt, userPrompt, model string) (string, []research.StageError, error) {
	chain := g.chainFor(stage)
	if len(chain) == 0 {
		return "", nil, research.NewError(research.ErrLLMUnavailable, "no provider configured")
	}

	var recorded []research.StageError
	req := &ChatRequest{
		Model:       model,
		Temperature: stage.Temperature(),
		Messages: []Message{
			{Role: RoleSystem, Content: systemPrompt},
			{Role: RoleUser, Content: userPrompt},
		},
	}

	for i, np := range chain {
		text, err := g.callOne(ctx, np, req)
		if err == nil {
			return text, recorded, nil
		}
		g.logger.Warn("llm provider failed, falling back",
			zap.String("provider", np.provider.Name()),
			zap.String("stage", string(stage)),
			zap.Error(err))
		if g.metrics != nil && i+1 < len(chain) {
			g.metrics.RecordLLMFallback(np.provider.Name(), chain[i+1].provider.Name(), string(stage))
		}
		// Stage is left zero here: this is the llm.Stage temperature
		// profile, not a research.Stage workflow stage, and the two
		// enumerations don't correspond. The caller (the workflow engine)
		// knows which workflow stage it is running and fills Stage in
		// before persisting or discarding these records.
		recorded = append(recorded, research.StageError{
			Message:     fmt.Sprintf("provider %s: %v", np.provider.Name(), err),
			Recoverable: true,
		})
	}

	return "", recorded, research.NewError(research.ErrLLMUnavailable, "all configured providers failed").WithRetryable(true)
}

func (g *Gateway) callOne(ctx context.Context, np *namedProvider, req *ChatRequest) (string, error) {
	if err := np.limiter.Wait(ctx); err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	result, err := np.breaker.CallWithResult(callCtx, func() (any, error) {
		resp, err := np.provider.Completion(callCtx, req)
		if err != nil {
			return nil, err
		}
		return resp.Text, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// HealthProbe reports whether any configured provider answers within
// timeout, for the Health external operation's llm_available field.
func (g *Gateway) HealthProbe(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, np := range g.chain {
		status, err := np.provider.HealthCheck(ctx)
		if err == nil && status.Healthy {
			return true
		}
	}
	return false
}

// RetryGenerate is a thin helper for callers that want to retry a whole
// stage call at their own level (not inside the gateway itself, which never
// retries a single provider — only falls forward through the chain).
func RetryGenerate(ctx context.Context, retryer retry.Retryer, fn func() error) error {
	return retryer.Do(ctx, fn)
}
