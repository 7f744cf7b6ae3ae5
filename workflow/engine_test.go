package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepresearch/orchestrator/lang"
	"github.com/deepresearch/orchestrator/llm"
	"github.com/deepresearch/orchestrator/progressbus"
	"github.com/deepresearch/orchestrator/research"
	"github.com/deepresearch/orchestrator/scheduler"
	"github.com/deepresearch/orchestrator/search"
	"github.com/deepresearch/orchestrator/store"
)

// stubLLMProvider answers every Completion call by looking up reply(req)
// for its text, or failing every call if reply is nil.
type stubLLMProvider struct {
	name  string
	reply func(req *llm.ChatRequest) (string, error)
	fail  int32 // if nonzero, every call fails
}

func (p *stubLLMProvider) Name() string { return p.name }

func (p *stubLLMProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if atomic.LoadInt32(&p.fail) != 0 {
		return nil, fmt.Errorf("%s: simulated provider outage", p.name)
	}
	text, err := p.reply(req)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Text: text}, nil
}

func (p *stubLLMProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return nil, fmt.Errorf("stream not supported in test stub")
}

func (p *stubLLMProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: atomic.LoadInt32(&p.fail) == 0}, nil
}

// stubSearchProvider returns a single canned result for any query, unless
// degraded is set, in which case it fails every call (the Search Gateway
// turns that into degraded=true rather than a hard error).
type stubSearchProvider struct {
	degraded int32
}

func (p *stubSearchProvider) Search(ctx context.Context, query string, language research.Language, maxResults int) ([]search.Result, error) {
	if atomic.LoadInt32(&p.degraded) != 0 {
		return nil, fmt.Errorf("search backend unavailable")
	}
	return []search.Result{{URL: "https://example.com/a", Title: "A", Snippet: "snippet about " + query, Score: 0.9}}, nil
}

func (p *stubSearchProvider) HealthCheck(ctx context.Context) error {
	if atomic.LoadInt32(&p.degraded) != 0 {
		return fmt.Errorf("search backend unavailable")
	}
	return nil
}

// supervisorReply emits a subtask batch on the first n calls, then an
// empty array forever after, modeling a supervisor that converges.
func supervisorReply(batches [][]subtaskPayload) func(req *llm.ChatRequest) (string, error) {
	var calls int32
	return func(req *llm.ChatRequest) (string, error) {
		i := int(atomic.AddInt32(&calls, 1)) - 1
		if i >= len(batches) {
			return "[]", nil
		}
		b, err := json.Marshal(batches[i])
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func newTestEngine(t *testing.T, llmChain []llm.Provider, searchProvider search.Provider) (*Engine, store.Store, *progressbus.Bus) {
	t.Helper()

	fileStore, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	registry, err := lang.NewRegistry(nil)
	require.NoError(t, err)

	gateway := llm.NewGateway(nil, llmChain, nil)
	searchGateway := search.NewGateway(searchProvider, search.DefaultGatewayConfig(), nil)
	sched := scheduler.NewScheduler(3, 2*time.Second, nil, nil)
	bus := progressbus.NewBus(progressbus.DefaultBufferSize)

	engine := NewEngine(Dependencies{
		Store:     fileStore,
		LLM:       gateway,
		Search:    searchGateway,
		Prompts:   registry,
		Scheduler: sched,
		Bus:       bus,
		Model:     "test-model",
	})
	return engine, fileStore, bus
}

func createSession(t *testing.T, st store.Store, spec research.Spec) *research.Session {
	t.Helper()
	session, err := st.Create(context.Background(), spec)
	require.NoError(t, err)
	return session
}

func TestEngine_HappyPathReachesCompletedWithReport(t *testing.T) {
	// The supervisor proposes one subtask on its first call, then an empty
	// batch (so the session moves on to Compress); every other stage just
	// echoes a recognizable string.
	supervisor := supervisorReply([][]subtaskPayload{
		{{Question: "What is quantum supremacy?", Description: "define the term"}},
	})
	llmProvider := &stubLLMProvider{name: "primary"}
	llmProvider.reply = func(req *llm.ChatRequest) (string, error) {
		if req.Messages[0].Content == systemPromptSupervisor {
			return supervisor(req)
		}
		return "generated text for " + req.Messages[0].Content, nil
	}

	engine, st, bus := newTestEngine(t, []llm.Provider{llmProvider}, &stubSearchProvider{})

	session := createSession(t, st, research.Spec{Query: "Latest trends in quantum computing", Depth: research.DepthDeep, MaxResearchers: 3})

	sub := bus.Subscribe(session.ID)
	defer sub.Close()

	err := engine.Run(context.Background(), session.ID)
	require.NoError(t, err)

	final, err := st.Load(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, research.StageCompleted, final.Stage)
	require.NotEmpty(t, final.State.FinalReport)
	require.LessOrEqual(t, final.State.Iteration, final.Depth.MaxIterations())
	require.NotEmpty(t, final.State.Summaries)
}

func TestEngine_FatalLLMFailureDuringBrief(t *testing.T) {
	llmProvider := &stubLLMProvider{
		name: "primary",
		reply: func(req *llm.ChatRequest) (string, error) { return "clarified goal", nil },
	}
	engine, st, bus := newTestEngine(t, []llm.Provider{llmProvider}, &stubSearchProvider{})

	session := createSession(t, st, research.Spec{Query: "test query", Depth: research.DepthShallow})
	sub := bus.Subscribe(session.ID)
	defer sub.Close()

	// Run Intake+Clarify normally, then force the provider down before Brief.
	require.NoError(t, engine.step(context.Background(), session.ID, research.StageIntake))
	require.NoError(t, engine.step(context.Background(), session.ID, research.StageClarify))

	atomic.StoreInt32(&llmProvider.fail, 1)
	err := engine.Run(context.Background(), session.ID)
	require.Error(t, err)

	final, err := st.Load(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, research.StageError, final.Stage)
	require.NotNil(t, final.LastError)
	require.Equal(t, research.ErrLLMUnavailable, final.LastError.Code)
	require.Empty(t, final.State.FinalReport)
}

func TestEngine_NoProgressWhenSupervisorNeverConverges(t *testing.T) {
	// Supervisor proposes a subtask every round, but the researcher slot
	// always reports search degraded with no summary text, so Summaries
	// stays empty and the session should terminate NO_PROGRESS once the
	// iteration cap is hit.
	llmProvider := &stubLLMProvider{name: "primary"}
	llmProvider.reply = func(req *llm.ChatRequest) (string, error) {
		if req.Messages[0].Content == systemPromptSupervisor {
			return `[{"question":"q","description":"d"}]`, nil
		}
		if req.Messages[0].Content == systemPromptResearcher {
			return "", fmt.Errorf("researcher llm unavailable")
		}
		return "text", nil
	}
	searchProvider := &stubSearchProvider{}
	atomic.StoreInt32(&searchProvider.degraded, 1)

	engine, st, bus := newTestEngine(t, []llm.Provider{llmProvider}, searchProvider)
	session := createSession(t, st, research.Spec{Query: "test", Depth: research.DepthShallow, MaxResearchers: 1})
	sub := bus.Subscribe(session.ID)
	defer sub.Close()

	err := engine.Run(context.Background(), session.ID)
	require.Error(t, err)

	final, err := st.Load(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, research.StageError, final.Stage)
	require.Equal(t, research.ErrNoProgress, final.LastError.Code)
	require.Empty(t, final.State.Summaries)
}

func TestEngine_CancellationDuringResearch(t *testing.T) {
	llmProvider := &stubLLMProvider{name: "primary"}
	llmProvider.reply = func(req *llm.ChatRequest) (string, error) {
		if req.Messages[0].Content == systemPromptSupervisor {
			return `[{"question":"q1","description":"d"},{"question":"q2","description":"d"}]`, nil
		}
		return "text", nil
	}
	engine, st, bus := newTestEngine(t, []llm.Provider{llmProvider}, &stubSearchProvider{})

	session := createSession(t, st, research.Spec{Query: "test", Depth: research.DepthShallow, MaxResearchers: 2})
	sub := bus.Subscribe(session.ID)
	defer sub.Close()

	// Drive the session up to the start of Research with a live context,
	// then cancel before letting Run pick the Research stage back up, so
	// cancellation is actually observed mid-pipeline rather than at Intake.
	background := context.Background()
	require.NoError(t, engine.step(background, session.ID, research.StageIntake))
	require.NoError(t, engine.step(background, session.ID, research.StageClarify))
	require.NoError(t, engine.step(background, session.ID, research.StageBrief))
	require.NoError(t, engine.step(background, session.ID, research.StageSupervise))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := engine.Run(ctx, session.ID)
	require.ErrorIs(t, err, context.Canceled)

	final, err := st.Load(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, research.StageError, final.Stage)
	require.Equal(t, research.ErrCancelled, final.LastError.Code)
}

func TestParseSubtasks_CollapsesDuplicatesAfterTrimAndCasefold(t *testing.T) {
	raw := `[{"question":" What is X? ","description":"a"},{"question":"what is x?","description":"b"},{"question":"What is Y?","description":"c"}]`
	subtasks, err := parseSubtasks(raw)
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	require.Equal(t, "What is X?", subtasks[0].Question)
	require.Equal(t, "What is Y?", subtasks[1].Question)
}

func TestParseSubtasks_HandlesMarkdownFencedJSON(t *testing.T) {
	raw := "```json\n[{\"question\":\"q\",\"description\":\"d\"}]\n```"
	subtasks, err := parseSubtasks(raw)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	require.Equal(t, "q", subtasks[0].Question)
}

func TestParseSubtasks_EmptyArrayYieldsNoSubtasks(t *testing.T) {
	subtasks, err := parseSubtasks("[]")
	require.NoError(t, err)
	require.Empty(t, subtasks)
}
