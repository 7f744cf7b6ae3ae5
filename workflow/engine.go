package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/internal/ctxkeys"
	"github.com/deepresearch/orchestrator/internal/metrics"
	"github.com/deepresearch/orchestrator/lang"
	"github.com/deepresearch/orchestrator/llm"
	"github.com/deepresearch/orchestrator/progressbus"
	"github.com/deepresearch/orchestrator/research"
	"github.com/deepresearch/orchestrator/scheduler"
	"github.com/deepresearch/orchestrator/search"
	"github.com/deepresearch/orchestrator/store"
)

// System prompts are intentionally short and fixed per stage; all of the
// actual instructions (including the supervisor's strict-JSON requirement)
// live in the per-language templates the Language & Prompt Registry
// resolves, so these only set the assistant's role.
const (
	systemPromptClarify     = "You restate vague research requests as one precise clarified goal."
	systemPromptBrief       = "You write tight, well-scoped research briefs."
	systemPromptSupervisor  = "You plan research subtasks and respond with strict JSON only, never prose."
	systemPromptResearcher  = "You summarize search results faithfully, citing only what they support."
	systemPromptCompression = "You consolidate research summaries without losing any distinct claim or source."
	systemPromptFinalReport = "You write clear, well-cited final research reports."
)

// Dependencies collects everything the Engine needs to drive a session
// through the state machine.
type Dependencies struct {
	Store     store.Store
	LLM       *llm.Gateway
	Search    *search.Gateway
	Prompts   *lang.Registry
	Scheduler *scheduler.Scheduler
	Bus       *progressbus.Bus
	Logger    *zap.Logger
	// Model is passed to every llm.Gateway.Generate call; providers that
	// ignore it (most local backends pin a single model) are unaffected.
	Model string
	// ContentTruncation caps each search snippet's length (in runes) before
	// it goes into the researcher prompt. A non-positive value falls back
	// to defaultContentTruncation.
	ContentTruncation int
	// Metrics records stage transitions and durations, if set. Nil is safe
	// and disables instrumentation.
	Metrics *metrics.Collector
}

// defaultContentTruncation is used when Dependencies.ContentTruncation is
// left unset, matching config.EngineConfig's own default.
const defaultContentTruncation = 500

// Engine drives one session through the fixed state machine named in the
// component design: Intake -> Clarify -> Brief -> Supervise <-> Research ->
// Compress -> Finalise -> Completed/Error. Per session the Engine is
// logically single-threaded: Run applies one stage transition at a time,
// persisting the result through Dependencies.Store before moving on, so
// concurrent Run calls for different sessions never interact.
type Engine struct {
	deps Dependencies
}

// NewEngine builds an Engine over deps.
func NewEngine(deps Dependencies) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.ContentTruncation <= 0 {
		deps.ContentTruncation = defaultContentTruncation
	}
	return &Engine{deps: deps}
}

// Run advances sessionID one stage at a time until it reaches a terminal
// stage (Completed or Error), ctx is cancelled, or the store itself fails.
// Cancellation is idempotent: a session already terminal when ctx is
// cancelled is left untouched.
func (e *Engine) Run(ctx context.Context, sessionID string) error {
	ctx = ctxkeys.WithRunID(ctx, sessionID)
	for {
		session, err := e.deps.Store.Load(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Stage.IsTerminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return e.cancel(sessionID)
		default:
		}

		fromStage := session.Stage
		start := time.Now()
		err = e.step(ctx, sessionID, fromStage)
		e.recordStageMetrics(ctx, sessionID, fromStage, time.Since(start))
		if err != nil {
			return err
		}
	}
}

// recordStageMetrics reports the stage just run and the stage the session
// landed on afterwards. It re-reads the session rather than threading the
// post-step stage through every runX method, so a stage that errors out
// (leaving the session on StageError) is still attributed correctly.
func (e *Engine) recordStageMetrics(ctx context.Context, sessionID string, fromStage research.Stage, duration time.Duration) {
	if e.deps.Metrics == nil {
		return
	}
	e.deps.Metrics.RecordStageDuration(string(fromStage), duration)
	session, err := e.deps.Store.Load(ctx, sessionID)
	if err != nil {
		return
	}
	if session.Stage != fromStage {
		e.deps.Metrics.RecordStageTransition(string(fromStage), string(session.Stage))
	}
}

func (e *Engine) step(ctx context.Context, sessionID string, stage research.Stage) error {
	switch stage {
	case research.StageIntake:
		return e.runIntake(ctx, sessionID)
	case research.StageClarify:
		return e.runClarify(ctx, sessionID)
	case research.StageBrief:
		return e.runBrief(ctx, sessionID)
	case research.StageSupervise:
		return e.runSupervise(ctx, sessionID)
	case research.StageResearch:
		return e.runResearch(ctx, sessionID)
	case research.StageCompress:
		return e.runCompress(ctx, sessionID)
	case research.StageFinalise:
		return e.runFinalise(ctx, sessionID)
	default:
		return fmt.Errorf("engine: unknown stage %q", stage)
	}
}

// cancel transitions sessionID to Error/CANCELLED. It uses a background
// context for the persistence call itself, since the caller's ctx is the
// one that just got cancelled.
func (e *Engine) cancel(sessionID string) error {
	updated, err := e.deps.Store.Update(context.Background(), sessionID, func(s *research.Session) error {
		if s.Stage.IsTerminal() {
			return nil
		}
		s.Stage = research.StageError
		s.LastError = research.NewError(research.ErrCancelled, "session cancelled")
		return nil
	})
	if err != nil {
		return err
	}
	if updated.LastError != nil {
		e.deps.Bus.PublishError(sessionID, updated.Stage, updated.LastError)
		e.deps.Bus.CloseSession(sessionID)
	}
	return context.Canceled
}

// fail transitions sessionID to Error with code/message, records a
// corresponding StageError against stage, and publishes the terminal
// error event. Used by every generative stage for which LLM_UNAVAILABLE
// (or an equivalent internal failure) is fatal to the whole session.
func (e *Engine) fail(ctx context.Context, sessionID string, stage research.Stage, code research.ErrorCode, message string) error {
	updated, err := e.deps.Store.Update(ctx, sessionID, func(s *research.Session) error {
		if s.Stage.IsTerminal() {
			return nil
		}
		s.Stage = research.StageError
		s.LastError = research.NewError(code, message)
		s.State.Errors = append(s.State.Errors, research.StageError{Stage: stage, Message: message, Recoverable: false})
		return nil
	})
	if err != nil {
		return err
	}
	e.deps.Bus.PublishError(sessionID, updated.Stage, updated.LastError)
	e.deps.Bus.CloseSession(sessionID)
	return updated.LastError
}

func (e *Engine) runIntake(ctx context.Context, sessionID string) error {
	updated, err := e.deps.Store.Update(ctx, sessionID, func(s *research.Session) error {
		if s.Language == "" {
			s.Language = lang.Detect(s.Query)
		}
		s.Stage = research.StageClarify
		s.Progress = 2
		return nil
	})
	if err != nil {
		return err
	}
	e.deps.Bus.PublishProgress(sessionID, updated.Stage, updated.Progress, "session validated")
	return nil
}

func (e *Engine) runClarify(ctx context.Context, sessionID string) error {
	session, err := e.deps.Store.Load(ctx, sessionID)
	if err != nil {
		return err
	}

	userPrompt, err := e.deps.Prompts.Render(lang.TemplateClarification, session.Language, lang.ClarificationData{
		Query:    session.Query,
		Language: string(session.Language),
	})
	if err != nil {
		return e.fail(ctx, sessionID, research.StageClarify, research.ErrInternal, err.Error())
	}

	text, _, genErr := e.deps.LLM.Generate(ctx, llm.StageResearch, systemPromptClarify, userPrompt, e.deps.Model)
	if genErr != nil {
		return e.fail(ctx, sessionID, research.StageClarify, research.ErrLLMUnavailable, genErr.Error())
	}

	updated, err := e.deps.Store.Update(ctx, sessionID, func(s *research.Session) error {
		s.State.ClarifiedGoal = strings.TrimSpace(text)
		s.Stage = research.StageBrief
		s.Progress = 20
		return nil
	})
	if err != nil {
		return err
	}
	e.deps.Bus.PublishProgress(sessionID, updated.Stage, updated.Progress, "clarified research goal")
	return nil
}

func (e *Engine) runBrief(ctx context.Context, sessionID string) error {
	session, err := e.deps.Store.Load(ctx, sessionID)
	if err != nil {
		return err
	}

	userPrompt, err := e.deps.Prompts.Render(lang.TemplateResearchBrief, session.Language, lang.ResearchBriefData{
		Query:         session.Query,
		ClarifiedGoal: session.State.ClarifiedGoal,
	})
	if err != nil {
		return e.fail(ctx, sessionID, research.StageBrief, research.ErrInternal, err.Error())
	}

	text, _, genErr := e.deps.LLM.Generate(ctx, llm.StageResearch, systemPromptBrief, userPrompt, e.deps.Model)
	if genErr != nil {
		return e.fail(ctx, sessionID, research.StageBrief, research.ErrLLMUnavailable, genErr.Error())
	}

	updated, err := e.deps.Store.Update(ctx, sessionID, func(s *research.Session) error {
		s.State.Brief = strings.TrimSpace(text)
		s.Stage = research.StageSupervise
		s.Progress = 40
		return nil
	})
	if err != nil {
		return err
	}
	e.deps.Bus.PublishProgress(sessionID, updated.Stage, updated.Progress, "wrote research brief")
	return nil
}

// runSupervise asks the LLM for the next batch of subtasks, then decides
// whether to continue researching or move on to Compress, per the state
// table: (no new subtasks and summaries non-empty) or iteration ==
// max_iterations moves to Compress; otherwise the iteration counter
// advances and Research runs the new batch. Reaching the iteration cap
// with no summary at all is the one case the state table routes to Error
// instead, with NO_PROGRESS.
func (e *Engine) runSupervise(ctx context.Context, sessionID string) error {
	session, err := e.deps.Store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	maxIter := session.Depth.MaxIterations()

	userPrompt, err := e.deps.Prompts.Render(lang.TemplateSupervisor, session.Language, lang.SupervisorData{
		Brief:         session.State.Brief,
		Summaries:     formatSummaries(session.State.Summaries),
		Iteration:     session.State.Iteration,
		MaxIterations: maxIter,
	})
	if err != nil {
		return e.fail(ctx, sessionID, research.StageSupervise, research.ErrInternal, err.Error())
	}

	text, _, genErr := e.deps.LLM.Generate(ctx, llm.StageResearch, systemPromptSupervisor, userPrompt, e.deps.Model)
	if genErr != nil {
		return e.fail(ctx, sessionID, research.StageSupervise, research.ErrLLMUnavailable, genErr.Error())
	}

	proposed, parseErr := parseSubtasks(text)
	if parseErr != nil {
		// Malformed supervisor output is treated the same as the model
		// proposing nothing this round, rather than aborting the session.
		runID, _ := ctxkeys.RunID(ctx)
		e.deps.Logger.Warn("supervisor output did not parse as subtasks", zap.Error(parseErr), zap.String("run_id", runID))
		proposed = nil
	}

	limit := session.Concurrency
	if limit <= 0 || limit > scheduler.MaxConcurrency {
		limit = scheduler.MaxConcurrency
	}
	if len(proposed) > limit {
		proposed = proposed[:limit]
	}

	stopForCompress := (len(proposed) == 0 && len(session.State.Summaries) > 0) || session.State.Iteration >= maxIter
	if stopForCompress && len(session.State.Summaries) == 0 {
		return e.fail(ctx, sessionID, research.StageSupervise, research.ErrNoProgress, "iteration cap reached without any research summary")
	}

	var nextStage research.Stage
	var nextSubtasks []research.Subtask
	nextIteration := session.State.Iteration
	if stopForCompress {
		nextStage = research.StageCompress
	} else {
		nextStage = research.StageResearch
		nextSubtasks = proposed
		nextIteration++
	}

	updated, err := e.deps.Store.Update(ctx, sessionID, func(s *research.Session) error {
		s.Stage = nextStage
		if nextStage == research.StageResearch {
			s.State.Subtasks = nextSubtasks
			s.State.Iteration = nextIteration
		} else {
			s.Progress = 80
		}
		return nil
	})
	if err != nil {
		return err
	}

	if nextStage == research.StageResearch {
		e.deps.Bus.Publish(research.Event{
			SessionID: sessionID,
			Type:      research.EventProgressThinking,
			Stage:     updated.Stage,
			Progress:  updated.Progress,
			Timestamp: time.Now(),
			Detail:    fmt.Sprintf("planned %d subtasks for iteration %d", len(nextSubtasks), nextIteration),
		})
	} else {
		e.deps.Bus.PublishProgress(sessionID, updated.Stage, updated.Progress, "compressing findings")
	}
	return nil
}

// runResearch hands the current subtask batch to the Scheduler, with each
// slot searching and summarizing one subtask. LLM_UNAVAILABLE inside a slot
// is recorded as a recoverable StageError and the slot contributes no
// Summary; SEARCH_DEGRADED is likewise recorded but the slot still tries to
// summarize whatever snippets it has. Either way the session continues. A
// scheduler-level SlotError (timeout, panic) is recorded the same way and
// also contributes no Summary. If the whole session's context was
// cancelled, the batch is abandoned and the session is cancelled instead.
func (e *Engine) runResearch(ctx context.Context, sessionID string) error {
	session, err := e.deps.Store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	subtasks := session.State.Subtasks

	var mu sync.Mutex
	var recorded []research.StageError

	run := func(ctx context.Context, subtask research.Subtask, slot int) (*research.Summary, error) {
		results, degraded, searchErr := e.deps.Search.Search(ctx, subtask.Question, session.Language, 0)
		if searchErr != nil {
			return nil, searchErr
		}
		if degraded {
			mu.Lock()
			recorded = append(recorded, research.StageError{
				Stage:       research.StageResearch,
				Message:     fmt.Sprintf("search degraded for %q", subtask.Question),
				Recoverable: true,
			})
			mu.Unlock()
		}

		userPrompt, renderErr := e.deps.Prompts.Render(lang.TemplateResearcher, session.Language, lang.ResearcherData{
			Question:    subtask.Question,
			Description: subtask.Description,
			Snippets:    formatSnippets(results, e.deps.ContentTruncation),
		})
		if renderErr != nil {
			return nil, renderErr
		}

		text, stageErrs, genErr := e.deps.LLM.Generate(ctx, llm.StageSummarization, systemPromptResearcher, userPrompt, e.deps.Model)
		if len(stageErrs) > 0 {
			mu.Lock()
			for _, se := range stageErrs {
				se.Stage = research.StageResearch
				recorded = append(recorded, se)
			}
			mu.Unlock()
		}
		if genErr != nil {
			mu.Lock()
			recorded = append(recorded, research.StageError{
				Stage:       research.StageResearch,
				Message:     fmt.Sprintf("llm unavailable summarizing %q: %v", subtask.Question, genErr),
				Recoverable: true,
			})
			mu.Unlock()
			// No Summary for this slot: a recoverable in-band failure
			// contributes an error, not an empty placeholder, so that
			// len(Summaries) == 0 keeps meaning "no research succeeded yet"
			// for the NO_PROGRESS check in runSupervise.
			return nil, nil
		}

		return &research.Summary{SubtaskRef: slot, Text: strings.TrimSpace(text), Sources: extractSources(results)}, nil
	}

	slotResults := e.deps.Scheduler.RunBatch(ctx, subtasks, run)

	if ctx.Err() != nil {
		return e.cancel(sessionID)
	}

	summaries := make([]research.Summary, 0, len(slotResults))
	for _, r := range slotResults {
		if r.Err != nil {
			mu.Lock()
			recorded = append(recorded, research.StageError{Stage: research.StageResearch, Message: r.Err.Error(), Recoverable: true})
			mu.Unlock()
			continue
		}
		if r.Summary == nil {
			// Recorded via the in-band recoverable-error path above; no
			// Summary was produced for this slot.
			continue
		}
		summaries = append(summaries, *r.Summary)
	}

	maxIter := session.Depth.MaxIterations()
	progress := 40 + int(40*float64(session.State.Iteration)/float64(maxIter))
	if progress > 80 {
		progress = 80
	}

	updated, err := e.deps.Store.Update(ctx, sessionID, func(s *research.Session) error {
		s.State.Summaries = append(s.State.Summaries, summaries...)
		s.State.Errors = append(s.State.Errors, recorded...)
		s.State.Subtasks = nil
		s.Stage = research.StageSupervise
		s.Progress = progress
		return nil
	})
	if err != nil {
		return err
	}
	e.deps.Bus.PublishProgress(sessionID, updated.Stage, updated.Progress, fmt.Sprintf("completed %d research subtasks", len(summaries)))
	return nil
}

func (e *Engine) runCompress(ctx context.Context, sessionID string) error {
	session, err := e.deps.Store.Load(ctx, sessionID)
	if err != nil {
		return err
	}

	userPrompt, err := e.deps.Prompts.Render(lang.TemplateCompression, session.Language, lang.CompressionData{
		Summaries: formatSummaries(session.State.Summaries),
	})
	if err != nil {
		return e.fail(ctx, sessionID, research.StageCompress, research.ErrInternal, err.Error())
	}

	text, _, genErr := e.deps.LLM.Generate(ctx, llm.StageCompression, systemPromptCompression, userPrompt, e.deps.Model)
	if genErr != nil {
		return e.fail(ctx, sessionID, research.StageCompress, research.ErrLLMUnavailable, genErr.Error())
	}

	updated, err := e.deps.Store.Update(ctx, sessionID, func(s *research.Session) error {
		s.State.Compressed = strings.TrimSpace(text)
		s.Stage = research.StageFinalise
		s.Progress = 90
		return nil
	})
	if err != nil {
		return err
	}
	e.deps.Bus.PublishProgress(sessionID, updated.Stage, updated.Progress, "compressed findings")
	return nil
}

func (e *Engine) runFinalise(ctx context.Context, sessionID string) error {
	session, err := e.deps.Store.Load(ctx, sessionID)
	if err != nil {
		return err
	}

	userPrompt, err := e.deps.Prompts.Render(lang.TemplateFinalReport, session.Language, lang.FinalReportData{
		Query:      session.Query,
		Brief:      session.State.Brief,
		Compressed: session.State.Compressed,
	})
	if err != nil {
		return e.fail(ctx, sessionID, research.StageFinalise, research.ErrInternal, err.Error())
	}

	text, _, genErr := e.deps.LLM.Generate(ctx, llm.StageFinalReport, systemPromptFinalReport, userPrompt, e.deps.Model)
	if genErr != nil {
		return e.fail(ctx, sessionID, research.StageFinalise, research.ErrLLMUnavailable, genErr.Error())
	}

	updated, err := e.deps.Store.Update(ctx, sessionID, func(s *research.Session) error {
		s.State.FinalReport = strings.TrimSpace(text)
		s.Stage = research.StageCompleted
		s.Progress = 100
		return nil
	})
	if err != nil {
		return err
	}
	e.deps.Bus.PublishComplete(sessionID, updated.Progress)
	e.deps.Bus.CloseSession(sessionID)
	return nil
}

func formatSummaries(summaries []research.Summary) string {
	if len(summaries) == 0 {
		return "(none yet)"
	}
	var b strings.Builder
	for i, s := range summaries {
		if s.Text == "" {
			continue
		}
		fmt.Fprintf(&b, "%d. %s", i+1, s.Text)
		if len(s.Sources) > 0 {
			fmt.Fprintf(&b, " [sources: %s]", strings.Join(s.Sources, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatSnippets(results []search.Result, truncation int) string {
	if len(results) == 0 {
		return "(no search results)"
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s — %s (%s)\n", i+1, r.Title, truncateRunes(r.Snippet, truncation), r.URL)
	}
	return b.String()
}

// truncateRunes caps s to at most n runes, appending an ellipsis if it cut
// anything. n <= 0 means no truncation.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func extractSources(results []search.Result) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.URL)
	}
	return out
}

var jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON pulls a JSON array out of raw supervisor output, which may
// wrap it in a markdown code fence despite instructions not to.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "```") {
		if m := jsonFenceRe.FindStringSubmatch(raw); len(m) > 1 {
			return strings.TrimSpace(m[1])
		}
	}
	if start := strings.Index(raw, "["); start >= 0 {
		if end := strings.LastIndex(raw, "]"); end > start {
			return raw[start : end+1]
		}
	}
	return raw
}

type subtaskPayload struct {
	Question    string `json:"question"`
	Description string `json:"description"`
}

// parseSubtasks decodes the supervisor's JSON array response and collapses
// duplicate questions (textual equality after trim+casefold) to one, per
// the state table's tie-break rule.
func parseSubtasks(raw string) ([]research.Subtask, error) {
	var payload []subtaskPayload
	if err := json.Unmarshal([]byte(extractJSON(raw)), &payload); err != nil {
		return nil, fmt.Errorf("parse supervisor subtasks: %w", err)
	}

	seen := make(map[string]struct{}, len(payload))
	out := make([]research.Subtask, 0, len(payload))
	for _, p := range payload {
		question := strings.TrimSpace(p.Question)
		if question == "" {
			continue
		}
		key := strings.ToLower(question)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, research.Subtask{Question: question, Description: strings.TrimSpace(p.Description)})
	}
	return out, nil
}
