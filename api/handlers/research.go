package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/api"
	"github.com/deepresearch/orchestrator/lang"
	"github.com/deepresearch/orchestrator/research"
	"github.com/deepresearch/orchestrator/store"
	"github.com/deepresearch/orchestrator/workflow"
)

const defaultMaxResearchers = 3

// ResearchHandler serves the initiate/status/report/list/delete operations
// over the session store, and kicks off the workflow engine for newly
// created sessions.
type ResearchHandler struct {
	store  store.Store
	engine *workflow.Engine
	logger *zap.Logger
}

// NewResearchHandler builds a ResearchHandler.
func NewResearchHandler(st store.Store, engine *workflow.Engine, logger *zap.Logger) *ResearchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResearchHandler{store: st, engine: engine, logger: logger}
}

// HandleInitiate creates a session and starts the engine running it in the
// background; the HTTP response returns as soon as the session is durably
// created, not when the research completes.
func (h *ResearchHandler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.InitiateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if req.Query == "" {
		WriteError(w, research.NewError(research.ErrInvalidInput, "query must not be empty"), h.logger)
		return
	}

	depth := research.Depth(req.Depth)
	switch depth {
	case research.DepthShallow, research.DepthMedium, research.DepthDeep:
	case "":
		depth = research.DepthMedium
	default:
		WriteError(w, research.NewError(research.ErrInvalidInput, "depth must be one of shallow, medium, deep"), h.logger)
		return
	}

	language := research.Language(req.Language)
	if language == "" {
		language = lang.Detect(req.Query)
	}

	maxResearchers := req.MaxResearchers
	if maxResearchers <= 0 {
		maxResearchers = defaultMaxResearchers
	}

	session, err := h.store.Create(r.Context(), research.Spec{
		Query:          req.Query,
		Language:       language,
		Depth:          depth,
		MaxResearchers: maxResearchers,
	})
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	go func(sessionID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := h.engine.Run(ctx, sessionID); err != nil {
			h.logger.Warn("session run ended", zap.String("session_id", sessionID), zap.Error(err))
		}
	}(session.ID)

	WriteJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data: api.InitiateResponse{
			SessionID: session.ID,
			Status:    "started",
			Language:  string(session.Language),
		},
		Timestamp: time.Now(),
	})
}

// HandleStatus reports a session's current stage and progress.
func (h *ResearchHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	session, err := h.store.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	var errInfo *api.ErrorInfo
	if session.LastError != nil {
		errInfo = &api.ErrorInfo{
			Code:      string(session.LastError.Code),
			Message:   session.LastError.Message,
			Retryable: session.LastError.Retryable,
		}
	}

	WriteSuccess(w, api.StatusResponse{
		SessionID: session.ID,
		Stage:     string(session.Stage),
		Progress:  session.Progress,
		UpdatedAt: session.UpdatedAt,
		Error:     errInfo,
	})
}

// HandleReport returns the final report once a session has completed.
func (h *ResearchHandler) HandleReport(w http.ResponseWriter, r *http.Request) {
	session, err := h.store.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	if session.Stage != research.StageCompleted {
		WriteError(w, research.NewError(research.ErrNotFound, "report not available until the session completes"), h.logger)
		return
	}

	sources := make([][]string, 0, len(session.State.Summaries))
	for _, s := range session.State.Summaries {
		sources = append(sources, s.Sources)
	}

	WriteSuccess(w, api.ReportResponse{
		SessionID:        session.ID,
		ResearchQuestion: session.Query,
		Language:         string(session.Language),
		Report:           session.State.FinalReport,
		Sources:          sources,
		GeneratedAt:      session.UpdatedAt,
	})
}

// HandleList returns a paginated, optionally stage-filtered list of
// sessions.
func (h *ResearchHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{
		Stage:  research.Stage(r.URL.Query().Get("stage")),
		Limit:  atoiOrDefault(r.URL.Query().Get("limit"), 20),
		Offset: atoiOrDefault(r.URL.Query().Get("offset"), 0),
	}

	sessions, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	summaries := make([]api.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, api.SessionSummary{
			SessionID: s.ID,
			Query:     s.Query,
			Stage:     string(s.Stage),
			Progress:  s.Progress,
			CreatedAt: s.CreatedAt,
		})
	}

	WriteSuccess(w, api.ListResponse{Sessions: summaries, Total: len(summaries)})
}

// HandleDelete removes a session and its persisted state.
func (h *ResearchHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ResearchHandler) writeStoreError(w http.ResponseWriter, err error) {
	if rerr, ok := err.(*research.Error); ok {
		WriteError(w, rerr, h.logger)
		return
	}
	WriteError(w, research.NewError(research.ErrInternal, err.Error()), h.logger)
}

func atoiOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
