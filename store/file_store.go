package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/deepresearch/orchestrator/research"
)

// sessionMeta is the immutable half of a session, written once at Create
// time into sessions/{id}/meta.json.
type sessionMeta struct {
	ID          string          `json:"id"`
	Query       string          `json:"query"`
	Language    research.Language `json:"language"`
	Depth       research.Depth  `json:"depth"`
	Concurrency int             `json:"concurrency"`
	CreatedAt   time.Time       `json:"created_at"`
}

// sessionState is the mutable half, written on every Update into
// sessions/{id}/state.json with a monotonic version for conflict
// detection between concurrent writers.
type sessionState struct {
	Stage     research.Stage        `json:"stage"`
	Progress  int                   `json:"progress"`
	LastError *research.Error       `json:"last_error,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
	Version   int                   `json:"version"`
	State     research.ResearchState `json:"state"`
}

// FileStore is the file-based Store: one directory per session under
// baseDir, each holding meta.json, state.json, and (once Finalise
// completes) report.md, all written atomically via temp-file-then-rename.
// In-memory locks serialise concurrent Update calls per session id.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	closed  bool
}

// NewFileStore creates the store root (if absent) and returns a FileStore
// rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) sessionDir(id string) string {
	return filepath.Join(s.baseDir, "sessions", id)
}

func (s *FileStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) Create(ctx context.Context, spec research.Spec) (*research.Session, error) {
	if spec.Query == "" {
		return nil, research.NewError(research.ErrInvalidInput, "query must not be empty")
	}

	id := newSessionID()
	now := time.Now()

	meta := sessionMeta{
		ID:          id,
		Query:       spec.Query,
		Language:    spec.Language,
		Depth:       spec.Depth,
		Concurrency: spec.MaxResearchers,
		CreatedAt:   now,
	}
	state := sessionState{
		Stage:     research.StageIntake,
		Progress:  0,
		UpdatedAt: now,
		Version:   1,
	}

	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	if err := s.writeMeta(dir, meta); err != nil {
		return nil, err
	}
	if err := s.writeState(dir, state); err != nil {
		return nil, err
	}

	return toSession(meta, state), nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*research.Session, error) {
	dir := s.sessionDir(id)
	meta, err := s.readMeta(dir)
	if err != nil {
		return nil, err
	}
	state, err := s.readState(dir)
	if err != nil {
		return nil, err
	}
	return toSession(meta, state), nil
}

func (s *FileStore) Update(ctx context.Context, id string, mutate Mutator) (*research.Session, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.sessionDir(id)
	meta, err := s.readMeta(dir)
	if err != nil {
		return nil, err
	}
	state, err := s.readState(dir)
	if err != nil {
		return nil, err
	}

	session := toSession(meta, state)
	if err := mutate(session); err != nil {
		return nil, err
	}
	session.Version++
	session.UpdatedAt = time.Now()

	newState := sessionState{
		Stage:     session.Stage,
		Progress:  session.Progress,
		LastError: session.LastError,
		UpdatedAt: session.UpdatedAt,
		Version:   session.Version,
		State:     session.State,
	}
	if err := s.writeState(dir, newState); err != nil {
		return nil, err
	}
	if session.Stage == research.StageCompleted && session.State.FinalReport != "" {
		if err := s.writeReport(dir, session.State.FinalReport); err != nil {
			return nil, err
		}
	}

	return session, nil
}

func (s *FileStore) List(ctx context.Context, filter Filter) ([]*research.Session, error) {
	sessionsDir := filepath.Join(s.baseDir, "sessions")
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*research.Session{}, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]*research.Session, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		session, err := s.Load(ctx, entry.Name())
		if err != nil {
			continue
		}
		if matchesFilter(session, filter) {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return applyPage(out, filter), nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	dir := s.sessionDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return research.NewError(research.ErrNotFound, fmt.Sprintf("session %q not found", id))
	}
	return os.RemoveAll(dir)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileStore) writeMeta(dir string, meta sessionMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	return writeAtomic(filepath.Join(dir, "meta.json"), data)
}

func (s *FileStore) readMeta(dir string) (sessionMeta, error) {
	var meta sessionMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if os.IsNotExist(err) {
		return meta, research.NewError(research.ErrNotFound, fmt.Sprintf("session %q not found", filepath.Base(dir)))
	}
	if err != nil {
		return meta, fmt.Errorf("read session meta: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("unmarshal session meta: %w", err)
	}
	return meta, nil
}

func (s *FileStore) writeState(dir string, state sessionState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	return writeAtomic(filepath.Join(dir, "state.json"), data)
}

func (s *FileStore) readState(dir string) (sessionState, error) {
	var state sessionState
	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if os.IsNotExist(err) {
		return state, research.NewError(research.ErrNotFound, fmt.Sprintf("session %q not found", filepath.Base(dir)))
	}
	if err != nil {
		return state, fmt.Errorf("read session state: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("unmarshal session state: %w", err)
	}
	return state, nil
}

func (s *FileStore) writeReport(dir, report string) error {
	return writeAtomic(filepath.Join(dir, "report.md"), []byte(report))
}

func toSession(meta sessionMeta, state sessionState) *research.Session {
	return &research.Session{
		ID:          meta.ID,
		Query:       meta.Query,
		Language:    meta.Language,
		Depth:       meta.Depth,
		Concurrency: meta.Concurrency,
		CreatedAt:   meta.CreatedAt,
		Stage:       state.Stage,
		Progress:    state.Progress,
		LastError:   state.LastError,
		UpdatedAt:   state.UpdatedAt,
		Version:     state.Version,
		State:       state.State,
	}
}

var _ Store = (*FileStore)(nil)
