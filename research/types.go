// Package research defines the core domain types shared by the workflow
// engine, scheduler, store, and progress bus: sessions, research state,
// subtasks, summaries, and progress events.
package research

import "time"

// Depth controls how aggressively the engine iterates the Supervise/Research
// cycle before compressing findings into a report.
type Depth string

const (
	DepthShallow Depth = "shallow"
	DepthMedium  Depth = "medium"
	DepthDeep    Depth = "deep"
)

// MaxIterations returns the default supervisor-loop cap for a depth, per the
// engine's state table.
func (d Depth) MaxIterations() int {
	switch d {
	case DepthShallow:
		return 3
	case DepthMedium:
		return 4
	case DepthDeep:
		return 6
	default:
		return 6
	}
}

// Language is the detected or requested natural language of a session.
type Language string

const (
	LanguageKorean  Language = "ko"
	LanguageEnglish Language = "en"
)

// Stage names every node of the workflow state machine.
type Stage string

const (
	StageIntake    Stage = "intake"
	StageClarify   Stage = "clarify"
	StageBrief     Stage = "brief"
	StageSupervise Stage = "supervise"
	StageResearch  Stage = "research"
	StageCompress  Stage = "compress"
	StageFinalise  Stage = "finalise"
	StageCompleted Stage = "completed"
	StageError     Stage = "error"
)

// IsTerminal reports whether a stage is one of the two terminal states.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageError
}

// Spec is the immutable request that creates a Session.
type Spec struct {
	Query          string   `json:"query"`
	Language       Language `json:"language,omitempty"`
	Depth          Depth    `json:"depth"`
	MaxResearchers int      `json:"max_researchers"`
}

// Session is the identity plus immutable spec plus mutable workflow status
// for one end-to-end run of the engine against one user question.
//
// Immutable fields are written once at creation; Stage, Progress, LastError,
// UpdatedAt, and State change over the session's lifetime. The store treats
// State as an opaque, versioned document — see store.Store.
type Session struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	Language  Language  `json:"language"`
	Depth     Depth     `json:"depth"`
	Concurrency int     `json:"concurrency"`
	CreatedAt time.Time `json:"created_at"`

	Stage     Stage     `json:"stage"`
	Progress  int       `json:"progress"`
	LastError *Error    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`

	State ResearchState `json:"state"`
}

// Subtask is an atomic research question generated by the Supervisor and
// handed to one researcher slot. It terminates in exactly one of: a Summary
// appended, an error recorded, or cancellation.
type Subtask struct {
	Question    string `json:"question"`
	Description string `json:"description"`
}

// Summary is the artefact a researcher slot produces for one Subtask.
type Summary struct {
	SubtaskRef int      `json:"subtask_ref"`
	Text       string   `json:"text"`
	Sources    []string `json:"sources"`
}

// StageError records a non-fatal failure observed while running a stage or
// a researcher slot; it never surfaces as a session-level terminal error.
type StageError struct {
	Stage       Stage  `json:"stage"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// ResearchState is the single document mutated by the Workflow Engine over
// the life of a session.
type ResearchState struct {
	ClarifiedGoal string       `json:"clarified_goal,omitempty"`
	Brief         string       `json:"brief,omitempty"`
	Subtasks      []Subtask    `json:"subtasks"`
	Summaries     []Summary    `json:"summaries"`
	Iteration     int          `json:"iteration"`
	Compressed    string       `json:"compressed,omitempty"`
	FinalReport   string       `json:"final_report,omitempty"`
	Errors        []StageError `json:"errors"`
}

// EventType enumerates the kinds of progress events published on the
// Progress Bus.
type EventType string

const (
	EventProgressUpdate    EventType = "progress_update"
	EventProgressThinking  EventType = "progress_thinking"
	EventProgressSearching EventType = "progress_searching"
	EventResearchComplete  EventType = "research_complete"
	EventError             EventType = "error"
)

// IsTerminal reports whether an event type ends a session's event stream.
func (t EventType) IsTerminal() bool {
	return t == EventResearchComplete || t == EventError
}

// Event is a structured progress record published on the Progress Bus.
// Ordered per session by Timestamp; Progress is monotonically non-decreasing
// per session until the terminal event, except that an error event may
// appear at any time without advancing progress.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Stage     Stage     `json:"stage"`
	Progress  int       `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
	Error     *Error    `json:"error,omitempty"`
}

// Report is the C6 Finalise artefact returned by the get-report operation.
type Report struct {
	SessionID       string     `json:"session_id"`
	ResearchQuestion string    `json:"research_question"`
	Language        Language   `json:"language"`
	Report          string     `json:"report"`
	Sources         [][]string `json:"sources"`
	GeneratedAt     time.Time  `json:"generated_at"`
}
