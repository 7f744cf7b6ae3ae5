// Package store implements the C4 Session Store: create/load/update/list/
// delete over research.Session, with three interchangeable backends
// (file, SQL via gorm, MongoDB) selected by config.StoreConfig.URL.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/deepresearch/orchestrator/research"
)

// newSessionID generates a collision-resistant, URL-safe session
// identifier shared by every backend.
func newSessionID() string {
	return uuid.New().String()
}

// Mutator mutates a Session in place; returning an error aborts the update
// and leaves the persisted Session unchanged.
type Mutator func(*research.Session) error

// Filter narrows List results. A zero Filter matches every session.
type Filter struct {
	Stage         research.Stage
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// Store is the Session Store contract. Every implementation must durably
// persist an Update before it returns, and must serialise concurrent
// Update calls against the same session id.
type Store interface {
	Create(ctx context.Context, spec research.Spec) (*research.Session, error)
	Load(ctx context.Context, id string) (*research.Session, error)
	Update(ctx context.Context, id string, mutate Mutator) (*research.Session, error)
	List(ctx context.Context, filter Filter) ([]*research.Session, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

func matchesFilter(s *research.Session, f Filter) bool {
	if f.Stage != "" && s.Stage != f.Stage {
		return false
	}
	if f.CreatedAfter != nil && s.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && s.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

func applyPage(sessions []*research.Session, f Filter) []*research.Session {
	if f.Offset > 0 {
		if f.Offset >= len(sessions) {
			return []*research.Session{}
		}
		sessions = sessions[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(sessions) {
		sessions = sessions[:f.Limit]
	}
	return sessions
}
