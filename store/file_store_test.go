package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/deepresearch/orchestrator/research"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return s
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()

	t.Run("CreateAndLoad", func(t *testing.T) {
		s := newTestFileStore(t)
		session, err := s.Create(ctx, research.Spec{Query: "latest trends in fusion energy", Depth: research.DepthMedium, MaxResearchers: 3})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if session.Stage != research.StageIntake {
			t.Errorf("new session stage = %q, want %q", session.Stage, research.StageIntake)
		}

		loaded, err := s.Load(ctx, session.ID)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded.Query != session.Query {
			t.Errorf("loaded query mismatch: got %q want %q", loaded.Query, session.Query)
		}
	})

	t.Run("CreateRejectsEmptyQuery", func(t *testing.T) {
		s := newTestFileStore(t)
		_, err := s.Create(ctx, research.Spec{})
		if err == nil {
			t.Fatal("expected error for empty query")
		}
	})

	t.Run("UpdateIsDurableAndVersioned", func(t *testing.T) {
		s := newTestFileStore(t)
		session, err := s.Create(ctx, research.Spec{Query: "q", Depth: research.DepthShallow})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		updated, err := s.Update(ctx, session.ID, func(sess *research.Session) error {
			sess.Stage = research.StageClarify
			sess.Progress = 10
			return nil
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if updated.Version != session.Version+1 {
			t.Errorf("version = %d, want %d", updated.Version, session.Version+1)
		}

		reloaded, err := s.Load(ctx, session.ID)
		if err != nil {
			t.Fatalf("Load after update failed: %v", err)
		}
		if reloaded.Stage != research.StageClarify || reloaded.Progress != 10 {
			t.Errorf("update not durable: stage=%q progress=%d", reloaded.Stage, reloaded.Progress)
		}
	})

	t.Run("UpdateWritesReportOnCompletion", func(t *testing.T) {
		s := newTestFileStore(t)
		session, _ := s.Create(ctx, research.Spec{Query: "q"})

		_, err := s.Update(ctx, session.ID, func(sess *research.Session) error {
			sess.Stage = research.StageCompleted
			sess.State.FinalReport = "# Report\n\nfindings"
			return nil
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		data, err := os.ReadFile(filepath.Join(s.sessionDir(session.ID), "report.md"))
		if err != nil {
			t.Fatalf("expected report.md to exist: %v", err)
		}
		if string(data) != "# Report\n\nfindings" {
			t.Errorf("report content mismatch: %q", data)
		}
	})

	t.Run("ConcurrentUpdatesAreSerialised", func(t *testing.T) {
		s := newTestFileStore(t)
		session, _ := s.Create(ctx, research.Spec{Query: "q"})

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, session.ID, func(sess *research.Session) error {
					sess.Progress++
					return nil
				})
				if err != nil {
					t.Errorf("concurrent Update failed: %v", err)
				}
			}()
		}
		wg.Wait()

		final, err := s.Load(ctx, session.ID)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if final.Progress != 20 {
			t.Errorf("progress = %d, want 20 (lost update under concurrency)", final.Progress)
		}
		if final.Version != 21 {
			t.Errorf("version = %d, want 21", final.Version)
		}
	})

	t.Run("DeleteRemovesSession", func(t *testing.T) {
		s := newTestFileStore(t)
		session, _ := s.Create(ctx, research.Spec{Query: "q"})

		if err := s.Delete(ctx, session.ID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Load(ctx, session.ID); err == nil {
			t.Fatal("expected Load to fail after Delete")
		}
	})

	t.Run("DeleteUnknownSessionReturnsNotFound", func(t *testing.T) {
		s := newTestFileStore(t)
		err := s.Delete(ctx, "does-not-exist")
		if research.CodeOf(err) != research.ErrNotFound {
			t.Errorf("Delete error code = %q, want NOT_FOUND", research.CodeOf(err))
		}
	})

	t.Run("ListFiltersByStage", func(t *testing.T) {
		s := newTestFileStore(t)
		a, _ := s.Create(ctx, research.Spec{Query: "a"})
		_, _ = s.Create(ctx, research.Spec{Query: "b"})
		_, _ = s.Update(ctx, a.ID, func(sess *research.Session) error {
			sess.Stage = research.StageCompleted
			return nil
		})

		completed, err := s.List(ctx, Filter{Stage: research.StageCompleted})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(completed) != 1 || completed[0].ID != a.ID {
			t.Errorf("List(stage=completed) = %v, want just %q", completed, a.ID)
		}
	})
}
