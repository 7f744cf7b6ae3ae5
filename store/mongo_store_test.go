//go:build integration

package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepresearch/orchestrator/research"
)

// TestMongoStore_Integration exercises MongoStore against a real MongoDB
// instance. Run with: go test -tags=integration ./store/... -run Mongo
//
// Prerequisites:
// - MongoDB reachable at MONGODB_TEST_URI (default mongodb://localhost:27017)
func TestMongoStore_Integration(t *testing.T) {
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	ctx := context.Background()
	s, err := NewMongoStore(ctx, uri, "orchestrator_test")
	require.NoError(t, err)
	defer s.Close()

	session, err := s.Create(ctx, research.Spec{Query: "deep ocean currents", Depth: research.DepthMedium})
	require.NoError(t, err)
	defer s.Delete(ctx, session.ID)

	loaded, err := s.Load(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, session.Query, loaded.Query)

	updated, err := s.Update(ctx, session.ID, func(sess *research.Session) error {
		sess.Stage = research.StageBrief
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, research.StageBrief, updated.Stage)
	require.Equal(t, 2, updated.Version)

	all, err := s.List(ctx, Filter{Stage: research.StageBrief})
	require.NoError(t, err)
	require.NotEmpty(t, all)
}
