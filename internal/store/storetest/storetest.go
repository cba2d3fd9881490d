// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/store"
)

type doc struct {
	ID     string `json:"id"`
	Owner  string `json:"owner"`
	Status string `json:"status"`
}

// Run exercises upsert, lookup and query semantics against s.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	var out doc
	err := s.Get(ctx, "things", "missing", &out)
	require.ErrorIs(t, err, jobs.ErrNotFound)

	require.NoError(t, s.Save(ctx, "things", "b", doc{ID: "b", Owner: "ada", Status: "new"}))
	require.NoError(t, s.Save(ctx, "things", "a", doc{ID: "a", Owner: "grace", Status: "new"}))
	require.NoError(t, s.Save(ctx, "others", "a", doc{ID: "a", Owner: "other"}))

	require.NoError(t, s.Save(ctx, "things", "b", doc{ID: "b", Owner: "ada", Status: "applied"}))
	require.NoError(t, s.Get(ctx, "things", "b", &out))
	require.Equal(t, "applied", out.Status, "save must replace the stored document")

	all, err := s.Query(ctx, "things", nil)
	require.NoError(t, err)
	docs, err := store.Decode[doc](all)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "a", docs[0].ID, "query results are ordered by id")
	require.Equal(t, "b", docs[1].ID)

	matched, err := s.Query(ctx, "things", store.Field("owner", "ada"))
	require.NoError(t, err)
	require.Len(t, matched, 1)

	empty, err := s.Query(ctx, "nothing", nil)
	require.NoError(t, err)
	require.Empty(t, empty)

	require.Error(t, s.Save(ctx, "bad collection", "x", doc{}))
}
