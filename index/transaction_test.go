package index_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/maxpert/indexsync/encoding"
	"github.com/maxpert/indexsync/index"
	"github.com/maxpert/indexsync/index/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_BuffersUntilCommit(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tx := index.NewTransaction(store, nil)

	tx.AddField("users", "u1", "name", "alice", true)
	assert.Nil(t, store.Get("users", "u1"), "mutation must not be visible before commit")

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, index.Document{"name": {"alice"}}, store.Get("users", "u1"))
	assert.Equal(t, uint64(1), store.Commits())
}

func TestTransaction_EmptyCommitIsNoop(t *testing.T) {
	store := memstore.New()
	require.NoError(t, index.NewTransaction(store, nil).Commit(context.Background()))
	assert.Zero(t, store.Commits())
}

func TestTransaction_Rollback(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tx := index.NewTransaction(store, nil)

	tx.AddField("users", "u1", "name", "alice", true)
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Commit(ctx))
	assert.Nil(t, store.Get("users", "u1"))
}

func TestTransaction_DeleteAll(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	tx := index.NewTransaction(store, nil)
	tx.AddField("users", "u1", "name", "alice", true)
	require.NoError(t, tx.Commit(ctx))

	tx = index.NewTransaction(store, nil)
	tx.Delete("users", "u1", "name", nil, true)
	require.NoError(t, tx.Commit(ctx))
	assert.Nil(t, store.Get("users", "u1"))
}

func TestTransaction_QueryStreamPages(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tx := index.NewTransaction(store, nil)

	for _, id := range []string{"a", "b", "c"} {
		tx.AddField("s", id, "k", "v", true)
	}
	require.NoError(t, tx.Commit(ctx))

	var got []string
	for id, err := range tx.QueryStream(ctx, index.Query{Store: "s", Limit: 2}) {
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []string{"a", "b"}, got)

	total, err := tx.Totals(ctx, index.Query{Store: "s"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestTransaction_LogMutations(t *testing.T) {
	store := memstore.New()
	tx := index.NewTransaction(store, nil)
	tx.AddField("s", "d", "k", "v", true)

	var buf bytes.Buffer
	require.NoError(t, tx.LogMutations(&buf))

	var decoded map[string]map[string]index.Mutation
	require.NoError(t, encoding.Unmarshal(buf.Bytes(), &decoded))
	m := decoded["s"]["d"]
	assert.True(t, m.IsNew)
	require.Len(t, m.Additions, 1)
	assert.Equal(t, "k", m.Additions[0].Key)
	assert.Equal(t, "v", m.Additions[0].Value)
}

func TestTransaction_RestoreAndInvalidate(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.Register(ctx, "s", "tags", index.KeyInformation{Cardinality: index.CardinalitySet}))

	keys, err := index.NewCachedRetriever(store.KeyInformation(), 16)
	require.NoError(t, err)
	tx := index.NewTransaction(store, keys)

	require.NoError(t, tx.Restore(ctx, map[string]map[string][]index.Entry{
		"s": {"d": {{Key: "tags", Value: "x"}, {Key: "tags", Value: "x"}}},
	}))
	assert.Equal(t, index.Document{"tags": {"x"}}, store.Get("s", "d"))
	assert.Equal(t, 1, keys.Len())

	tx.Invalidate("s")
	assert.Equal(t, 0, keys.Len())
}
