package capture

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/maxpert/indexsync/cfg"
	"github.com/maxpert/indexsync/index"
	"github.com/maxpert/indexsync/index/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureFixture struct {
	tx        *Transaction
	base      *recordingBase
	publisher *recordingPublisher
	store     *memstore.Store
	log       *callLog
}

func newFixture(t *testing.T, mode cfg.CaptureMode, stores ...string) *captureFixture {
	t.Helper()

	calls := &callLog{}
	store := memstore.New()
	base := &recordingBase{Transaction: index.NewTransaction(store, nil), log: calls}
	pub := &recordingPublisher{log: calls}

	filter, err := NewStoreFilter(stores)
	require.NoError(t, err)

	tx := NewTransaction(base, pub, mode, filter)
	tx.now = func() int64 { return 1700000000000 }

	return &captureFixture{tx: tx, base: base, publisher: pub, store: store, log: calls}
}

func (f *captureFixture) baseMutations() []string {
	var out []string
	for _, c := range f.log.get() {
		if strings.HasPrefix(c, "base.add") || strings.HasPrefix(c, "base.delete") {
			out = append(out, c)
		}
	}
	return out
}

func TestTransaction_MergesCallsPerDocument(t *testing.T) {
	f := newFixture(t, cfg.ModeDual)

	f.tx.AddField("s", "d", "a", 1, false)
	f.tx.Delete("s", "d", "b", nil, false)
	f.tx.AddField("s", "other", "x", "y", false)
	f.tx.Add("s", "d", index.Entry{Key: "c", Value: 2}, true)
	f.tx.Delete("s", "d", "e", "v", false)
	assert.Equal(t, 2, f.tx.Pending())

	require.NoError(t, f.tx.Commit(context.Background()))

	events := f.publisher.sent()
	require.Len(t, events, 2)

	d := events[0]
	assert.Equal(t, "s:d", d.Key())
	assert.Equal(t, []index.Entry{{Key: "a", Value: 1}, {Key: "c", Value: 2}}, d.Additions)
	assert.Equal(t, []index.Entry{{Key: "b"}, {Key: "e", Value: "v"}}, d.Deletions)
	assert.True(t, d.IsNew)
	assert.False(t, d.IsDeleted)
	assert.Equal(t, MutationAdded, d.MutationType)
	assert.Equal(t, int64(1700000000000), d.Timestamp)

	assert.Equal(t, "s:other", events[1].Key())
	assert.Equal(t, MutationUpdated, events[1].MutationType)
	assert.Zero(t, f.tx.Pending())
}

func TestTransaction_FlagsAreNeverCleared(t *testing.T) {
	f := newFixture(t, cfg.ModeSkip)

	f.tx.AddField("s", "d", "a", 1, true)
	f.tx.Delete("s", "d", "", nil, true)
	f.tx.AddField("s", "d", "b", 2, false)

	require.NoError(t, f.tx.Commit(context.Background()))

	events := f.publisher.sent()
	require.Len(t, events, 1)
	assert.True(t, events[0].IsNew)
	assert.True(t, events[0].IsDeleted)
	assert.Equal(t, MutationDeleted, events[0].MutationType)
}

func TestTransaction_ModeMatrix(t *testing.T) {
	tests := []struct {
		mode      cfg.CaptureMode
		forwarded bool
	}{
		{cfg.ModeSkip, false},
		{cfg.ModeCDCOnly, false},
		{cfg.ModeDual, true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			f := newFixture(t, tt.mode)

			f.tx.AddField("s", "d", "a", 1, true)
			f.tx.Delete("s", "d", "b", nil, false)
			f.tx.Add("s", "d2", index.Entry{Key: "c", Value: 3}, false)
			require.NoError(t, f.tx.Commit(context.Background()))

			assert.Len(t, f.publisher.sent(), 2)
			if !tt.forwarded {
				assert.Empty(t, f.baseMutations())
				assert.Nil(t, f.store.Get("s", "d"))
				return
			}

			assert.Equal(t, []string{
				"base.add s/d a=1 new=true",
				"base.delete s/d b=<nil> all=false",
				"base.add s/d2 c=3 new=false",
			}, f.baseMutations())
			assert.NotNil(t, f.store.Get("s", "d"))
		})
	}
}

func TestTransaction_PublishesBeforeBaseCommit(t *testing.T) {
	f := newFixture(t, cfg.ModeDual)

	f.tx.AddField("s", "a", "k", 1, true)
	f.tx.AddField("s", "b", "k", 2, true)
	require.NoError(t, f.tx.Commit(context.Background()))

	var tail []string
	for _, c := range f.log.get() {
		if !strings.HasPrefix(c, "base.add") {
			tail = append(tail, c)
		}
	}
	assert.Equal(t, []string{
		"publisher.send s:a",
		"publisher.send s:b",
		"publisher.flush",
		"base.commit",
	}, tail)
}

func TestTransaction_RollbackPublishesNothing(t *testing.T) {
	f := newFixture(t, cfg.ModeDual)

	f.tx.AddField("s", "d", "k", 1, true)
	require.NoError(t, f.tx.Rollback(context.Background()))

	assert.Empty(t, f.publisher.sent())
	assert.Contains(t, f.log.get(), "base.rollback")
	assert.Zero(t, f.tx.Pending())

	// A later commit has nothing left to publish
	require.NoError(t, f.tx.Commit(context.Background()))
	assert.Empty(t, f.publisher.sent())
	assert.Nil(t, f.store.Get("s", "d"))
}

func TestTransaction_EmptyCommitSkipsPublisher(t *testing.T) {
	f := newFixture(t, cfg.ModeDual)
	require.NoError(t, f.tx.Commit(context.Background()))
	assert.Equal(t, []string{"base.commit"}, f.log.get())
}

func TestTransaction_PublishFailureLeavesBaseUncommitted(t *testing.T) {
	f := newFixture(t, cfg.ModeDual)
	f.publisher.sendErr = &PublishError{Temporary: true, Err: context.DeadlineExceeded}
	f.publisher.failAt = 2

	f.tx.AddField("s", "a", "k", 1, true)
	f.tx.AddField("s", "b", "k", 2, true)
	err := f.tx.Commit(context.Background())
	require.Error(t, err)

	var pe *PublishError
	require.True(t, errors.As(err, &pe))
	assert.True(t, pe.Temporary)
	assert.True(t, IsTemporary(err))

	calls := f.log.get()
	assert.Contains(t, calls, "base.rollback")
	assert.NotContains(t, calls, "base.commit")
	assert.NotContains(t, calls, "publisher.flush")
	assert.Nil(t, f.store.Get("s", "a"))
}

func TestTransaction_FlushFailureLeavesBaseUncommitted(t *testing.T) {
	f := newFixture(t, cfg.ModeDual)
	f.publisher.flushErr = errors.New("broker unavailable")

	f.tx.AddField("s", "a", "k", 1, true)
	err := f.tx.Commit(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, f.publisher.flushErr)

	assert.NotContains(t, f.log.get(), "base.commit")
	assert.Nil(t, f.store.Get("s", "a"))
}

func TestTransaction_BaseFailureAfterPublish(t *testing.T) {
	f := newFixture(t, cfg.ModeDual)
	f.base.commitErr = errors.New("disk full")

	f.tx.AddField("s", "a", "k", 1, true)
	err := f.tx.Commit(context.Background())

	var ice *InconsistentCommitError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, 1, ice.Published)
	assert.ErrorIs(t, err, f.base.commitErr)
	assert.False(t, IsTemporary(err))
	assert.Len(t, f.publisher.sent(), 1)
}

func TestTransaction_DualWriteExample(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, cfg.ModeDual)

	seed := index.NewTransaction(f.store, nil)
	seed.AddField("graphindex", "v42", "name", "pluto", true)
	seed.AddField("graphindex", "v42", "age", 4, false)
	require.NoError(t, seed.Commit(ctx))

	f.tx.AddField("graphindex", "v42", "name", "neptune", false)
	f.tx.Delete("graphindex", "v42", "age", nil, false)
	require.NoError(t, f.tx.Commit(ctx))

	events := f.publisher.sent()
	require.Len(t, events, 1)

	expected := NewMutationEvent("graphindex", "v42",
		[]index.Entry{{Key: "name", Value: "neptune"}},
		[]index.Entry{{Key: "age"}},
		false, false, 1700000000000)
	assert.True(t, expected.Equal(events[0]))
	assert.Equal(t, "graphindex:v42", events[0].Key())
	assert.Equal(t, MutationUpdated, events[0].MutationType)

	assert.Equal(t, index.Document{"name": {"neptune"}}, f.store.Get("graphindex", "v42"))
}

func TestTransaction_FilteredStoresBypassCapture(t *testing.T) {
	f := newFixture(t, cfg.ModeSkip, "graph*")

	f.tx.AddField("graphindex", "v1", "k", 1, true)
	f.tx.AddField("users", "u1", "k", 1, true)
	f.tx.Delete("users", "u2", "k", nil, true)
	require.NoError(t, f.tx.Commit(context.Background()))

	events := f.publisher.sent()
	require.Len(t, events, 1)
	assert.Equal(t, "graphindex", events[0].StoreName)

	assert.Equal(t, []string{
		"base.add users/u1 k=1 new=true",
		"base.delete users/u2 k=<nil> all=true",
	}, f.baseMutations())
	assert.NotNil(t, f.store.Get("users", "u1"))
}

func TestTransaction_ReadPathsPassThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, cfg.ModeSkip)

	for range f.tx.QueryStream(ctx, index.Query{Store: "s"}) {
	}
	f.tx.Invalidate("s")
	var buf bytes.Buffer
	require.NoError(t, f.tx.LogMutations(&buf))

	assert.Equal(t, []string{
		"base.querystream s",
		"base.invalidate s",
		"base.logmutations",
	}, f.log.get())

	require.NoError(t, f.tx.Register(ctx, "s", "k", index.KeyInformation{DataType: index.TypeInt}))
	info, ok := f.store.KeyInformation().Get("s", "k")
	require.True(t, ok)
	assert.Equal(t, index.TypeInt, info.DataType)

	total, err := f.tx.Totals(ctx, index.Query{Store: "s"})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, f.publisher.sent())
}
