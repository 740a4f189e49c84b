package capture

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/maxpert/indexsync/index"
)

// callLog is shared by the fakes so tests can assert cross-component ordering
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// recordingBase records mutation calls and delegates storage to a real base transaction
type recordingBase struct {
	index.Transaction
	log       *callLog
	commitErr error
}

func (b *recordingBase) Add(store, docID string, entry index.Entry, isNew bool) {
	b.log.record("base.add %s/%s %s=%v new=%v", store, docID, entry.Key, entry.Value, isNew)
	b.Transaction.Add(store, docID, entry, isNew)
}

func (b *recordingBase) AddField(store, docID, key string, value any, isNew bool) {
	b.log.record("base.add %s/%s %s=%v new=%v", store, docID, key, value, isNew)
	b.Transaction.AddField(store, docID, key, value, isNew)
}

func (b *recordingBase) Delete(store, docID, key string, value any, deleteAll bool) {
	b.log.record("base.delete %s/%s %s=%v all=%v", store, docID, key, value, deleteAll)
	b.Transaction.Delete(store, docID, key, value, deleteAll)
}

func (b *recordingBase) Commit(ctx context.Context) error {
	b.log.record("base.commit")
	if b.commitErr != nil {
		return b.commitErr
	}
	return b.Transaction.Commit(ctx)
}

func (b *recordingBase) Rollback(ctx context.Context) error {
	b.log.record("base.rollback")
	return b.Transaction.Rollback(ctx)
}

func (b *recordingBase) QueryStream(ctx context.Context, q index.Query) iter.Seq2[string, error] {
	b.log.record("base.querystream %s", q.Store)
	return b.Transaction.QueryStream(ctx, q)
}

func (b *recordingBase) LogMutations(w io.Writer) error {
	b.log.record("base.logmutations")
	return b.Transaction.LogMutations(w)
}

func (b *recordingBase) Invalidate(store string) {
	b.log.record("base.invalidate %s", store)
	b.Transaction.Invalidate(store)
}

// recordingPublisher keeps every sent event; sendErr fails the n-th send (1-based)
type recordingPublisher struct {
	log      *callLog
	mu       sync.Mutex
	events   []*MutationEvent
	sendErr  error
	failAt   int
	flushErr error
	closed   bool
}

func (p *recordingPublisher) Send(_ context.Context, event *MutationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sendErr != nil && len(p.events)+1 >= p.failAt {
		p.log.record("publisher.send %s failed", event.Key())
		return p.sendErr
	}
	p.log.record("publisher.send %s", event.Key())
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Flush(_ context.Context) error {
	p.log.record("publisher.flush")
	return p.flushErr
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) sent() []*MutationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MutationEvent(nil), p.events...)
}
