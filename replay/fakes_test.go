package replay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/maxpert/indexsync/capture"
	"github.com/maxpert/indexsync/index"
	"github.com/maxpert/indexsync/index/memstore"
)

// scriptedConsumer serves a fixed record log with a committed position and a read position
type scriptedConsumer struct {
	mu        sync.Mutex
	records   []Record
	position  int
	committed int
	commits   int
	rewinds   int
	commitErr error
	pollErr   error // Returned alone by every poll
	failNext  error // Returned once, together with the records of that poll
	closed    bool
}

func newScriptedConsumer(records ...Record) *scriptedConsumer {
	for i := range records {
		records[i].Offset = int64(i)
	}
	return &scriptedConsumer{records: records}
}

func (c *scriptedConsumer) Poll(ctx context.Context, max int) ([]Record, error) {
	c.mu.Lock()
	if c.pollErr != nil {
		err := c.pollErr
		c.mu.Unlock()
		return nil, err
	}
	end := min(c.position+max, len(c.records))
	batch := append([]Record(nil), c.records[c.position:end]...)
	c.position = end
	failNext := c.failNext
	c.failNext = nil
	c.mu.Unlock()

	if failNext != nil {
		return batch, failNext
	}

	if len(batch) > 0 {
		return batch, nil
	}
	<-ctx.Done()
	return nil, nil
}

func (c *scriptedConsumer) Commit(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commitErr != nil {
		return c.commitErr
	}
	c.commits++
	c.committed = c.position
	return nil
}

func (c *scriptedConsumer) Rewind(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rewinds++
	c.position = c.committed
	return nil
}

func (c *scriptedConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedConsumer) state() (position, committed, commits, rewinds int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position, c.committed, c.commits, c.rewinds
}

func (c *scriptedConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *scriptedConsumer) append(records ...Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		r.Offset = int64(len(c.records))
		c.records = append(c.records, r)
	}
}

var errInjected = errors.New("injected apply failure")

// flakyProvider fails the first failures Mutate calls and records every applied batch
type flakyProvider struct {
	*memstore.Store
	failures atomic.Int32
	mu       sync.Mutex
	applied  []index.Mutations
}

func newFlakyProvider(failures int) *flakyProvider {
	p := &flakyProvider{Store: memstore.New()}
	p.failures.Store(int32(failures))
	return p
}

func (p *flakyProvider) Mutate(ctx context.Context, mutations index.Mutations, keys index.KeyInformationRetriever, tx index.ProviderTransaction) error {
	if p.failures.Add(-1) >= 0 {
		return errInjected
	}
	p.mu.Lock()
	p.applied = append(p.applied, mutations)
	p.mu.Unlock()
	return p.Store.Mutate(ctx, mutations, keys, tx)
}

func (p *flakyProvider) batches() []index.Mutations {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]index.Mutations(nil), p.applied...)
}

func encodeRecord(codec capture.Codec, event *capture.MutationEvent) Record {
	data, err := codec.Encode(event)
	if err != nil {
		panic(err)
	}
	return Record{
		Key:     event.Key(),
		Value:   data,
		Headers: map[string]string{capture.HeaderContentType: codec.ContentType()},
	}
}

func addEvent(store, docID string, isNew bool, entries ...index.Entry) *capture.MutationEvent {
	return capture.NewMutationEvent(store, docID, entries, nil, isNew, false, 1700000000000)
}

func deleteEvent(store, docID string, isDeleted bool, entries ...index.Entry) *capture.MutationEvent {
	return capture.NewMutationEvent(store, docID, nil, entries, false, isDeleted, 1700000000000)
}
