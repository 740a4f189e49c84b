package capture

import (
	"context"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/maxpert/indexsync/cfg"
	"github.com/maxpert/indexsync/index"
	"github.com/maxpert/indexsync/telemetry"
	"github.com/rs/zerolog/log"
)

var _ index.Transaction = (*Transaction)(nil)

// Transaction decorates a base index transaction: every mutation of a captured store is
// accumulated per document and published on commit, and forwarded to the base unless the
// mode skips synchronous writes. A Transaction is used by a single goroutine.
type Transaction struct {
	base      index.Transaction
	publisher Publisher
	mode      cfg.CaptureMode
	filter    *StoreFilter
	pending   *accumulators
	now       func() int64
}

// NewTransaction wraps base. A nil filter captures every store.
func NewTransaction(base index.Transaction, publisher Publisher, mode cfg.CaptureMode, filter *StoreFilter) *Transaction {
	return &Transaction{
		base:      base,
		publisher: publisher,
		mode:      mode.Normalize(),
		filter:    filter,
		pending:   newAccumulators(),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Pending returns the number of documents touched since the last commit or rollback
func (t *Transaction) Pending() int {
	return t.pending.count()
}

func (t *Transaction) accumulator(store, docID string) *Accumulator {
	return t.pending.get(store, docID, t.now)
}

func (t *Transaction) Add(store, docID string, entry index.Entry, isNew bool) {
	if !t.filter.Match(store) {
		t.base.Add(store, docID, entry, isNew)
		return
	}

	t.accumulator(store, docID).Add(entry, isNew)
	if t.mode.WritesSynchronously() {
		t.base.Add(store, docID, entry, isNew)
	}
}

func (t *Transaction) AddField(store, docID, key string, value any, isNew bool) {
	if !t.filter.Match(store) {
		t.base.AddField(store, docID, key, value, isNew)
		return
	}

	t.accumulator(store, docID).Add(index.Entry{Key: key, Value: value}, isNew)
	if t.mode.WritesSynchronously() {
		t.base.AddField(store, docID, key, value, isNew)
	}
}

func (t *Transaction) Delete(store, docID, key string, value any, deleteAll bool) {
	if !t.filter.Match(store) {
		t.base.Delete(store, docID, key, value, deleteAll)
		return
	}

	t.accumulator(store, docID).Delete(index.Entry{Key: key, Value: value}, deleteAll)
	if t.mode.WritesSynchronously() {
		t.base.Delete(store, docID, key, value, deleteAll)
	}
}

// Commit publishes one event per touched document, waits for the publisher to flush,
// then commits the base transaction. A publish failure rolls the base back and is
// returned as is; a base failure after publishing is an *InconsistentCommitError.
func (t *Transaction) Commit(ctx context.Context) error {
	events := t.pending.events()
	t.pending.reset()

	for _, event := range events {
		telemetry.EventsCapturedTotal.With(event.StoreName).Inc()
		if err := t.publisher.Send(ctx, event); err != nil {
			t.abort(ctx)
			return fmt.Errorf("failed to publish mutation event for %s: %w", event.Key(), err)
		}
	}

	if len(events) > 0 {
		if err := t.publisher.Flush(ctx); err != nil {
			t.abort(ctx)
			return fmt.Errorf("failed to flush %d mutation events: %w", len(events), err)
		}
	}

	if err := t.base.Commit(ctx); err != nil {
		if len(events) == 0 {
			return err
		}

		telemetry.CaptureCommitsTotal.With("inconsistent").Inc()
		log.Warn().
			Err(err).
			Int("events", len(events)).
			Msg("Base index commit failed after mutation events were published, index will converge on replay")
		return &InconsistentCommitError{Published: len(events), Err: err}
	}

	telemetry.CaptureCommitsTotal.With("success").Inc()
	log.Debug().Int("events", len(events)).Str("mode", t.mode.String()).Msg("Committed capture transaction")
	return nil
}

func (t *Transaction) abort(ctx context.Context) {
	telemetry.CaptureCommitsTotal.With("publish_failed").Inc()
	if err := t.base.Rollback(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to roll back base transaction after publish failure")
	}
}

// Rollback discards the accumulated mutations without publishing and rolls back the base
func (t *Transaction) Rollback(ctx context.Context) error {
	t.pending.reset()
	telemetry.CaptureCommitsTotal.With("rolled_back").Inc()
	return t.base.Rollback(ctx)
}

func (t *Transaction) Register(ctx context.Context, store, key string, info index.KeyInformation) error {
	return t.base.Register(ctx, store, key, info)
}

func (t *Transaction) Restore(ctx context.Context, documents map[string]map[string][]index.Entry) error {
	return t.base.Restore(ctx, documents)
}

func (t *Transaction) Query(ctx context.Context, q index.Query) ([]string, error) {
	return t.base.Query(ctx, q)
}

func (t *Transaction) QueryStream(ctx context.Context, q index.Query) iter.Seq2[string, error] {
	return t.base.QueryStream(ctx, q)
}

func (t *Transaction) QueryAggregation(ctx context.Context, q index.Query, agg index.Aggregation) (float64, error) {
	return t.base.QueryAggregation(ctx, q, agg)
}

func (t *Transaction) Totals(ctx context.Context, q index.Query) (int64, error) {
	return t.base.Totals(ctx, q)
}

func (t *Transaction) ClearStore(ctx context.Context, store string) error {
	return t.base.ClearStore(ctx, store)
}

func (t *Transaction) ClearStorage(ctx context.Context) error {
	return t.base.ClearStorage(ctx)
}

func (t *Transaction) Invalidate(store string) {
	t.base.Invalidate(store)
}

func (t *Transaction) LogMutations(w io.Writer) error {
	return t.base.LogMutations(w)
}
