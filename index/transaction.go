package index

import (
	"context"
	"fmt"
	"io"
	"iter"

	"github.com/maxpert/indexsync/encoding"
	"github.com/rs/zerolog/log"
)

// streamPageSize is the page size QueryStream uses against the provider
const streamPageSize = 500

// Transaction is the index mutation surface callers use.
// Add, AddField and Delete only buffer; nothing reaches the index before Commit.
// A Transaction is used by a single goroutine.
type Transaction interface {
	Add(store, docID string, entry Entry, isNew bool)
	AddField(store, docID, key string, value any, isNew bool)
	// Delete removes a field value. deleteAll deletes the whole document.
	Delete(store, docID, key string, value any, deleteAll bool)

	Register(ctx context.Context, store, key string, info KeyInformation) error
	Restore(ctx context.Context, documents map[string]map[string][]Entry) error

	Query(ctx context.Context, q Query) ([]string, error)
	QueryStream(ctx context.Context, q Query) iter.Seq2[string, error]
	QueryAggregation(ctx context.Context, q Query, agg Aggregation) (float64, error)
	Totals(ctx context.Context, q Query) (int64, error)

	ClearStore(ctx context.Context, store string) error
	ClearStorage(ctx context.Context) error
	Invalidate(store string)
	// LogMutations writes the buffered mutations in msgpack form
	LogMutations(w io.Writer) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// transaction buffers mutations per document and applies them to a Provider on commit
type transaction struct {
	provider  Provider
	keys      KeyInformationRetriever
	mutations Mutations
}

// NewTransaction opens a buffering transaction against provider.
// keys resolves field metadata; nil uses the provider's registrations.
func NewTransaction(provider Provider, keys KeyInformationRetriever) Transaction {
	if keys == nil {
		keys = provider.KeyInformation()
	}
	return &transaction{
		provider:  provider,
		keys:      keys,
		mutations: make(Mutations),
	}
}

func (t *transaction) Add(store, docID string, entry Entry, isNew bool) {
	t.mutations.Get(store, docID, isNew, false).Add(entry)
}

func (t *transaction) AddField(store, docID, key string, value any, isNew bool) {
	t.Add(store, docID, Entry{Key: key, Value: value}, isNew)
}

func (t *transaction) Delete(store, docID, key string, value any, deleteAll bool) {
	t.mutations.Get(store, docID, false, deleteAll).Delete(Entry{Key: key, Value: value})
}

func (t *transaction) Register(ctx context.Context, store, key string, info KeyInformation) error {
	return t.provider.Register(ctx, store, key, info)
}

func (t *transaction) Restore(ctx context.Context, documents map[string]map[string][]Entry) error {
	tx, err := t.provider.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin restore transaction: %w", err)
	}

	if err := t.provider.Restore(ctx, documents, t.keys, tx); err != nil {
		rollbackQuietly(ctx, tx)
		return fmt.Errorf("failed to restore documents: %w", err)
	}

	return tx.Commit(ctx)
}

func (t *transaction) Query(ctx context.Context, q Query) ([]string, error) {
	return t.provider.Query(ctx, q)
}

func (t *transaction) QueryStream(ctx context.Context, q Query) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		remaining := q.Limit
		page := q
		page.Limit = streamPageSize

		for {
			if q.Limit > 0 && remaining < page.Limit {
				page.Limit = remaining
			}

			ids, err := t.provider.Query(ctx, page)
			if err != nil {
				yield("", err)
				return
			}

			for _, id := range ids {
				if !yield(id, nil) {
					return
				}
			}

			if q.Limit > 0 {
				remaining -= len(ids)
				if remaining <= 0 {
					return
				}
			}
			if len(ids) < page.Limit {
				return
			}
			page.Offset += len(ids)
		}
	}
}

func (t *transaction) QueryAggregation(ctx context.Context, q Query, agg Aggregation) (float64, error) {
	return t.provider.QueryAggregation(ctx, q, agg)
}

func (t *transaction) Totals(ctx context.Context, q Query) (int64, error) {
	n, err := t.provider.QueryAggregation(ctx, q, Aggregation{Kind: AggCount})
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func (t *transaction) ClearStore(ctx context.Context, store string) error {
	return t.provider.ClearStore(ctx, store)
}

func (t *transaction) ClearStorage(ctx context.Context) error {
	return t.provider.ClearStorage(ctx)
}

func (t *transaction) Invalidate(store string) {
	if inv, ok := t.keys.(StoreInvalidator); ok {
		inv.Invalidate(store)
	}
}

func (t *transaction) LogMutations(w io.Writer) error {
	data, err := encoding.Marshal(t.mutations)
	if err != nil {
		return fmt.Errorf("failed to encode mutations: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func (t *transaction) Commit(ctx context.Context) error {
	if len(t.mutations) == 0 {
		return nil
	}

	tx, err := t.provider.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin index transaction: %w", err)
	}

	if err := t.provider.Mutate(ctx, t.mutations, t.keys, tx); err != nil {
		rollbackQuietly(ctx, tx)
		return fmt.Errorf("failed to apply index mutations: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit index transaction: %w", err)
	}

	t.mutations = make(Mutations)
	return nil
}

func (t *transaction) Rollback(ctx context.Context) error {
	t.mutations = make(Mutations)
	return nil
}

func rollbackQuietly(ctx context.Context, tx ProviderTransaction) {
	if err := tx.Rollback(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to roll back index transaction")
	}
}
