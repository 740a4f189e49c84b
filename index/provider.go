package index

import (
	"context"
	"errors"
)

// ErrTransactionClosed is returned when a provider transaction is used after commit or rollback
var ErrTransactionClosed = errors.New("index transaction already closed")

// ProviderTransaction is one atomic unit of work against a Provider
type ProviderTransaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// KeyInformationRetriever resolves field metadata for a store
type KeyInformationRetriever interface {
	// Get returns the registered information for store/key, false if none was registered
	Get(store, key string) (KeyInformation, bool)
}

// Provider is an index backend.
// Mutations are staged in a ProviderTransaction and become visible on Commit.
// Reads observe committed state.
type Provider interface {
	// BeginTransaction opens a transaction for Mutate and Restore
	BeginTransaction(ctx context.Context) (ProviderTransaction, error)

	// Mutate stages merged per-document mutations
	Mutate(ctx context.Context, mutations Mutations, keys KeyInformationRetriever, tx ProviderTransaction) error

	// Restore replaces whole documents. An empty entry list deletes the document.
	Restore(ctx context.Context, documents map[string]map[string][]Entry, keys KeyInformationRetriever, tx ProviderTransaction) error

	// Register records field metadata for a store
	Register(ctx context.Context, store, key string, info KeyInformation) error

	// KeyInformation exposes the registered field metadata
	KeyInformation() KeyInformationRetriever

	// Query returns matching document ids ordered by id
	Query(ctx context.Context, q Query) ([]string, error)

	// QueryAggregation computes an aggregate over the documents matching q
	QueryAggregation(ctx context.Context, q Query, agg Aggregation) (float64, error)

	// ClearStore removes every document of a store
	ClearStore(ctx context.Context, store string) error

	// ClearStorage removes all documents and registrations
	ClearStorage(ctx context.Context) error

	Close() error
}
