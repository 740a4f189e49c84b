// Package memstore is an in-process index Provider used by tests and the memory backend.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/maxpert/indexsync/index"
	"github.com/puzpuzpuz/xsync/v3"
)

var _ index.Provider = (*Store)(nil)

// Store keeps committed documents in lock-free maps: store -> (docID -> Document)
type Store struct {
	docs *xsync.MapOf[string, *xsync.MapOf[string, index.Document]]
	keys *keyRegistry

	// Commits are serialized so a transaction's documents become visible together
	commitMu sync.Mutex
	commits  atomic.Uint64
}

// New creates an empty store
func New() *Store {
	return &Store{
		docs: xsync.NewMapOf[string, *xsync.MapOf[string, index.Document]](),
		keys: &keyRegistry{m: xsync.NewMapOf[string, index.KeyInformation]()},
	}
}

type keyRegistry struct {
	m *xsync.MapOf[string, index.KeyInformation]
}

func (r *keyRegistry) Get(store, key string) (index.KeyInformation, bool) {
	return r.m.Load(store + "\x00" + key)
}

type transaction struct {
	store  *Store
	staged map[string]map[string]index.Document // nil document = delete
	closed atomic.Bool
}

func (t *transaction) Commit(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return index.ErrTransactionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.store.commitMu.Lock()
	defer t.store.commitMu.Unlock()

	for storeName, docs := range t.staged {
		committed, _ := t.store.docs.LoadOrStore(storeName, xsync.NewMapOf[string, index.Document]())
		for id, doc := range docs {
			if doc == nil {
				committed.Delete(id)
				continue
			}
			committed.Store(id, doc)
		}
	}

	t.store.commits.Add(1)
	return nil
}

func (t *transaction) Rollback(_ context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return index.ErrTransactionClosed
	}
	t.staged = nil
	return nil
}

func (t *transaction) stage(store, id string, doc index.Document) {
	docs, ok := t.staged[store]
	if !ok {
		docs = make(map[string]index.Document)
		t.staged[store] = docs
	}
	docs[id] = doc
}

// current returns the document as seen inside the transaction
func (t *transaction) current(store, id string) index.Document {
	if docs, ok := t.staged[store]; ok {
		if doc, ok := docs[id]; ok {
			return doc
		}
	}
	if committed, ok := t.store.docs.Load(store); ok {
		if doc, ok := committed.Load(id); ok {
			return doc
		}
	}
	return nil
}

func (s *Store) BeginTransaction(_ context.Context) (index.ProviderTransaction, error) {
	return &transaction{store: s, staged: make(map[string]map[string]index.Document)}, nil
}

func (s *Store) own(tx index.ProviderTransaction) (*transaction, error) {
	t, ok := tx.(*transaction)
	if !ok || t.store != s {
		return nil, fmt.Errorf("transaction %T does not belong to this store", tx)
	}
	if t.closed.Load() {
		return nil, index.ErrTransactionClosed
	}
	return t, nil
}

func (s *Store) Mutate(ctx context.Context, mutations index.Mutations, keys index.KeyInformationRetriever, tx index.ProviderTransaction) error {
	t, err := s.own(tx)
	if err != nil {
		return err
	}

	for storeName, docs := range mutations {
		for id, m := range docs {
			if err := ctx.Err(); err != nil {
				return err
			}
			t.stage(storeName, id, index.ApplyMutation(storeName, t.current(storeName, id), m, keys))
		}
	}
	return nil
}

func (s *Store) Restore(ctx context.Context, documents map[string]map[string][]index.Entry, keys index.KeyInformationRetriever, tx index.ProviderTransaction) error {
	t, err := s.own(tx)
	if err != nil {
		return err
	}

	for storeName, docs := range documents {
		for id, entries := range docs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(entries) == 0 {
				t.stage(storeName, id, nil)
				continue
			}
			t.stage(storeName, id, index.FromEntries(storeName, entries, keys))
		}
	}
	return nil
}

func (s *Store) Register(_ context.Context, store, key string, info index.KeyInformation) error {
	s.keys.m.Store(store+"\x00"+key, info)
	return nil
}

func (s *Store) KeyInformation() index.KeyInformationRetriever {
	return s.keys
}

func (s *Store) Query(ctx context.Context, q index.Query) ([]string, error) {
	committed, ok := s.docs.Load(q.Store)
	if !ok {
		return []string{}, nil
	}

	ids := make([]string, 0)
	committed.Range(func(id string, doc index.Document) bool {
		if doc.Matches(q.Conditions) {
			ids = append(ids, id)
		}
		return ctx.Err() == nil
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Strings(ids)
	return index.Page(ids, q.Offset, q.Limit), nil
}

func (s *Store) QueryAggregation(ctx context.Context, q index.Query, agg index.Aggregation) (float64, error) {
	q.Offset, q.Limit = 0, 0
	ids, err := s.Query(ctx, q)
	if err != nil {
		return 0, err
	}

	a := index.NewAggregator(agg)
	if committed, ok := s.docs.Load(q.Store); ok {
		for _, id := range ids {
			if doc, ok := committed.Load(id); ok {
				a.Observe(doc)
			}
		}
	}
	return a.Result(), nil
}

func (s *Store) ClearStore(_ context.Context, store string) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.docs.Delete(store)
	return nil
}

func (s *Store) ClearStorage(_ context.Context) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.docs.Clear()
	s.keys.m.Clear()
	return nil
}

// Get returns a committed document, nil if absent
func (s *Store) Get(store, id string) index.Document {
	if committed, ok := s.docs.Load(store); ok {
		if doc, ok := committed.Load(id); ok {
			return doc.Clone()
		}
	}
	return nil
}

// Commits returns the number of committed transactions
func (s *Store) Commits() uint64 {
	return s.commits.Load()
}

func (s *Store) Close() error {
	return nil
}
