// Package pebblestore is the persistent index Provider backed by Pebble.
package pebblestore

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/indexsync/encoding"
	"github.com/maxpert/indexsync/index"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Key prefixes, sorted so a store's documents are contiguous
const (
	prefixDoc = "/doc/" // /doc/{store}\x00{docID}
	prefixKey = "/key/" // /key/{store}\x00{field}

	separator = "\x00"
)

var _ index.Provider = (*Store)(nil)

// Options tunes the underlying Pebble instance
type Options struct {
	CacheSizeMB int64
	// Sync fsyncs the WAL on every commit
	Sync bool
}

// DefaultOptions returns the options used by the pebble backend
func DefaultOptions() Options {
	return Options{CacheSizeMB: 64, Sync: true}
}

// Store persists documents msgpack-encoded under /doc/ and field metadata under /key/
type Store struct {
	db        *pebble.DB
	path      string
	writeOpts *pebble.WriteOptions
	keys      *keyRegistry
	closed    atomic.Bool
}

type keyRegistry struct {
	m *xsync.MapOf[string, index.KeyInformation]
}

func (r *keyRegistry) Get(store, key string) (index.KeyInformation, bool) {
	return r.m.Load(store + separator + key)
}

type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// Open opens or creates the index at path and loads registered field metadata
func Open(path string, opts Options) (*Store, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = DefaultOptions().CacheSizeMB
	}

	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble index: %w", err)
	}

	s := &Store{
		db:        db,
		path:      path,
		writeOpts: pebble.NoSync,
		keys:      &keyRegistry{m: xsync.NewMapOf[string, index.KeyInformation]()},
	}
	if opts.Sync {
		s.writeOpts = pebble.Sync
	}

	if err := s.loadKeys(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load key registrations: %w", err)
	}

	log.Info().Str("path", path).Int("keys", s.keys.m.Size()).Msg("Opened pebble index")
	return s, nil
}

func docKey(store, id string) []byte {
	return []byte(prefixDoc + store + separator + id)
}

func docPrefix(store string) []byte {
	return []byte(prefixDoc + store + separator)
}

func fieldKey(store, key string) []byte {
	return []byte(prefixKey + store + separator + key)
}

// upperBound returns the smallest key greater than every key starting with prefix
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) loadKeys() error {
	prefix := []byte(prefixKey)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var info index.KeyInformation
		if err := encoding.Unmarshal(iter.Value(), &info); err != nil {
			return fmt.Errorf("corrupt key registration %q: %w", iter.Key(), err)
		}
		s.keys.m.Store(string(iter.Key()[len(prefix):]), info)
	}
	return iter.Error()
}

type transaction struct {
	store  *Store
	batch  *pebble.Batch
	closed atomic.Bool
}

func (t *transaction) Commit(_ context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return index.ErrTransactionClosed
	}
	defer t.batch.Close()

	if t.batch.Empty() {
		return nil
	}
	return t.batch.Commit(t.store.writeOpts)
}

func (t *transaction) Rollback(_ context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return index.ErrTransactionClosed
	}
	return t.batch.Close()
}

// read returns the document as seen inside the batch, nil if absent
func (t *transaction) read(store, id string) (index.Document, error) {
	data, closer, err := t.batch.Get(docKey(store, id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var doc index.Document
	if err := encoding.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupt document %s/%s: %w", store, id, err)
	}
	return doc, nil
}

func (t *transaction) write(store, id string, doc index.Document) error {
	if doc == nil {
		return t.batch.Delete(docKey(store, id), nil)
	}

	data, err := encoding.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s/%s: %w", store, id, err)
	}
	return t.batch.Set(docKey(store, id), data, nil)
}

func (s *Store) BeginTransaction(_ context.Context) (index.ProviderTransaction, error) {
	if s.closed.Load() {
		return nil, pebble.ErrClosed
	}
	return &transaction{store: s, batch: s.db.NewIndexedBatch()}, nil
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

			current, err := t.read(storeName, id)
			if err != nil {
				return err
			}
			if err := t.write(storeName, id, index.ApplyMutation(storeName, current, m, keys)); err != nil {
				return err
			}
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

			var doc index.Document
			if len(entries) > 0 {
				doc = index.FromEntries(storeName, entries, keys)
			}
			if err := t.write(storeName, id, doc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) Register(_ context.Context, store, key string, info index.KeyInformation) error {
	data, err := encoding.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode key information: %w", err)
	}
	if err := s.db.Set(fieldKey(store, key), data, s.writeOpts); err != nil {
		return err
	}
	s.keys.m.Store(store+separator+key, info)
	return nil
}

func (s *Store) KeyInformation() index.KeyInformationRetriever {
	return s.keys
}

// scan visits committed documents of a store in id order until fn returns false
func (s *Store) scan(ctx context.Context, store string, fn func(id string, doc index.Document) bool) error {
	prefix := docPrefix(store)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var doc index.Document
		if err := encoding.Unmarshal(iter.Value(), &doc); err != nil {
			return fmt.Errorf("corrupt document %q: %w", iter.Key(), err)
		}
		id := string(bytes.TrimPrefix(iter.Key(), prefix))
		if !fn(id, doc) {
			break
		}
	}
	return iter.Error()
}

func (s *Store) Query(ctx context.Context, q index.Query) ([]string, error) {
	ids := make([]string, 0)
	skipped := 0
	err := s.scan(ctx, q.Store, func(id string, doc index.Document) bool {
		if !doc.Matches(q.Conditions) {
			return true
		}
		if skipped < q.Offset {
			skipped++
			return true
		}
		ids = append(ids, id)
		return q.Limit <= 0 || len(ids) < q.Limit
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) QueryAggregation(ctx context.Context, q index.Query, agg index.Aggregation) (float64, error) {
	a := index.NewAggregator(agg)
	err := s.scan(ctx, q.Store, func(_ string, doc index.Document) bool {
		if doc.Matches(q.Conditions) {
			a.Observe(doc)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	return a.Result(), nil
}

func (s *Store) ClearStore(_ context.Context, store string) error {
	prefix := docPrefix(store)
	return s.db.DeleteRange(prefix, upperBound(prefix), s.writeOpts)
}

func (s *Store) ClearStorage(_ context.Context) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, p := range []string{prefixDoc, prefixKey} {
		if err := batch.DeleteRange([]byte(p), upperBound([]byte(p)), nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(s.writeOpts); err != nil {
		return err
	}

	s.keys.m.Clear()
	return nil
}

// Get returns a committed document, nil if absent
func (s *Store) Get(store, id string) (index.Document, error) {
	data, closer, err := s.db.Get(docKey(store, id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var doc index.Document
	if err := encoding.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
