package capture

import (
	"github.com/maxpert/indexsync/index"
)

// Accumulator merges every mutation call touching one document within one transaction.
// Entries are only appended and flags are only ever set.
type Accumulator struct {
	store     string
	docID     string
	additions []index.Entry
	deletions []index.Entry
	isNew     bool
	isDeleted bool
	timestamp int64
}

func newAccumulator(store, docID string, timestamp int64) *Accumulator {
	return &Accumulator{store: store, docID: docID, timestamp: timestamp}
}

// Add records an addition and ORs isNew into the flags
func (a *Accumulator) Add(e index.Entry, isNew bool) {
	a.additions = append(a.additions, e)
	a.isNew = a.isNew || isNew
}

// Delete records a deletion and ORs isDeleted into the flags
func (a *Accumulator) Delete(e index.Entry, isDeleted bool) {
	a.deletions = append(a.deletions, e)
	a.isDeleted = a.isDeleted || isDeleted
}

// Event converts the accumulated state to a MutationEvent
func (a *Accumulator) Event() *MutationEvent {
	return NewMutationEvent(a.store, a.docID, a.additions, a.deletions, a.isNew, a.isDeleted, a.timestamp)
}

// accumulators is store -> document -> accumulator, remembering first-touch order
type accumulators struct {
	byStore map[string]map[string]*Accumulator
	order   []*Accumulator
}

func newAccumulators() *accumulators {
	return &accumulators{byStore: make(map[string]map[string]*Accumulator)}
}

// get returns the accumulator for a document, creating it on first touch
func (as *accumulators) get(store, docID string, now func() int64) *Accumulator {
	docs, ok := as.byStore[store]
	if !ok {
		docs = make(map[string]*Accumulator)
		as.byStore[store] = docs
	}

	acc, ok := docs[docID]
	if !ok {
		acc = newAccumulator(store, docID, now())
		docs[docID] = acc
		as.order = append(as.order, acc)
	}
	return acc
}

func (as *accumulators) count() int {
	return len(as.order)
}

// events converts every accumulator to an event in first-touch order
func (as *accumulators) events() []*MutationEvent {
	out := make([]*MutationEvent, 0, len(as.order))
	for _, acc := range as.order {
		out = append(out, acc.Event())
	}
	return out
}

func (as *accumulators) reset() {
	as.byStore = make(map[string]map[string]*Accumulator)
	as.order = nil
}
