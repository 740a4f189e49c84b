// Package capture intercepts index mutations, turns them into one MutationEvent per
// touched document and publishes the events to a broker on commit.
package capture

import (
	"reflect"

	"github.com/maxpert/indexsync/index"
)

// MutationType classifies an event by its document flags
type MutationType string

const (
	MutationAdded   MutationType = "ADDED"
	MutationUpdated MutationType = "UPDATED"
	MutationDeleted MutationType = "DELETED"
)

// ClassifyMutation derives the type from the flags: isDeleted dominates, then isNew
func ClassifyMutation(isNew, isDeleted bool) MutationType {
	switch {
	case isDeleted:
		return MutationDeleted
	case isNew:
		return MutationAdded
	default:
		return MutationUpdated
	}
}

// MutationEvent is the net change to one document inside one committed transaction.
// Events are not modified after construction.
type MutationEvent struct {
	StoreName    string        `json:"storeName" msgpack:"storeName"`
	DocumentID   string        `json:"documentId" msgpack:"documentId"`
	Additions    []index.Entry `json:"additions" msgpack:"additions"`
	Deletions    []index.Entry `json:"deletions" msgpack:"deletions"`
	IsNew        bool          `json:"isNew" msgpack:"isNew"`
	IsDeleted    bool          `json:"isDeleted" msgpack:"isDeleted"`
	Timestamp    int64         `json:"timestamp" msgpack:"timestamp"` // Capture time, unix ms
	MutationType MutationType  `json:"mutationType" msgpack:"mutationType"`
}

// NewMutationEvent builds an event, copying the entry slices
func NewMutationEvent(store, docID string, additions, deletions []index.Entry, isNew, isDeleted bool, timestamp int64) *MutationEvent {
	return &MutationEvent{
		StoreName:    store,
		DocumentID:   docID,
		Additions:    append(make([]index.Entry, 0, len(additions)), additions...),
		Deletions:    append(make([]index.Entry, 0, len(deletions)), deletions...),
		IsNew:        isNew,
		IsDeleted:    isDeleted,
		Timestamp:    timestamp,
		MutationType: ClassifyMutation(isNew, isDeleted),
	}
}

// Key is the partition key: all events of a document land on one partition in send order
func (e *MutationEvent) Key() string {
	return PartitionKey(e.StoreName, e.DocumentID)
}

// PartitionKey returns "store:documentId"
func PartitionKey(store, docID string) string {
	return store + ":" + docID
}

// Mutation converts the event to a fresh index mutation the caller may modify
func (e *MutationEvent) Mutation() *index.Mutation {
	return &index.Mutation{
		Additions: append([]index.Entry(nil), e.Additions...),
		Deletions: append([]index.Entry(nil), e.Deletions...),
		IsNew:     e.IsNew,
		IsDeleted: e.IsDeleted,
	}
}

// Equal compares two events field by field
func (e *MutationEvent) Equal(other *MutationEvent) bool {
	if e == nil || other == nil {
		return e == other
	}
	return reflect.DeepEqual(e, other)
}

// normalize restores the invariants after decoding a record from the wire
func (e *MutationEvent) normalize() {
	if e.Additions == nil {
		e.Additions = []index.Entry{}
	}
	if e.Deletions == nil {
		e.Deletions = []index.Entry{}
	}
	e.MutationType = ClassifyMutation(e.IsNew, e.IsDeleted)
}
