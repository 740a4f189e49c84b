// Package index defines the secondary-index surface indexsync captures and replays:
// the base Transaction callers mutate, the Provider that backs it, and the
// per-document Mutation both sides merge into.
package index

import (
	"fmt"
	"math"
	"strconv"
)

// Entry is a single field/value pair of an indexed document
type Entry struct {
	Key   string `json:"key" msgpack:"key"`
	Value any    `json:"value" msgpack:"value"`
}

// Cardinality controls how additions to an existing field are applied
type Cardinality uint8

const (
	CardinalitySingle Cardinality = iota // New value replaces the old one
	CardinalityList                      // Values are appended
	CardinalitySet                       // Values are appended unless already present
)

func (c Cardinality) String() string {
	switch c {
	case CardinalityList:
		return "LIST"
	case CardinalitySet:
		return "SET"
	default:
		return "SINGLE"
	}
}

// DataType is the declared type of a field's values
type DataType uint8

const (
	TypeAny DataType = iota
	TypeString
	TypeInt
	TypeFloat
	TypeBool
)

// KeyInformation is the schema metadata registered for a field of a store
type KeyInformation struct {
	DataType    DataType          `json:"dataType" msgpack:"type"`
	Cardinality Cardinality       `json:"cardinality" msgpack:"card"`
	Parameters  map[string]string `json:"parameters,omitempty" msgpack:"params,omitempty"`
}

// Normalize converts a decoded value to the declared data type.
// Values that cannot be converted are returned unchanged.
func (k KeyInformation) Normalize(v any) any {
	if v == nil {
		return nil
	}

	switch k.DataType {
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n)
		case int32:
			return int64(n)
		case int64:
			return n
		case uint64:
			if n <= math.MaxInt64 {
				return int64(n)
			}
		case float64:
			if n == math.Trunc(n) {
				return int64(n)
			}
		case string:
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return i
			}
		}
	case TypeFloat:
		switch n := v.(type) {
		case float32:
			return float64(n)
		case float64:
			return n
		case int:
			return float64(n)
		case int64:
			return float64(n)
		case uint64:
			return float64(n)
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f
			}
		}
	case TypeBool:
		switch b := v.(type) {
		case bool:
			return b
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed
			}
		}
	case TypeString:
		switch s := v.(type) {
		case string:
			return s
		case []byte:
			return string(s)
		case fmt.Stringer:
			return s.String()
		}
	}

	return v
}

// Mutation is the net change to one document: what the base transaction
// buffers per document and what the replay worker applies per batch.
type Mutation struct {
	Additions []Entry
	Deletions []Entry
	IsNew     bool
	IsDeleted bool
}

// NewMutation creates an empty mutation with the given document flags
func NewMutation(isNew, isDeleted bool) *Mutation {
	return &Mutation{IsNew: isNew, IsDeleted: isDeleted}
}

// Add appends an addition
func (m *Mutation) Add(e Entry) {
	m.Additions = append(m.Additions, e)
}

// Delete appends a deletion
func (m *Mutation) Delete(e Entry) {
	m.Deletions = append(m.Deletions, e)
}

// Merge folds other into m: entries are appended in order and flags are OR-ed
func (m *Mutation) Merge(other *Mutation) {
	if other == nil {
		return
	}
	m.Additions = append(m.Additions, other.Additions...)
	m.Deletions = append(m.Deletions, other.Deletions...)
	m.IsNew = m.IsNew || other.IsNew
	m.IsDeleted = m.IsDeleted || other.IsDeleted
}

// HasAdditions reports whether the mutation adds anything
func (m *Mutation) HasAdditions() bool {
	return len(m.Additions) > 0
}

// HasDeletions reports whether the mutation removes anything
func (m *Mutation) HasDeletions() bool {
	return m.IsDeleted || len(m.Deletions) > 0
}

// Clone returns a deep copy of the entry slices
func (m *Mutation) Clone() *Mutation {
	return &Mutation{
		Additions: append([]Entry(nil), m.Additions...),
		Deletions: append([]Entry(nil), m.Deletions...),
		IsNew:     m.IsNew,
		IsDeleted: m.IsDeleted,
	}
}

// Mutations groups per-document mutations by store
type Mutations map[string]map[string]*Mutation

// Get returns the mutation for a document, creating it on first use
func (ms Mutations) Get(store, docID string, isNew, isDeleted bool) *Mutation {
	docs, ok := ms[store]
	if !ok {
		docs = make(map[string]*Mutation)
		ms[store] = docs
	}

	m, ok := docs[docID]
	if !ok {
		m = NewMutation(isNew, isDeleted)
		docs[docID] = m
		return m
	}

	m.IsNew = m.IsNew || isNew
	m.IsDeleted = m.IsDeleted || isDeleted
	return m
}

// Count returns the number of documents touched
func (ms Mutations) Count() int {
	n := 0
	for _, docs := range ms {
		n += len(docs)
	}
	return n
}

// Op is a query comparison operator
type Op uint8

const (
	OpEq Op = iota
	OpNeq
	OpGt
	OpGte
	OpLt
	OpLte
	OpPrefix
)

// Condition restricts a query to documents whose field matches
type Condition struct {
	Key   string
	Op    Op
	Value any
}

// Query selects document ids from one store. All conditions must hold.
type Query struct {
	Store      string
	Conditions []Condition
	Offset     int
	Limit      int // 0 = unlimited
}

// AggregationKind selects the aggregate computed by QueryAggregation
type AggregationKind uint8

const (
	AggCount AggregationKind = iota
	AggSum
	AggMin
	AggMax
)

// Aggregation describes an aggregate over one field of the matched documents
type Aggregation struct {
	Kind AggregationKind
	Key  string // Ignored for AggCount
}
