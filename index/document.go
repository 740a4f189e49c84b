package index

import (
	"math"
	"reflect"
	"strings"
)

// Document is the stored form of an indexed document: field -> values
type Document map[string][]any

// Clone returns a copy that can be modified without touching d
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, vals := range d {
		out[k] = append([]any(nil), vals...)
	}
	return out
}

// FromEntries builds a document from entries using the registered cardinalities
func FromEntries(store string, entries []Entry, keys KeyInformationRetriever) Document {
	doc := make(Document, len(entries))
	for _, e := range entries {
		doc.add(e, lookup(keys, store, e.Key))
	}
	return doc
}

// ApplyMutation returns the state of a document after m.
// A nil input means the document does not exist yet; a nil result means it was deleted.
// Deletions are applied before additions, and an IsNew mutation rebuilds the document
// from its additions, so applying the same mutation twice yields the same document.
func ApplyMutation(store string, doc Document, m *Mutation, keys KeyInformationRetriever) Document {
	if m.HasDeletions() {
		if m.IsDeleted {
			doc = nil
		} else if doc != nil {
			doc = doc.Clone()
			for _, del := range m.Deletions {
				doc.remove(del, lookup(keys, store, del.Key))
			}
		}
	}

	if !m.HasAdditions() {
		return doc
	}

	if m.IsNew || doc == nil {
		return FromEntries(store, m.Additions, keys)
	}

	if !m.HasDeletions() {
		doc = doc.Clone()
	}
	for _, add := range m.Additions {
		doc.add(add, lookup(keys, store, add.Key))
	}
	return doc
}

func lookup(keys KeyInformationRetriever, store, key string) KeyInformation {
	if keys == nil {
		return KeyInformation{}
	}
	info, _ := keys.Get(store, key)
	return info
}

func (d Document) add(e Entry, info KeyInformation) {
	v := info.Normalize(e.Value)

	switch info.Cardinality {
	case CardinalityList:
		d[e.Key] = append(d[e.Key], v)
	case CardinalitySet:
		for _, existing := range d[e.Key] {
			if valuesEqual(existing, v) {
				return
			}
		}
		d[e.Key] = append(d[e.Key], v)
	default:
		d[e.Key] = []any{v}
	}
}

func (d Document) remove(e Entry, info KeyInformation) {
	if e.Value == nil || info.Cardinality == CardinalitySingle {
		delete(d, e.Key)
		return
	}

	v := info.Normalize(e.Value)
	vals := d[e.Key]
	kept := vals[:0:0]
	removed := false
	for _, existing := range vals {
		if valuesEqual(existing, v) && (!removed || info.Cardinality == CardinalitySet) {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}

	if len(kept) == 0 {
		delete(d, e.Key)
		return
	}
	d[e.Key] = kept
}

// Matches reports whether every condition holds for the document
func (d Document) Matches(conds []Condition) bool {
	for _, c := range conds {
		if !d.matches(c) {
			return false
		}
	}
	return true
}

func (d Document) matches(c Condition) bool {
	vals := d[c.Key]

	if c.Op == OpNeq {
		for _, v := range vals {
			if valuesEqual(v, c.Value) {
				return false
			}
		}
		return true
	}

	for _, v := range vals {
		switch c.Op {
		case OpEq:
			if valuesEqual(v, c.Value) {
				return true
			}
		case OpPrefix:
			s, ok1 := v.(string)
			p, ok2 := c.Value.(string)
			if ok1 && ok2 && strings.HasPrefix(s, p) {
				return true
			}
		default:
			cmp, ok := compareValues(v, c.Value)
			if !ok {
				continue
			}
			if (c.Op == OpGt && cmp > 0) || (c.Op == OpGte && cmp >= 0) ||
				(c.Op == OpLt && cmp < 0) || (c.Op == OpLte && cmp <= 0) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}

	sa, ok1 := a.(string)
	sb, ok2 := b.(string)
	if ok1 && ok2 {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

// Aggregator accumulates an Aggregation over matched documents
type Aggregator struct {
	agg    Aggregation
	count  int
	result float64
	seen   bool
}

// NewAggregator starts an empty aggregate
func NewAggregator(agg Aggregation) *Aggregator {
	return &Aggregator{agg: agg}
}

// Observe adds one matched document
func (a *Aggregator) Observe(doc Document) {
	a.count++
	if a.agg.Kind == AggCount {
		return
	}

	for _, v := range doc[a.agg.Key] {
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		switch a.agg.Kind {
		case AggSum:
			a.result += f
		case AggMin:
			if !a.seen || f < a.result {
				a.result = f
			}
		case AggMax:
			if !a.seen || f > a.result {
				a.result = f
			}
		}
		a.seen = true
	}
}

// Result returns the aggregate; Min/Max over no numeric values is NaN
func (a *Aggregator) Result() float64 {
	switch a.agg.Kind {
	case AggCount:
		return float64(a.count)
	case AggMin, AggMax:
		if !a.seen {
			return math.NaN()
		}
	}
	return a.result
}

// Page applies offset and limit to an ordered id list
func Page(ids []string, offset, limit int) []string {
	if offset > 0 {
		if offset >= len(ids) {
			return []string{}
		}
		ids = ids[offset:]
	}
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids
}
