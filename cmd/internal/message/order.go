package message

import (
	"sort"
)

// OrderKey orders records by (timestamp, client-side ID) ascending.
type OrderKey struct {
	TimestampMicros int64
	ClientSideID    string
}

// Less reports whether k sorts before o.
func (k OrderKey) Less(o OrderKey) bool {
	if k.TimestampMicros != o.TimestampMicros {
		return k.TimestampMicros < o.TimestampMicros
	}
	return k.ClientSideID < o.ClientSideID
}

// IsZero reports whether k is the zero key.
func (k OrderKey) IsZero() bool { return k == OrderKey{} }

// SortRecords sorts recs in place by OrderKey. The sort is stable, so records with equal
// keys keep their insertion order.
func SortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Key().Less(recs[j].Key()) })
}
