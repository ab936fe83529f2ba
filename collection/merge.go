package collection

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrCursorRegressed is returned when a delta reports a cursor older than the base.
	ErrCursorRegressed = errors.New("cursor regressed")

	// ErrNoDelta is returned when Merge is given no delta or no base.
	ErrNoDelta = errors.New("nothing to merge")
)

// Delta is the set of changes the server reported since a cursor.
type Delta struct {
	Changes   []Record // Changes holds upserts and tombstones
	Timestamp uint64   // Timestamp is the server cursor after Changes
	Signature []byte   // Signature covers the full dataset after Changes
}

// Merge applies delta on top of base and returns a new candidate collection.
// base is never modified. Changes without an id, or with an id that is not
// valid UTF-8, make the whole delta malformed.
//
// An incoming record replaces an existing one only when its last_modified is
// greater. A tombstone removes the existing record when its last_modified is
// greater or equal. The candidate timestamp is the highest of the base
// timestamp, the delta cursor and every record's last_modified.
func Merge(base *Collection, delta *Delta) (*Collection, error) {
	if base == nil || delta == nil {
		return nil, ErrNoDelta
	}

	if delta.Timestamp < base.Timestamp {
		return nil, fmt.Errorf("delta at %d, cache at %d: %w", delta.Timestamp, base.Timestamp, ErrCursorRegressed)
	}

	index := make(map[string]Record, len(base.Records)+len(delta.Changes))
	for _, r := range base.Records {
		index[r.ID()] = r
	}

	// deletedAt remembers tombstones so an older upsert later in the same
	// delta cannot resurrect the record.
	deletedAt := make(map[string]uint64)

	for i, r := range delta.Changes {
		id := r.ID()
		if id == "" {
			return nil, fmt.Errorf("change %d: %w", i, ErrMalformedRecord)
		}

		// Ids must survive a JSON round trip unchanged.
		if !utf8.ValidString(id) {
			return nil, fmt.Errorf("change %d: id %q is not UTF-8: %w", i, id, ErrMalformedRecord)
		}

		lm := r.LastModified()

		if r.Deleted() {
			if existing, ok := index[id]; ok && lm >= existing.LastModified() {
				delete(index, id)
			}
			if lm > deletedAt[id] {
				deletedAt[id] = lm
			}
			continue
		}

		if at, ok := deletedAt[id]; ok && lm <= at {
			continue
		}

		if existing, ok := index[id]; ok && lm <= existing.LastModified() {
			continue
		}

		index[id] = r.Clone()
	}

	candidate := &Collection{
		Bucket:    base.Bucket,
		Name:      base.Name,
		Records:   make([]Record, 0, len(index)),
		Timestamp: max(base.Timestamp, delta.Timestamp),
		Signature: cloneBytes(delta.Signature),
	}

	for _, r := range index {
		candidate.Records = append(candidate.Records, r)
		candidate.Timestamp = max(candidate.Timestamp, r.LastModified())
	}

	sortRecords(candidate.Records)

	return candidate, nil
}

// cloneBytes returns a copy of b, preserving nil.
func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
