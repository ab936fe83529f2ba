// Package collection holds the data model shared by the storage, verification
// and synchronization layers: a named snapshot of records plus the cursor and
// signature the server attached to it.
package collection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Reserved record fields.
const (
	FieldID           = "id"
	FieldLastModified = "last_modified"
	FieldDeleted      = "deleted"
)

var (
	// ErrMalformedRecord is returned for records without a usable id.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrDuplicateID is returned when a collection holds two records with the same id.
	ErrDuplicateID = errors.New("duplicate record id")

	// ErrTimestampBehind is returned when the collection timestamp is older than a record.
	ErrTimestampBehind = errors.New("timestamp behind records")

	// ErrTombstone is returned when a collection still contains a deleted record.
	ErrTombstone = errors.New("tombstone in collection")
)

// Record is one data item. Values are strings, json.Number, bools, nested
// maps or slices as produced by DecodeRecord.
type Record map[string]any

// ID returns the record id, or "" if it is missing or not a string.
func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

// LastModified returns the record's last_modified field, or 0 if absent.
func (r Record) LastModified() uint64 {
	switch v := r[FieldLastModified].(type) {
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		if err != nil {
			return 0
		}
		return n
	case float64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case int:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case int64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case uint64:
		return v
	default:
		return 0
	}
}

// Deleted reports whether the record is a tombstone.
func (r Record) Deleted() bool {
	deleted, _ := r[FieldDeleted].(bool)
	return deleted
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// DecodeRecord parses a JSON object into a Record, keeping numbers as json.Number.
func DecodeRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode record:\n%w", err)
	}

	if r == nil {
		return nil, fmt.Errorf("decode record: %w", ErrMalformedRecord)
	}

	return r, nil
}

// Collection is a snapshot of a bucket/collection pair.
type Collection struct {
	Bucket    string   // Bucket is the logical namespace
	Name      string   // Name identifies the dataset within the bucket
	Records   []Record // Records are unique by id
	Timestamp uint64   // Timestamp is the last applied server cursor
	Signature []byte   // Signature is the attestation blob, nil when unsigned
}

// New creates an empty collection.
func New(bucket, name string) *Collection {
	return &Collection{Bucket: bucket, Name: name}
}

// Unsigned reports whether the collection carries no signature.
func (c *Collection) Unsigned() bool {
	return len(c.Signature) == 0
}

// Get returns the record with the given id.
func (c *Collection) Get(id string) (Record, bool) {
	for _, r := range c.Records {
		if r.ID() == id {
			return r, true
		}
	}
	return nil, false
}

// Validate checks the collection invariants: non-empty unique ids, no
// tombstones, and a timestamp at least as recent as every record.
func Validate(c *Collection) error {
	if c == nil {
		return fmt.Errorf("nil collection: %w", ErrMalformedRecord)
	}

	seen := make(map[string]struct{}, len(c.Records))

	for i, r := range c.Records {
		id := r.ID()
		if id == "" {
			return fmt.Errorf("record %d: %w", i, ErrMalformedRecord)
		}

		if _, ok := seen[id]; ok {
			return fmt.Errorf("record %q: %w", id, ErrDuplicateID)
		}
		seen[id] = struct{}{}

		if r.Deleted() {
			return fmt.Errorf("record %q: %w", id, ErrTombstone)
		}

		if r.LastModified() > c.Timestamp {
			return fmt.Errorf("record %q at %d, collection at %d: %w", id, r.LastModified(), c.Timestamp, ErrTimestampBehind)
		}
	}

	return nil
}

// sortRecords orders records newest first, ties broken by id.
func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		li, lj := records[i].LastModified(), records[j].LastModified()
		if li != lj {
			return li > lj
		}
		return records[i].ID() < records[j].ID()
	})
}
