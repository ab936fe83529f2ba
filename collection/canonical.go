package collection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/zeebo/blake3"
)

// canonicalPayload is the signed view of a collection.
type canonicalPayload struct {
	Data         []Record `json:"data"`
	LastModified string   `json:"last_modified"`
}

// Canonical returns the deterministic serialization covered by signatures:
// records sorted by id, object keys sorted, no HTML escaping, and the
// timestamp as a decimal string.
func Canonical(c *Collection) ([]byte, error) {
	records := make([]Record, len(c.Records))
	copy(records, c.Records)

	sort.Slice(records, func(i, j int) bool {
		return records[i].ID() < records[j].ID()
	})

	payload := canonicalPayload{
		Data:         records,
		LastModified: strconv.FormatUint(c.Timestamp, 10),
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("encode canonical form:\n%w", err)
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Digest returns the blake3 hash of the canonical serialization.
func Digest(c *Collection) ([32]byte, error) {
	data, err := Canonical(c)
	if err != nil {
		return [32]byte{}, err
	}

	return blake3.Sum256(data), nil
}
