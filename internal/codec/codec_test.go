package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"RemoteSettings/collection"
)

// testCollection builds a small signed collection.
func testCollection() *collection.Collection {
	return &collection.Collection{
		Bucket: "main",
		Name:   "search-config",
		Records: []collection.Record{
			{"id": "b", "last_modified": json.Number("20"), "nested": map[string]any{"k": []any{"x", true}}},
			{"id": "a", "last_modified": json.Number("10"), "enabled": false},
		},
		Timestamp: 25,
		Signature: []byte{0x00, 0xff, 0x10},
	}
}

func TestEncodeDecode_Roundtrip(t *testing.T) {
	original := testCollection()

	blob, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.Bucket != original.Bucket || decoded.Name != original.Name {
		t.Errorf("names = %s/%s, want %s/%s", decoded.Bucket, decoded.Name, original.Bucket, original.Name)
	}

	if decoded.Timestamp != original.Timestamp {
		t.Errorf("timestamp = %d, want %d", decoded.Timestamp, original.Timestamp)
	}

	if !bytes.Equal(decoded.Signature, original.Signature) {
		t.Errorf("signature = %x, want %x", decoded.Signature, original.Signature)
	}

	want, _ := collection.Canonical(original)
	got, _ := collection.Canonical(decoded)
	if !bytes.Equal(got, want) {
		t.Errorf("canonical mismatch:\n%s\n%s", got, want)
	}

	// Order is preserved.
	if decoded.Records[0].ID() != "b" || decoded.Records[1].ID() != "a" {
		t.Errorf("record order changed: %v, %v", decoded.Records[0].ID(), decoded.Records[1].ID())
	}
}

func TestEncodeDecode_Unsigned(t *testing.T) {
	c := collection.New("main", "empty")

	blob, err := Encode(c)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if !decoded.Unsigned() {
		t.Errorf("expected unsigned collection, got signature %x", decoded.Signature)
	}

	if len(decoded.Records) != 0 {
		t.Errorf("expected no records, got %d", len(decoded.Records))
	}
}

func TestDecode_Garbage(t *testing.T) {
	if _, err := Decode([]byte("definitely not zstd")); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

func TestDecode_ChecksumMismatch(t *testing.T) {
	c := testCollection()

	data, err := build(c)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	sum, err := computeChecksum(formatVersion, c)
	if err != nil {
		t.Fatalf("computeChecksum: %v", err)
	}

	idx := bytes.Index(data, sum[:])
	if idx < 0 {
		t.Fatal("checksum not found in buffer")
	}
	copy(data[idx:idx+checksumSize], make([]byte, checksumSize))

	blob, err := compress(data)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	if _, err := Decode(blob); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

func TestDecode_Truncated(t *testing.T) {
	blob, _ := compress([]byte{1, 2, 3})

	if _, err := Decode(blob); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

// TestEncodeDecode_NonUTF8ID verifies an id that JSON rewrites still decodes.
func TestEncodeDecode_NonUTF8ID(t *testing.T) {
	c := &collection.Collection{
		Bucket:    "main",
		Name:      "cfg",
		Records:   []collection.Record{{"id": "a\xff", "last_modified": json.Number("3")}},
		Timestamp: 3,
	}

	blob, err := Encode(c)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got := decoded.Records[0].ID(); got != "a\uFFFD" {
		t.Errorf("id = %q, want replacement character", got)
	}

	if decoded.Records[0].LastModified() != 3 {
		t.Errorf("last_modified = %d, want 3", decoded.Records[0].LastModified())
	}
}
