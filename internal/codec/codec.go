// Package codec serializes collections into the blob kept by a storage backend.
//
// A blob is a zstd-compressed FlatBuffers CachedCollection carrying a blake3
// checksum over its content, so a truncated or tampered cache file is
// detected on load instead of being served.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"RemoteSettings/collection"
	"RemoteSettings/internal/types"
)

const (
	// formatVersion is the current blob format version.
	formatVersion = 1

	// checksumSize is the size of the blake3 checksum.
	checksumSize = 32
)

var (
	// ErrCorrupt is returned when a blob cannot be parsed or fails its checksum.
	ErrCorrupt = errors.New("corrupt cache blob")

	// ErrVersion is returned for blobs written by an unknown format version.
	ErrVersion = errors.New("unsupported cache format version")
)

// Encode serializes c into a compressed blob.
func Encode(c *collection.Collection) ([]byte, error) {
	data, err := build(c)
	if err != nil {
		return nil, err
	}

	return compress(data)
}

// Decode parses a blob produced by Encode.
func Decode(blob []byte) (c *collection.Collection, err error) {
	data, err := decompress(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress:\n%v", ErrCorrupt, err)
	}

	// A root offset plus a vtable offset need at least 8 bytes.
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(data))
	}

	// Offsets inside a damaged buffer may point outside it.
	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = fmt.Errorf("%w: %v", ErrCorrupt, r)
		}
	}()

	return parse(data)
}

// build creates the FlatBuffers representation with checksum.
func build(c *collection.Collection) ([]byte, error) {
	encoded := make([][]byte, len(c.Records))
	headers := make([]collection.Record, len(c.Records))

	for i, r := range c.Records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode record %q:\n%w", r.ID(), err)
		}
		encoded[i] = data

		// Headers come from the encoded form so parse compares like with like.
		if headers[i], err = collection.DecodeRecord(data); err != nil {
			return nil, fmt.Errorf("encode record %q:\n%w", r.ID(), err)
		}
	}

	checksum, err := computeChecksum(formatVersion, &collection.Collection{
		Bucket:    c.Bucket,
		Name:      c.Name,
		Records:   headers,
		Timestamp: c.Timestamp,
		Signature: c.Signature,
	})
	if err != nil {
		return nil, err
	}

	builder := flatbuffers.NewBuilder(1024)

	recordOffsets := make([]flatbuffers.UOffsetT, len(c.Records))
	for i, r := range headers {
		idOffset := builder.CreateString(r.ID())
		dataOffset := builder.CreateByteVector(encoded[i])

		types.CachedRecordStart(builder)
		types.CachedRecordAddId(builder, idOffset)
		types.CachedRecordAddLastModified(builder, r.LastModified())
		types.CachedRecordAddData(builder, dataOffset)
		recordOffsets[i] = types.CachedRecordEnd(builder)
	}

	types.CachedCollectionStartRecordsVector(builder, len(recordOffsets))
	for i := len(recordOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(recordOffsets[i])
	}
	recordsVector := builder.EndVector(len(recordOffsets))

	bucketOffset := builder.CreateString(c.Bucket)
	nameOffset := builder.CreateString(c.Name)
	checksumOffset := builder.CreateByteVector(checksum[:])

	var signatureOffset flatbuffers.UOffsetT
	if c.Signature != nil {
		signatureOffset = builder.CreateByteVector(c.Signature)
	}

	types.CachedCollectionStart(builder)
	types.CachedCollectionAddVersion(builder, formatVersion)
	types.CachedCollectionAddBucket(builder, bucketOffset)
	types.CachedCollectionAddName(builder, nameOffset)
	types.CachedCollectionAddTimestamp(builder, c.Timestamp)
	if c.Signature != nil {
		types.CachedCollectionAddSignature(builder, signatureOffset)
	}
	types.CachedCollectionAddRecords(builder, recordsVector)
	types.CachedCollectionAddChecksum(builder, checksumOffset)
	offset := types.CachedCollectionEnd(builder)
	builder.Finish(offset)

	return builder.FinishedBytes(), nil
}

// parse reads a CachedCollection and verifies its checksum.
func parse(data []byte) (*collection.Collection, error) {
	root := types.GetRootAsCachedCollection(data, 0)

	if v := root.Version(); v != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, v)
	}

	c := &collection.Collection{
		Bucket:    string(root.Bucket()),
		Name:      string(root.Name()),
		Timestamp: root.Timestamp(),
		Records:   make([]collection.Record, root.RecordsLength()),
	}

	// Copy bytes since the buffer belongs to the caller.
	if sig := root.SignatureBytes(); sig != nil {
		c.Signature = make([]byte, len(sig))
		copy(c.Signature, sig)
	}

	var rec types.CachedRecord

	for i := 0; i < root.RecordsLength(); i++ {
		if !root.Records(&rec, i) {
			return nil, fmt.Errorf("%w: read record %d", ErrCorrupt, i)
		}

		r, err := collection.DecodeRecord(rec.DataBytes())
		if err != nil {
			return nil, fmt.Errorf("%w: record %d:\n%v", ErrCorrupt, i, err)
		}

		if r.ID() != string(rec.Id()) || r.LastModified() != rec.LastModified() {
			return nil, fmt.Errorf("%w: record %d header mismatch", ErrCorrupt, i)
		}

		c.Records[i] = r
	}

	stored := root.ChecksumBytes()
	if len(stored) != checksumSize {
		return nil, fmt.Errorf("%w: invalid checksum length: %d", ErrCorrupt, len(stored))
	}

	computed, err := computeChecksum(root.Version(), c)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(computed[:], stored) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	return c, nil
}

// computeChecksum computes a blake3 checksum over the cached content.
// Format: version (4 bytes) + length-prefixed bucket, name, signature + canonical form.
func computeChecksum(version uint32, c *collection.Collection) ([32]byte, error) {
	canonical, err := collection.Canonical(c)
	if err != nil {
		return [32]byte{}, err
	}

	hasher := blake3.New()

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], version)
	hasher.Write(buf[:])

	for _, field := range [][]byte{[]byte(c.Bucket), []byte(c.Name), c.Signature, canonical} {
		binary.BigEndian.PutUint32(buf[:], uint32(len(field)))
		hasher.Write(buf[:])
		hasher.Write(field)
	}

	var checksum [32]byte
	hasher.Sum(checksum[:0])

	return checksum, nil
}

// compress compresses data using zstd.
func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompress decompresses zstd-compressed data.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
