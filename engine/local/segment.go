package local

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the segment compression codec.
type Compression uint8

const (
	// Zstd is the default segment codec.
	Zstd Compression = iota

	// LZ4 trades ratio for decode speed.
	LZ4
)

func (c Compression) String() string {
	if c == LZ4 {
		return "lz4"
	}
	return "zstd"
}

// Segment layout: 4-byte magic, 1 codec byte, 8-byte xxhash64 of the
// compressed body, body. The body is one Arrow IPC stream holding exactly
// one record batch.
var segmentMagic = [4]byte{'L', 'V', 'S', 'G'}

const segmentHeaderLen = 4 + 1 + 8

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

func encodeSegment(rec arrow.Record, comp Compression, mem memory.Allocator) ([]byte, error) {
	var raw bytes.Buffer
	w := ipc.NewWriter(&raw, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, fmt.Errorf("local: encode segment: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("local: encode segment: %w", err)
	}

	var body []byte
	switch comp {
	case LZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(raw.Bytes()); err != nil {
			return nil, fmt.Errorf("local: compress segment: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("local: compress segment: %w", err)
		}
		body = buf.Bytes()
	default:
		body = zstdEncoder.EncodeAll(raw.Bytes(), nil)
	}

	out := make([]byte, segmentHeaderLen+len(body))
	copy(out[:4], segmentMagic[:])
	out[4] = byte(comp)
	binary.LittleEndian.PutUint64(out[5:13], xxhash.Sum64(body))
	copy(out[segmentHeaderLen:], body)
	return out, nil
}

func decodeSegment(data []byte, mem memory.Allocator) (arrow.Record, error) {
	if len(data) < segmentHeaderLen || !bytes.Equal(data[:4], segmentMagic[:]) {
		return nil, fmt.Errorf("local: not a segment blob")
	}

	comp := Compression(data[4])
	body := data[segmentHeaderLen:]
	if got := xxhash.Sum64(body); got != binary.LittleEndian.Uint64(data[5:13]) {
		return nil, fmt.Errorf("local: segment checksum mismatch")
	}

	var raw []byte
	var err error
	switch comp {
	case LZ4:
		raw, err = io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
	case Zstd:
		raw, err = zstdDecoder.DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("local: unknown segment codec %d", data[4])
	}
	if err != nil {
		return nil, fmt.Errorf("local: decompress segment: %w", err)
	}

	r, err := ipc.NewReader(bytes.NewReader(raw), ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("local: decode segment: %w", err)
	}
	defer r.Release()

	if !r.Next() {
		if err := r.Err(); err != nil && err != io.EOF {
			return nil, fmt.Errorf("local: decode segment: %w", err)
		}
		return nil, fmt.Errorf("local: segment has no record batch")
	}
	rec := r.Record()
	rec.Retain()
	return rec, nil
}
