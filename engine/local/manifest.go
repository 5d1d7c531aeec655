package local

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/decisiongraph/lancevec/blobstore"
	"github.com/decisiongraph/lancevec/codec"
)

const (
	manifestName    = "MANIFEST"
	manifestVersion = 1
)

// manifest describes one table at a point in time. It is rewritten whole on
// every mutation; the blob store's atomic Put is the commit point.
type manifest struct {
	Version       int           `json:"version"`
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Schema        string        `json:"schema"` // base64 Arrow IPC schema message
	NextSegmentID uint64        `json:"next_segment_id"`
	Segments      []segmentInfo `json:"segments"`
	Index         *indexInfo    `json:"index,omitempty"`
}

// segmentInfo describes a single immutable segment.
type segmentInfo struct {
	ID   uint64 `json:"id"`
	Rows int64  `json:"rows"`
	Path string `json:"path"` // blob name relative to the table prefix
}

// indexInfo records the parameters of the last vector index build.
type indexInfo struct {
	Kind           string `json:"kind"`
	Metric         string `json:"metric"`
	NumPartitions  int    `json:"num_partitions"`
	NumSubVectors  int    `json:"num_sub_vectors,omitempty"`
	M              int    `json:"m,omitempty"`
	EfConstruction int    `json:"ef_construction,omitempty"`
	CentroidsPath  string `json:"centroids_path"`
}

func newManifest(name string, schema *arrow.Schema, mem memory.Allocator) (*manifest, error) {
	sb, err := encodeSchema(schema, mem)
	if err != nil {
		return nil, err
	}
	return &manifest{
		Version: manifestVersion,
		ID:      uuid.NewString(),
		Name:    name,
		Schema:  base64.StdEncoding.EncodeToString(sb),
	}, nil
}

func (m *manifest) arrowSchema(mem memory.Allocator) (*arrow.Schema, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Schema)
	if err != nil {
		return nil, fmt.Errorf("local: manifest schema: %w", err)
	}
	return decodeSchema(raw, mem)
}

// encodeSchema serializes a schema as an Arrow IPC stream with a single
// zero-row batch.
func encodeSchema(schema *arrow.Schema, mem memory.Allocator) ([]byte, error) {
	rb := array.NewRecordBuilder(mem, schema)
	rec := rb.NewRecord()
	rb.Release()
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSchema(raw []byte, mem memory.Allocator) (*arrow.Schema, error) {
	r, err := ipc.NewReader(bytes.NewReader(raw), ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("local: manifest schema: %w", err)
	}
	defer r.Release()
	return r.Schema(), nil
}

// Manifest blobs carry an xxhash64 of the payload so a torn or corrupt write
// is detected on load rather than silently mis-describing the table.

func marshalManifest(c codec.Codec, m *manifest) ([]byte, error) {
	payload, err := c.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(out[:8], xxhash.Sum64(payload))
	copy(out[8:], payload)
	return out, nil
}

func unmarshalManifest(c codec.Codec, data []byte) (*manifest, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("local: manifest truncated (%d bytes)", len(data))
	}
	payload := data[8:]
	if got := xxhash.Sum64(payload); got != binary.LittleEndian.Uint64(data[:8]) {
		return nil, fmt.Errorf("local: manifest checksum mismatch")
	}

	var m manifest
	if err := c.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("local: unsupported manifest version %d", m.Version)
	}
	return &m, nil
}

func loadManifest(ctx context.Context, store blobstore.Store, c codec.Codec, table string) (*manifest, error) {
	data, err := store.Get(ctx, table+"/"+manifestName)
	if err != nil {
		return nil, err
	}
	return unmarshalManifest(c, data)
}

func storeManifest(ctx context.Context, store blobstore.Store, c codec.Codec, m *manifest) error {
	data, err := marshalManifest(c, m)
	if err != nil {
		return err
	}
	return store.Put(ctx, m.Name+"/"+manifestName, data)
}

func (m *manifest) clone() *manifest {
	cp := *m
	cp.Segments = append([]segmentInfo(nil), m.Segments...)
	if m.Index != nil {
		idx := *m.Index
		cp.Index = &idx
	}
	return &cp
}

func (m *manifest) totalRows() int64 {
	var n int64
	for _, s := range m.Segments {
		n += s.Rows
	}
	return n
}
