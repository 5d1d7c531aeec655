// Package local is a reference storage engine backed by a blob store:
// immutable compressed Arrow IPC segments, a checksummed JSON manifest per
// table, and roaring tombstone sets for deletes.
//
// It exists so the index manager is usable and testable without an external
// columnar engine. It favors correctness over scale: scans decode whole
// segments, and the approximate index is a flat IVF partition structure.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/decisiongraph/lancevec/blobstore"
	"github.com/decisiongraph/lancevec/codec"
	"github.com/decisiongraph/lancevec/engine"
	"github.com/decisiongraph/lancevec/scheduler"
)

type options struct {
	mem         memory.Allocator
	codec       codec.Codec
	compression Compression
	ctrl        *scheduler.Controller
}

// Option configures a DB.
type Option func(*options)

// WithAllocator sets the Arrow allocator used for decoded and rebuilt
// arrays.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) {
		if mem != nil {
			o.mem = mem
		}
	}
}

// WithCodec sets the codec for manifests. Defaults to codec.Default.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithCompression selects the segment compression codec. Defaults to Zstd.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithController throttles background maintenance (Optimize, index builds)
// through the given controller. Nil means unthrottled.
func WithController(ctrl *scheduler.Controller) Option {
	return func(o *options) {
		o.ctrl = ctrl
	}
}

// DB is one open dataset: a namespace of tables inside a blob store.
// It implements engine.Connection.
type DB struct {
	store blobstore.Store
	opts  options

	mu     sync.Mutex
	tables map[string]*tableState

	closed atomic.Bool
}

// tableState is shared by every handle to the same table.
type tableState struct {
	mu         sync.RWMutex
	manifest   *manifest
	schema     *arrow.Schema
	tombstones *roaring64.Bitmap
	index      *vectorIndex
}

// Open opens (or creates) a dataset directory on the local filesystem.
func Open(path string, optFns ...Option) (*DB, error) {
	store, err := blobstore.NewLocalStore(path)
	if err != nil {
		return nil, fmt.Errorf("local: open %s: %w", path, err)
	}
	return OpenStore(store, optFns...), nil
}

// OpenStore opens a dataset over an arbitrary blob store.
func OpenStore(store blobstore.Store, optFns ...Option) *DB {
	o := options{
		mem:         memory.DefaultAllocator,
		codec:       codec.Default,
		compression: Zstd,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return &DB{
		store:  store,
		opts:   o,
		tables: make(map[string]*tableState),
	}
}

// CreateTable creates a table, replacing any existing table of that name.
func (db *DB) CreateTable(ctx context.Context, name string, schema *arrow.Schema) (engine.Table, error) {
	if db.closed.Load() {
		return nil, engine.ErrClosed
	}
	if err := validateSchema(schema); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.removeTableBlobs(ctx, name); err != nil {
		return nil, err
	}

	m, err := newManifest(name, schema, db.opts.mem)
	if err != nil {
		return nil, fmt.Errorf("local: create table %s: %w", name, err)
	}
	if err := storeManifest(ctx, db.store, db.opts.codec, m); err != nil {
		return nil, fmt.Errorf("local: create table %s: %w", name, err)
	}

	st := &tableState{
		manifest:   m,
		schema:     schema,
		tombstones: roaring64.New(),
	}
	db.tables[name] = st

	return &Table{db: db, name: name, st: st}, nil
}

// OpenTable opens an existing table.
func (db *DB) OpenTable(ctx context.Context, name string) (engine.Table, error) {
	if db.closed.Load() {
		return nil, engine.ErrClosed
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	st, ok := db.tables[name]
	if !ok {
		var err error
		st, err = db.loadTableState(ctx, name)
		if err != nil {
			return nil, err
		}
		db.tables[name] = st
	}

	return &Table{db: db, name: name, st: st}, nil
}

// DropTable removes a table and all of its blobs.
func (db *DB) DropTable(ctx context.Context, name string) error {
	if db.closed.Load() {
		return engine.ErrClosed
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, cached := db.tables[name]; !cached {
		if _, err := db.store.Get(ctx, name+"/"+manifestName); err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				return engine.ErrTableNotFound
			}
			return fmt.Errorf("local: drop table %s: %w", name, err)
		}
	}

	delete(db.tables, name)
	return db.removeTableBlobs(ctx, name)
}

// Close marks the connection closed. Blobs already written stay on disk.
func (db *DB) Close() error {
	db.closed.Store(true)
	return nil
}

func (db *DB) loadTableState(ctx context.Context, name string) (*tableState, error) {
	m, err := loadManifest(ctx, db.store, db.opts.codec, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, engine.ErrTableNotFound
		}
		return nil, fmt.Errorf("local: open table %s: %w", name, err)
	}

	schema, err := m.arrowSchema(db.opts.mem)
	if err != nil {
		return nil, err
	}

	tombstones := roaring64.New()
	if data, err := db.store.Get(ctx, name+"/"+tombstoneName); err == nil {
		if err := tombstones.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("local: open table %s: tombstones: %w", name, err)
		}
	} else if !errors.Is(err, blobstore.ErrNotFound) {
		return nil, fmt.Errorf("local: open table %s: %w", name, err)
	}

	st := &tableState{
		manifest:   m,
		schema:     schema,
		tombstones: tombstones,
	}

	if m.Index != nil {
		ix, err := db.loadVectorIndex(ctx, m)
		if err != nil {
			return nil, err
		}
		st.index = ix
	}

	return st, nil
}

func (db *DB) removeTableBlobs(ctx context.Context, name string) error {
	names, err := db.store.List(ctx, name+"/")
	if err != nil {
		return fmt.Errorf("local: remove table %s: %w", name, err)
	}
	for _, n := range names {
		if err := db.store.Delete(ctx, n); err != nil {
			return fmt.Errorf("local: remove table %s: %w", name, err)
		}
	}
	return nil
}

var _ engine.Connection = (*DB)(nil)
