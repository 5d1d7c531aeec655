package local

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"

	"github.com/decisiongraph/lancevec/blobstore"
	"github.com/decisiongraph/lancevec/engine"
	"github.com/decisiongraph/lancevec/metric"
)

const tombstoneName = "TOMBSTONES"

// Table is a handle to one table. Handles are cheap and share state, so all
// handles to the same table observe each other's writes.
type Table struct {
	db   *DB
	name string
	st   *tableState
}

var _ engine.Table = (*Table)(nil)

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Schema returns the stored schema.
func (t *Table) Schema(ctx context.Context) (*arrow.Schema, error) {
	if t.db.closed.Load() {
		return nil, engine.ErrClosed
	}
	return t.st.schema, nil
}

// Append writes rec as one new immutable segment and commits it to the
// manifest. Zero-row records are accepted and commit nothing.
func (t *Table) Append(ctx context.Context, rec arrow.Record) error {
	if t.db.closed.Load() {
		return engine.ErrClosed
	}
	if !t.st.schema.Equal(rec.Schema()) {
		return fmt.Errorf("local: append to %s: record schema does not match table schema", t.name)
	}
	if rec.NumRows() == 0 {
		return nil
	}

	data, err := encodeSegment(rec, t.db.opts.compression, t.db.opts.mem)
	if err != nil {
		return fmt.Errorf("local: append to %s: %w", t.name, err)
	}

	t.st.mu.Lock()
	defer t.st.mu.Unlock()

	m := t.st.manifest.clone()
	seg := segmentInfo{
		ID:   m.NextSegmentID,
		Rows: rec.NumRows(),
		Path: fmt.Sprintf("segments/%06d.seg", m.NextSegmentID),
	}
	m.NextSegmentID++
	m.Segments = append(m.Segments, seg)

	if err := t.db.store.Put(ctx, t.name+"/"+seg.Path, data); err != nil {
		return fmt.Errorf("local: append to %s: %w", t.name, err)
	}
	if err := storeManifest(ctx, t.db.store, t.db.opts.codec, m); err != nil {
		return fmt.Errorf("local: append to %s: %w", t.name, err)
	}
	t.st.manifest = m

	// Keep warm index assignments current. Cold assignments are rebuilt
	// lazily by the next search, which will see this segment anyway.
	if ix := t.st.index; ix != nil && ix.hasAssignments() {
		t.indexRecord(ix, rec)
	}
	return nil
}

// Scan streams live rows, optionally filtered by label predicate and
// projected to a column subset.
func (t *Table) Scan(ctx context.Context, opts engine.ScanOptions) (engine.RecordStream, error) {
	if t.db.closed.Load() {
		return nil, engine.ErrClosed
	}

	m, dead := t.snapshot()

	recs, err := t.decodeSegments(ctx, m)
	if err != nil {
		return nil, err
	}

	out := make([]arrow.Record, 0, len(recs))
	defer func() {
		for _, r := range recs {
			if r != nil {
				r.Release()
			}
		}
		if err != nil {
			for _, r := range out {
				r.Release()
			}
		}
	}()

	for i, rec := range recs {
		filtered, ferr := t.filterRecord(rec, dead, opts.Predicate)
		if ferr != nil {
			err = ferr
			return nil, err
		}
		recs[i].Release()
		recs[i] = nil
		if filtered == nil {
			continue
		}
		if opts.Columns != nil {
			projected, perr := projectRecord(filtered, opts.Columns)
			filtered.Release()
			if perr != nil {
				err = perr
				return nil, err
			}
			filtered = projected
		}
		if filtered.NumRows() == 0 {
			filtered.Release()
			continue
		}
		out = append(out, filtered)
	}

	return newSliceStream(out), nil
}

// Delete tombstones every live row whose label matches pred. The tombstone
// set is persisted before the call returns.
func (t *Table) Delete(ctx context.Context, pred engine.Predicate) error {
	if t.db.closed.Load() {
		return engine.ErrClosed
	}
	if pred.Empty() {
		return nil
	}

	t.st.mu.Lock()
	defer t.st.mu.Unlock()

	m := t.st.manifest
	labelIdx := t.st.schema.FieldIndices(engine.LabelColumn)
	if len(labelIdx) == 0 {
		return fmt.Errorf("local: delete from %s: no %s column", t.name, engine.LabelColumn)
	}

	next := t.st.tombstones.Clone()
	changed := false
	for _, seg := range m.Segments {
		rec, err := t.loadSegment(ctx, seg)
		if err != nil {
			return fmt.Errorf("local: delete from %s: %w", t.name, err)
		}
		labels := rec.Column(labelIdx[0]).(*array.Int64)
		for r := 0; r < labels.Len(); r++ {
			label := labels.Value(r)
			if pred.Matches(label) && !next.Contains(uint64(label)) {
				next.Add(uint64(label))
				changed = true
			}
		}
		rec.Release()
	}
	if !changed {
		return nil
	}

	data, err := next.MarshalBinary()
	if err != nil {
		return fmt.Errorf("local: delete from %s: %w", t.name, err)
	}
	if err := t.db.store.Put(ctx, t.name+"/"+tombstoneName, data); err != nil {
		return fmt.Errorf("local: delete from %s: %w", t.name, err)
	}
	t.st.tombstones = next
	return nil
}

// CountRows returns the number of live rows.
func (t *Table) CountRows(ctx context.Context) (int64, error) {
	if t.db.closed.Load() {
		return 0, engine.ErrClosed
	}
	t.st.mu.RLock()
	defer t.st.mu.RUnlock()
	return t.st.manifest.totalRows() - int64(t.st.tombstones.GetCardinality()), nil
}

// VectorSearch returns up to q.K live rows nearest to q.Query, as a single
// (label, _distance) batch sorted by ascending distance.
//
// Distances are always computed exactly against stored vectors, so
// RefineFactor has nothing left to refine and is ignored. When an index
// exists, NProbes restricts the scan to the nearest cells; NProbes 0 probes
// every cell and is therefore exact.
func (t *Table) VectorSearch(ctx context.Context, q engine.VectorQuery) (engine.RecordStream, error) {
	if t.db.closed.Load() {
		return nil, engine.ErrClosed
	}
	if q.K <= 0 {
		return nil, fmt.Errorf("local: search %s: k must be positive, got %d", t.name, q.K)
	}
	if !q.Metric.Valid() {
		return nil, fmt.Errorf("local: search %s: invalid metric", t.name)
	}

	if err := t.ensureAssignments(ctx); err != nil {
		return nil, err
	}

	m, dead := t.snapshot()
	ix := t.currentIndex()

	var probe map[int]struct{}
	if ix != nil && q.NProbes > 0 {
		probe = ix.nearestCells(q.Query, q.NProbes)
	}

	type hit struct {
		label int64
		dist  float32
	}
	var hits []hit

	labelIdx := t.st.schema.FieldIndices(engine.LabelColumn)
	vecIdx := engine.VectorFieldIndex(t.st.schema)
	if len(labelIdx) == 0 || vecIdx < 0 {
		return nil, fmt.Errorf("local: search %s: missing %s or vector column", t.name, engine.LabelColumn)
	}

	for _, seg := range m.Segments {
		rec, err := t.loadSegment(ctx, seg)
		if err != nil {
			return nil, fmt.Errorf("local: search %s: %w", t.name, err)
		}
		labels := rec.Column(labelIdx[0]).(*array.Int64)
		vecs, ok := rec.Column(vecIdx).(*array.FixedSizeList)
		if !ok {
			rec.Release()
			return nil, fmt.Errorf("local: search %s: %s is not a fixed-size list", t.name, engine.VectorColumn)
		}
		width := int(vecs.DataType().(*arrow.FixedSizeListType).Len())
		if width != len(q.Query) {
			rec.Release()
			return nil, fmt.Errorf("local: search %s: query has %d dimensions, vectors have %d", t.name, len(q.Query), width)
		}
		values := vecs.ListValues().(*array.Float32).Float32Values()

		for r := 0; r < labels.Len(); r++ {
			label := labels.Value(r)
			if dead.Contains(uint64(label)) {
				continue
			}
			if probe != nil {
				cell, known := ix.cellOf(label)
				if known {
					if _, in := probe[cell]; !in {
						continue
					}
				}
			}
			off := (vecs.Offset() + r) * width
			vec := values[off : off+width]
			hits = append(hits, hit{label: label, dist: q.Metric.Distance(q.Query, vec)})
		}
		rec.Release()
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].label < hits[j].label
	})
	if len(hits) > q.K {
		hits = hits[:q.K]
	}

	schema := arrow.NewSchema([]arrow.Field{
		{Name: engine.LabelColumn, Type: arrow.PrimitiveTypes.Int64},
		{Name: engine.DistanceColumn, Type: arrow.PrimitiveTypes.Float32},
	}, nil)
	b := array.NewRecordBuilder(t.db.opts.mem, schema)
	defer b.Release()
	lb := b.Field(0).(*array.Int64Builder)
	fb := b.Field(1).(*array.Float32Builder)
	for _, h := range hits {
		lb.Append(h.label)
		fb.Append(h.dist)
	}
	rec := b.NewRecord()

	return newSliceStream([]arrow.Record{rec}), nil
}

// CreateVectorIndex trains an IVF partition structure over the live vectors
// and persists its centroids. Both index kinds share the same partition
// layout here; the kind and its parameters are recorded so a richer engine
// can honor them.
func (t *Table) CreateVectorIndex(ctx context.Context, cfg engine.VectorIndexConfig) error {
	if t.db.closed.Load() {
		return engine.ErrClosed
	}
	if !cfg.Metric.Valid() {
		return fmt.Errorf("local: index %s: invalid metric", t.name)
	}

	if ctrl := t.db.opts.ctrl; ctrl != nil {
		if err := ctrl.AcquireBackground(ctx); err != nil {
			return err
		}
		defer ctrl.ReleaseBackground()
	}

	labels, vectors, dim, err := t.liveVectors(ctx)
	if err != nil {
		return fmt.Errorf("local: index %s: %w", t.name, err)
	}
	n := len(labels)
	if n == 0 {
		return fmt.Errorf("local: index %s: no live rows to index", t.name)
	}

	k := cfg.NumPartitions
	if k <= 0 {
		k = defaultPartitions(n)
	}
	if k > n {
		k = n
	}

	centroids, assignments := trainKMeans(vectors, dim, k, cfg.Metric, newTrainRand())

	ix := &vectorIndex{
		kind:      indexKindName(cfg.Kind),
		metric:    cfg.Metric,
		dim:       dim,
		k:         k,
		centroids: centroids,
		cells:     make(map[int64]int, n),
	}
	for i, label := range labels {
		ix.cells[label] = assignments[i]
	}

	centroidPath := "index/centroids.ivf"
	if err := t.db.store.Put(ctx, t.name+"/"+centroidPath, encodeCentroids(centroids, dim, k)); err != nil {
		return fmt.Errorf("local: index %s: %w", t.name, err)
	}

	t.st.mu.Lock()
	defer t.st.mu.Unlock()

	m := t.st.manifest.clone()
	m.Index = &indexInfo{
		Kind:           ix.kind,
		Metric:         cfg.Metric.String(),
		NumPartitions:  k,
		NumSubVectors:  cfg.NumSubVectors,
		M:              cfg.M,
		EfConstruction: cfg.EfConstruction,
		CentroidsPath:  centroidPath,
	}
	if err := storeManifest(ctx, t.db.store, t.db.opts.codec, m); err != nil {
		return fmt.Errorf("local: index %s: %w", t.name, err)
	}
	t.st.manifest = m
	t.st.index = ix
	return nil
}

// Optimize rewrites all live rows into a single segment, drops the old
// segments and clears the tombstone set. Labels are untouched, so existing
// index assignments stay valid.
func (t *Table) Optimize(ctx context.Context) error {
	if t.db.closed.Load() {
		return engine.ErrClosed
	}

	if ctrl := t.db.opts.ctrl; ctrl != nil {
		if err := ctrl.AcquireBackground(ctx); err != nil {
			return err
		}
		defer ctrl.ReleaseBackground()
	}

	t.st.mu.Lock()
	defer t.st.mu.Unlock()

	old := t.st.manifest
	dead := t.st.tombstones
	if len(old.Segments) <= 1 && dead.IsEmpty() {
		return nil
	}

	labelIdx := t.st.schema.FieldIndices(engine.LabelColumn)

	var live []arrow.Record
	defer func() {
		for _, r := range live {
			r.Release()
		}
	}()
	for _, seg := range old.Segments {
		rec, err := t.loadSegment(ctx, seg)
		if err != nil {
			return fmt.Errorf("local: optimize %s: %w", t.name, err)
		}
		labels := rec.Column(labelIdx[0]).(*array.Int64)
		rows := make([]int, 0, labels.Len())
		for r := 0; r < labels.Len(); r++ {
			if !dead.Contains(uint64(labels.Value(r))) {
				rows = append(rows, r)
			}
		}
		if len(rows) == labels.Len() {
			live = append(live, rec)
			continue
		}
		kept, err := takeRows(t.db.opts.mem, rec, rows)
		rec.Release()
		if err != nil {
			return fmt.Errorf("local: optimize %s: %w", t.name, err)
		}
		if kept.NumRows() == 0 {
			kept.Release()
			continue
		}
		live = append(live, kept)
	}

	m := old.clone()
	m.Segments = nil

	if len(live) > 0 {
		merged, err := concatRecords(t.db.opts.mem, t.st.schema, live)
		if err != nil {
			return fmt.Errorf("local: optimize %s: %w", t.name, err)
		}
		rows := merged.NumRows()
		data, err := encodeSegment(merged, t.db.opts.compression, t.db.opts.mem)
		merged.Release()
		if err != nil {
			return fmt.Errorf("local: optimize %s: %w", t.name, err)
		}
		if ctrl := t.db.opts.ctrl; ctrl != nil {
			if err := ctrl.AcquireIO(ctx, len(data)); err != nil {
				return err
			}
		}
		seg := segmentInfo{
			ID:   m.NextSegmentID,
			Rows: rows,
			Path: fmt.Sprintf("segments/%06d.seg", m.NextSegmentID),
		}
		m.NextSegmentID++
		if err := t.db.store.Put(ctx, t.name+"/"+seg.Path, data); err != nil {
			return fmt.Errorf("local: optimize %s: %w", t.name, err)
		}
		m.Segments = []segmentInfo{seg}
	}

	if err := storeManifest(ctx, t.db.store, t.db.opts.codec, m); err != nil {
		return fmt.Errorf("local: optimize %s: %w", t.name, err)
	}
	if err := t.db.store.Delete(ctx, t.name+"/"+tombstoneName); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("local: optimize %s: %w", t.name, err)
	}
	for _, seg := range old.Segments {
		if err := t.db.store.Delete(ctx, t.name+"/"+seg.Path); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			return fmt.Errorf("local: optimize %s: %w", t.name, err)
		}
	}

	t.st.manifest = m
	t.st.tombstones.Clear()
	return nil
}

// snapshot returns a consistent view of the manifest and tombstones.
func (t *Table) snapshot() (*manifest, *roaring64.Bitmap) {
	t.st.mu.RLock()
	defer t.st.mu.RUnlock()
	return t.st.manifest, t.st.tombstones.Clone()
}

func (t *Table) currentIndex() *vectorIndex {
	t.st.mu.RLock()
	defer t.st.mu.RUnlock()
	return t.st.index
}

// decodeSegments decodes every segment of m concurrently, preserving segment
// order in the result.
func (t *Table) decodeSegments(ctx context.Context, m *manifest) ([]arrow.Record, error) {
	recs := make([]arrow.Record, len(m.Segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, seg := range m.Segments {
		g.Go(func() error {
			rec, err := t.loadSegment(gctx, seg)
			if err != nil {
				return fmt.Errorf("local: scan %s: %w", t.name, err)
			}
			recs[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, r := range recs {
			if r != nil {
				r.Release()
			}
		}
		return nil, err
	}
	return recs, nil
}

func (t *Table) loadSegment(ctx context.Context, seg segmentInfo) (arrow.Record, error) {
	data, err := t.db.store.Get(ctx, t.name+"/"+seg.Path)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", seg.Path, err)
	}
	rec, err := decodeSegment(data, t.db.opts.mem)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", seg.Path, err)
	}
	return rec, nil
}

// filterRecord copies the rows of rec that are live and match pred. It
// returns rec retained unchanged when every row passes, and nil when the
// record has no label column rows left.
func (t *Table) filterRecord(rec arrow.Record, dead *roaring64.Bitmap, pred *engine.Predicate) (arrow.Record, error) {
	labelIdx := t.st.schema.FieldIndices(engine.LabelColumn)
	if len(labelIdx) == 0 {
		return nil, fmt.Errorf("local: scan %s: no %s column", t.name, engine.LabelColumn)
	}
	labels := rec.Column(labelIdx[0]).(*array.Int64)

	rows := make([]int, 0, labels.Len())
	for r := 0; r < labels.Len(); r++ {
		label := labels.Value(r)
		if dead.Contains(uint64(label)) {
			continue
		}
		if pred != nil && !pred.Matches(label) {
			continue
		}
		rows = append(rows, r)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if len(rows) == labels.Len() {
		rec.Retain()
		return rec, nil
	}
	return takeRows(t.db.opts.mem, rec, rows)
}

// liveVectors scans all live rows and returns their labels and flattened
// vectors.
func (t *Table) liveVectors(ctx context.Context) (labels []int64, vectors []float32, dim int, err error) {
	m, dead := t.snapshot()

	labelIdx := t.st.schema.FieldIndices(engine.LabelColumn)
	vecIdx := engine.VectorFieldIndex(t.st.schema)
	if len(labelIdx) == 0 || vecIdx < 0 {
		return nil, nil, 0, fmt.Errorf("missing %s or vector column", engine.LabelColumn)
	}

	for _, seg := range m.Segments {
		rec, lerr := t.loadSegment(ctx, seg)
		if lerr != nil {
			return nil, nil, 0, lerr
		}
		lcol := rec.Column(labelIdx[0]).(*array.Int64)
		vcol, ok := rec.Column(vecIdx).(*array.FixedSizeList)
		if !ok {
			rec.Release()
			return nil, nil, 0, fmt.Errorf("vector column is not a fixed-size list")
		}
		width := int(vcol.DataType().(*arrow.FixedSizeListType).Len())
		if dim == 0 {
			dim = width
		}
		values := vcol.ListValues().(*array.Float32).Float32Values()
		for r := 0; r < lcol.Len(); r++ {
			label := lcol.Value(r)
			if dead.Contains(uint64(label)) {
				continue
			}
			off := (vcol.Offset() + r) * width
			labels = append(labels, label)
			vectors = append(vectors, values[off:off+width]...)
		}
		rec.Release()
	}
	return labels, vectors, dim, nil
}

// ensureAssignments rebuilds label-to-cell assignments after a reopen, when
// centroids came back from the store but the assignment map did not.
func (t *Table) ensureAssignments(ctx context.Context) error {
	ix := t.currentIndex()
	if ix == nil || ix.hasAssignments() {
		return nil
	}

	labels, vectors, dim, err := t.liveVectors(ctx)
	if err != nil {
		return fmt.Errorf("local: search %s: %w", t.name, err)
	}
	if dim != 0 && dim != ix.dim {
		return fmt.Errorf("local: search %s: index dimension %d does not match stored vectors %d", t.name, ix.dim, dim)
	}

	cells := make(map[int64]int, len(labels))
	for i, label := range labels {
		cells[label] = nearestCentroid(vectors[i*ix.dim:(i+1)*ix.dim], ix.centroids, ix.dim, ix.metric)
	}

	ix.mu.Lock()
	if ix.cells == nil {
		ix.cells = cells
	}
	ix.mu.Unlock()
	return nil
}

// indexRecord assigns every row of rec to its nearest cell. Caller holds the
// table write lock.
func (t *Table) indexRecord(ix *vectorIndex, rec arrow.Record) {
	labelIdx := t.st.schema.FieldIndices(engine.LabelColumn)
	vecIdx := engine.VectorFieldIndex(t.st.schema)
	if len(labelIdx) == 0 || vecIdx < 0 {
		return
	}
	labels := rec.Column(labelIdx[0]).(*array.Int64)
	vecs, ok := rec.Column(vecIdx).(*array.FixedSizeList)
	if !ok {
		return
	}
	width := int(vecs.DataType().(*arrow.FixedSizeListType).Len())
	if width != ix.dim {
		return
	}
	values := vecs.ListValues().(*array.Float32).Float32Values()
	for r := 0; r < labels.Len(); r++ {
		off := (vecs.Offset() + r) * width
		ix.assign(labels.Value(r), values[off:off+width])
	}
}

// loadVectorIndex restores centroids for the manifest's recorded index.
func (db *DB) loadVectorIndex(ctx context.Context, m *manifest) (*vectorIndex, error) {
	data, err := db.store.Get(ctx, m.Name+"/"+m.Index.CentroidsPath)
	if err != nil {
		return nil, fmt.Errorf("local: open table %s: centroids: %w", m.Name, err)
	}
	centroids, dim, k, err := decodeCentroids(data)
	if err != nil {
		return nil, fmt.Errorf("local: open table %s: %w", m.Name, err)
	}
	mk, err := metric.Parse(m.Index.Metric)
	if err != nil {
		return nil, fmt.Errorf("local: open table %s: %w", m.Name, err)
	}
	return &vectorIndex{
		kind:      m.Index.Kind,
		metric:    mk,
		dim:       dim,
		k:         k,
		centroids: centroids,
	}, nil
}

func indexKindName(k engine.VectorIndexKind) string {
	switch k {
	case engine.IvfHnswSq:
		return "ivf_hnsw_sq"
	default:
		return "ivf_pq"
	}
}

// concatRecords concatenates same-schema records column-by-column.
func concatRecords(mem memory.Allocator, schema *arrow.Schema, recs []arrow.Record) (arrow.Record, error) {
	if len(recs) == 1 {
		recs[0].Retain()
		return recs[0], nil
	}
	cols := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	var rows int64
	for _, r := range recs {
		rows += r.NumRows()
	}
	for i := 0; i < schema.NumFields(); i++ {
		parts := make([]arrow.Array, len(recs))
		for j, r := range recs {
			parts[j] = r.Column(i)
		}
		merged, err := array.Concatenate(parts, mem)
		if err != nil {
			return nil, err
		}
		cols[i] = merged
	}
	return array.NewRecord(schema, cols, rows), nil
}
