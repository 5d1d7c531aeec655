package local

import (
	"context"
	"io"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decisiongraph/lancevec/blobstore"
	"github.com/decisiongraph/lancevec/engine"
	"github.com/decisiongraph/lancevec/metric"
)

func testSchema(dim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: engine.LabelColumn, Type: arrow.PrimitiveTypes.Int64},
		{Name: engine.VectorColumn, Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
		{Name: "tag", Type: arrow.BinaryTypes.String},
	}, nil)
}

func buildRecord(t *testing.T, mem memory.Allocator, schema *arrow.Schema, labels []int64, vectors [][]float32, tags []string) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	lb := b.Field(0).(*array.Int64Builder)
	vb := b.Field(1).(*array.FixedSizeListBuilder)
	fb := vb.ValueBuilder().(*array.Float32Builder)
	sb := b.Field(2).(*array.StringBuilder)

	for i, label := range labels {
		lb.Append(label)
		vb.Append(true)
		fb.AppendValues(vectors[i], nil)
		sb.Append(tags[i])
	}
	return b.NewRecord()
}

func appendRows(t *testing.T, tbl engine.Table, labels []int64, vectors [][]float32) {
	t.Helper()
	tags := make([]string, len(labels))
	for i := range tags {
		tags[i] = "row"
	}
	rec := buildRecord(t, memory.DefaultAllocator, testSchema(len(vectors[0])), labels, vectors, tags)
	defer rec.Release()
	require.NoError(t, tbl.Append(context.Background(), rec))
}

func drain(t *testing.T, stream engine.RecordStream) []arrow.Record {
	t.Helper()
	var recs []arrow.Record
	for {
		rec, err := stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	require.NoError(t, stream.Close())
	return recs
}

func collectLabels(t *testing.T, stream engine.RecordStream) []int64 {
	t.Helper()
	var labels []int64
	for _, rec := range drain(t, stream) {
		col := rec.Column(0).(*array.Int64)
		for i := 0; i < col.Len(); i++ {
			labels = append(labels, col.Value(i))
		}
		rec.Release()
	}
	return labels
}

func TestCreateOpenDrop(t *testing.T) {
	ctx := context.Background()
	db := OpenStore(blobstore.NewMemoryStore())
	t.Cleanup(func() { _ = db.Close() })

	_, err := db.OpenTable(ctx, "missing")
	require.ErrorIs(t, err, engine.ErrTableNotFound)

	tbl, err := db.CreateTable(ctx, "vectors", testSchema(3))
	require.NoError(t, err)
	assert.Equal(t, "vectors", tbl.Name())

	schema, err := tbl.Schema(ctx)
	require.NoError(t, err)
	assert.True(t, testSchema(3).Equal(schema))

	require.NoError(t, db.DropTable(ctx, "vectors"))
	require.ErrorIs(t, db.DropTable(ctx, "vectors"), engine.ErrTableNotFound)
}

func TestCreateTableReplacesExisting(t *testing.T) {
	ctx := context.Background()
	db := OpenStore(blobstore.NewMemoryStore())

	tbl, err := db.CreateTable(ctx, "vectors", testSchema(3))
	require.NoError(t, err)
	appendRows(t, tbl, []int64{1, 2}, [][]float32{{1, 0, 0}, {0, 1, 0}})

	tbl, err = db.CreateTable(ctx, "vectors", testSchema(3))
	require.NoError(t, err)

	n, err := tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestAppendCountDelete(t *testing.T) {
	ctx := context.Background()
	db := OpenStore(blobstore.NewMemoryStore())

	tbl, err := db.CreateTable(ctx, "vectors", testSchema(3))
	require.NoError(t, err)

	appendRows(t, tbl, []int64{1, 2, 3}, [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	appendRows(t, tbl, []int64{4, 5}, [][]float32{{1, 1, 0}, {0, 1, 1}})

	n, err := tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	require.NoError(t, tbl.Delete(ctx, engine.LabelIn([]int64{2, 4})))

	n, err = tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Deleting already-dead or unknown labels changes nothing.
	require.NoError(t, tbl.Delete(ctx, engine.LabelIn([]int64{2, 99})))
	n, err = tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestAppendRejectsWrongSchema(t *testing.T) {
	ctx := context.Background()
	db := OpenStore(blobstore.NewMemoryStore())

	tbl, err := db.CreateTable(ctx, "vectors", testSchema(3))
	require.NoError(t, err)

	rec := buildRecord(t, memory.DefaultAllocator, testSchema(4),
		[]int64{1}, [][]float32{{1, 0, 0, 0}}, []string{"x"})
	defer rec.Release()

	require.Error(t, tbl.Append(ctx, rec))
}

func TestScanFiltersAndProjects(t *testing.T) {
	ctx := context.Background()
	db := OpenStore(blobstore.NewMemoryStore())

	tbl, err := db.CreateTable(ctx, "vectors", testSchema(3))
	require.NoError(t, err)
	appendRows(t, tbl, []int64{1, 2, 3}, [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	require.NoError(t, tbl.Delete(ctx, engine.LabelEquals(2)))

	t.Run("live rows only", func(t *testing.T) {
		stream, err := tbl.Scan(ctx, engine.ScanOptions{})
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{1, 3}, collectLabels(t, stream))
	})

	t.Run("predicate excludes dead rows", func(t *testing.T) {
		pred := engine.LabelIn([]int64{1, 2})
		stream, err := tbl.Scan(ctx, engine.ScanOptions{Predicate: &pred})
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, collectLabels(t, stream))
	})

	t.Run("column projection", func(t *testing.T) {
		stream, err := tbl.Scan(ctx, engine.ScanOptions{Columns: []string{engine.LabelColumn}})
		require.NoError(t, err)
		recs := drain(t, stream)
		require.NotEmpty(t, recs)
		for _, rec := range recs {
			assert.Equal(t, int64(1), rec.NumCols())
			rec.Release()
		}
	})
}

func TestVectorSearchFlat(t *testing.T) {
	ctx := context.Background()
	db := OpenStore(blobstore.NewMemoryStore())

	tbl, err := db.CreateTable(ctx, "vectors", testSchema(3))
	require.NoError(t, err)
	appendRows(t, tbl,
		[]int64{10, 20, 30},
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}})

	stream, err := tbl.VectorSearch(ctx, engine.VectorQuery{
		Query:  []float32{1, 0, 0},
		K:      2,
		Metric: metric.L2,
	})
	require.NoError(t, err)

	recs := drain(t, stream)
	require.Len(t, recs, 1)
	rec := recs[0]
	defer rec.Release()

	labels := rec.Column(0).(*array.Int64)
	dists := rec.Column(1).(*array.Float32)
	require.Equal(t, int64(2), rec.NumRows())
	assert.Equal(t, int64(10), labels.Value(0))
	assert.Equal(t, float32(0), dists.Value(0))
	assert.Equal(t, int64(30), labels.Value(1))
	assert.Less(t, dists.Value(0), dists.Value(1))
}

func TestVectorSearchValidation(t *testing.T) {
	ctx := context.Background()
	db := OpenStore(blobstore.NewMemoryStore())

	tbl, err := db.CreateTable(ctx, "vectors", testSchema(3))
	require.NoError(t, err)
	appendRows(t, tbl, []int64{1}, [][]float32{{1, 0, 0}})

	_, err = tbl.VectorSearch(ctx, engine.VectorQuery{Query: []float32{1, 0, 0}, K: 0, Metric: metric.L2})
	require.Error(t, err)

	_, err = tbl.VectorSearch(ctx, engine.VectorQuery{Query: []float32{1, 0}, K: 1, Metric: metric.L2})
	require.Error(t, err)
}

func TestVectorIndexAndProbedSearch(t *testing.T) {
	ctx := context.Background()
	db := OpenStore(blobstore.NewMemoryStore())

	tbl, err := db.CreateTable(ctx, "vectors", testSchema(2))
	require.NoError(t, err)

	// Two well-separated clusters.
	labels := []int64{1, 2, 3, 4, 5, 6}
	vectors := [][]float32{
		{0, 0}, {0.1, 0}, {0, 0.1},
		{10, 10}, {10.1, 10}, {10, 10.1},
	}
	appendRows(t, tbl, labels, vectors)

	require.NoError(t, tbl.CreateVectorIndex(ctx, engine.VectorIndexConfig{
		Kind:          engine.IvfPq,
		Metric:        metric.L2,
		NumPartitions: 2,
	}))

	stream, err := tbl.VectorSearch(ctx, engine.VectorQuery{
		Query:   []float32{0, 0},
		K:       3,
		Metric:  metric.L2,
		NProbes: 1,
	})
	require.NoError(t, err)

	got := collectLabels(t, stream)
	assert.ElementsMatch(t, []int64{1, 2, 3}, got)
}

func TestOptimizeCompactsSegments(t *testing.T) {
	ctx := context.Background()
	db := OpenStore(blobstore.NewMemoryStore())

	tbl, err := db.CreateTable(ctx, "vectors", testSchema(2))
	require.NoError(t, err)
	appendRows(t, tbl, []int64{1, 2}, [][]float32{{1, 0}, {0, 1}})
	appendRows(t, tbl, []int64{3, 4}, [][]float32{{1, 1}, {2, 2}})
	require.NoError(t, tbl.Delete(ctx, engine.LabelEquals(2)))

	require.NoError(t, tbl.Optimize(ctx))

	lt := tbl.(*Table)
	lt.st.mu.RLock()
	segments := len(lt.st.manifest.Segments)
	tombstones := lt.st.tombstones.GetCardinality()
	lt.st.mu.RUnlock()
	assert.Equal(t, 1, segments)
	assert.Equal(t, uint64(0), tombstones)

	n, err := tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	stream, err := tbl.Scan(ctx, engine.ScanOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 3, 4}, collectLabels(t, stream))
}

func TestOptimizeAllRowsDeleted(t *testing.T) {
	ctx := context.Background()
	db := OpenStore(blobstore.NewMemoryStore())

	tbl, err := db.CreateTable(ctx, "vectors", testSchema(2))
	require.NoError(t, err)
	appendRows(t, tbl, []int64{1, 2}, [][]float32{{1, 0}, {0, 1}})
	require.NoError(t, tbl.Delete(ctx, engine.LabelIn([]int64{1, 2})))

	require.NoError(t, tbl.Optimize(ctx))

	n, err := tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestReopenRestoresState(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	db := OpenStore(store)
	tbl, err := db.CreateTable(ctx, "vectors", testSchema(2))
	require.NoError(t, err)
	appendRows(t, tbl, []int64{1, 2, 3}, [][]float32{{0, 0}, {5, 5}, {0.2, 0}})
	require.NoError(t, tbl.Delete(ctx, engine.LabelEquals(2)))
	require.NoError(t, tbl.CreateVectorIndex(ctx, engine.VectorIndexConfig{
		Kind:          engine.IvfPq,
		Metric:        metric.L2,
		NumPartitions: 1,
	}))
	require.NoError(t, db.Close())

	// A fresh connection over the same store must see rows, tombstones and
	// index all restored from blobs.
	db2 := OpenStore(store)
	tbl2, err := db2.OpenTable(ctx, "vectors")
	require.NoError(t, err)

	n, err := tbl2.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stream, err := tbl2.VectorSearch(ctx, engine.VectorQuery{
		Query:   []float32{0, 0},
		K:       2,
		Metric:  metric.L2,
		NProbes: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, collectLabels(t, stream))
}

func TestClosedConnection(t *testing.T) {
	ctx := context.Background()
	db := OpenStore(blobstore.NewMemoryStore())
	tbl, err := db.CreateTable(ctx, "vectors", testSchema(2))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.CreateTable(ctx, "other", testSchema(2))
	require.ErrorIs(t, err, engine.ErrClosed)
	_, err = tbl.CountRows(ctx)
	require.ErrorIs(t, err, engine.ErrClosed)
	require.ErrorIs(t, tbl.Delete(ctx, engine.LabelEquals(1)), engine.ErrClosed)
}
