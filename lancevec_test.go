package lancevec

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decisiongraph/lancevec/blobstore"
	"github.com/decisiongraph/lancevec/codec"
	"github.com/decisiongraph/lancevec/engine"
	"github.com/decisiongraph/lancevec/engine/local"
	"github.com/decisiongraph/lancevec/exchange"
	"github.com/decisiongraph/lancevec/metric"
)

// memConnector binds every open to the same in-memory blob store, so close
// and reopen in tests exercise the real recovery paths without touching
// disk.
func memConnector(store blobstore.Store) Option {
	return WithConnector(func(ctx context.Context, path string) (engine.Connection, error) {
		return local.OpenStore(store), nil
	})
}

func TestLabelUniquenessAfterDelete(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	idx, err := Create(ctx, "mem", 3, metric.L2, "vectors", memConnector(store))
	require.NoError(t, err)

	var max int64
	for i := 0; i < 5; i++ {
		label, err := idx.Add(ctx, []float32{float32(i), 0, 0})
		require.NoError(t, err)
		if label > max {
			max = label
		}
	}
	require.NoError(t, idx.DeleteBatch(ctx, []int64{1, 2}))
	require.NoError(t, idx.Close())

	reopened, err := Open(ctx, "mem", "vectors", metric.L2, memConnector(store))
	require.NoError(t, err)
	defer reopened.Close()

	label, err := reopened.Add(ctx, []float32{9, 0, 0})
	require.NoError(t, err)
	assert.Greater(t, label, max)
}

func TestEmptyReopen(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	idx, err := Create(ctx, "mem", 3, metric.L2, "vectors", memConnector(store))
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	reopened, err := Open(ctx, "mem", "vectors", metric.L2, memConnector(store))
	require.NoError(t, err)
	defer reopened.Close()

	label, err := reopened.Add(ctx, []float32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, int64(0), label)
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	idx, err := Create(ctx, "mem", 3, metric.L2, "vectors", memConnector(store))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := idx.Add(ctx, []float32{float32(i), 0, 0})
		require.NoError(t, err)
	}
	require.NoError(t, idx.DeleteBatch(ctx, []int64{1, 2}))

	blob, err := idx.Metadata()
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	reopened, err := OpenFromMetadata(ctx, "mem", blob, memConnector(store))
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 3, reopened.Dimension())
	assert.Equal(t, metric.L2, reopened.Metric())
	assert.Equal(t, "vectors", reopened.TableName())

	// Same next-label guarantee as a direct reopen.
	label, err := reopened.Add(ctx, []float32{9, 0, 0})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, label, int64(5))
}

func TestOpenFromStaleMetadataRecoversCounter(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	idx, err := Create(ctx, "mem", 3, metric.L2, "vectors", memConnector(store))
	require.NoError(t, err)
	_, err = idx.Add(ctx, []float32{1, 0, 0})
	require.NoError(t, err)

	stale, err := idx.Metadata()
	require.NoError(t, err)

	// Rows written after the snapshot: the blob now under-reports the
	// counter and must not be trusted over storage.
	var max int64
	for i := 0; i < 4; i++ {
		label, err := idx.Add(ctx, []float32{float32(i), 1, 0})
		require.NoError(t, err)
		if label > max {
			max = label
		}
	}
	require.NoError(t, idx.Close())

	reopened, err := OpenFromMetadata(ctx, "mem", stale, memConnector(store))
	require.NoError(t, err)
	defer reopened.Close()

	label, err := reopened.Add(ctx, []float32{9, 9, 9})
	require.NoError(t, err)
	assert.Greater(t, label, max)
}

func TestOpenFromMetadataCounterFloor(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	idx, err := Create(ctx, "mem", 3, metric.L2, "vectors", memConnector(store))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := idx.Add(ctx, []float32{float32(i), 0, 0})
		require.NoError(t, err)
	}
	blob, err := idx.Metadata()
	require.NoError(t, err)

	// Deleting the highest labels makes a live-row scan under-report; the
	// snapshot keeps the counter above every label ever assigned.
	require.NoError(t, idx.DeleteBatch(ctx, []int64{3, 4}))
	require.NoError(t, idx.Close())

	reopened, err := OpenFromMetadata(ctx, "mem", blob, memConnector(store))
	require.NoError(t, err)
	defer reopened.Close()

	label, err := reopened.Add(ctx, []float32{9, 9, 9})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, label, int64(5))
}

func TestOpenFromMetadataRejectsCorruptBlob(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	idx, err := Create(ctx, "mem", 3, metric.L2, "vectors", memConnector(store))
	require.NoError(t, err)
	blob, err := idx.Metadata()
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	blob[len(blob)-1] ^= 0xFF
	_, err = OpenFromMetadata(ctx, "mem", blob, memConnector(store))
	require.Error(t, err)

	// The dataset itself is untouched; a plain Open still works.
	reopened, err := Open(ctx, "mem", "vectors", metric.L2, memConnector(store))
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

func TestMergeLabelMapping(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	source, err := Create(ctx, "mem", 2, metric.L2, "source", memConnector(store))
	require.NoError(t, err)
	defer source.Close()
	target, err := Create(ctx, "mem", 2, metric.L2, "target", memConnector(store))
	require.NoError(t, err)
	defer target.Close()

	for i := 0; i < 4; i++ {
		_, err := source.Add(ctx, []float32{float32(i), 0})
		require.NoError(t, err)
	}
	require.NoError(t, source.Delete(ctx, 1))

	_, err = target.Add(ctx, []float32{7, 7})
	require.NoError(t, err)
	preExisting := int64(0)

	t.Run("empty live labels is a no-op", func(t *testing.T) {
		mapping, err := target.Merge(ctx, source, nil)
		require.NoError(t, err)
		assert.Empty(t, mapping)
	})

	t.Run("live rows are remapped", func(t *testing.T) {
		mapping, err := target.Merge(ctx, source, []int64{0, 2, 3})
		require.NoError(t, err)
		require.Len(t, mapping, 3)

		seen := map[int64]bool{}
		prev := preExisting
		for _, m := range mapping {
			assert.False(t, seen[m.New], "duplicate new label %d", m.New)
			seen[m.New] = true
			assert.Greater(t, m.New, prev)
			prev = m.New
		}
		assert.ElementsMatch(t, []int64{0, 2, 3},
			[]int64{mapping[0].Old, mapping[1].Old, mapping[2].Old})

		n, err := target.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		// Merged rows carry the source's vectors under their new labels.
		vec, err := target.GetVector(ctx, mapping[1].New)
		require.NoError(t, err)
		assert.Equal(t, []float32{2, 0}, vec)
	})
}

func TestSchemaDerivation(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	external := arrow.NewSchema([]arrow.Field{
		{Name: "embedding", Type: arrow.FixedSizeListOf(128, arrow.PrimitiveTypes.Float32)},
		{Name: "doc_id", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: "title", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	idx, err := CreateFromSchema(ctx, "mem", external, metric.Cosine, "docs", memConnector(store))
	require.NoError(t, err)

	assert.Equal(t, 128, idx.Dimension())
	assert.True(t, idx.HasExtraColumns())
	require.Equal(t, 4, idx.Schema().NumFields())
	assert.Equal(t, engine.LabelColumn, idx.Schema().Field(0).Name)
	assert.Equal(t, "embedding", idx.Schema().Field(1).Name)
	require.NoError(t, idx.Close())

	reopened, err := Open(ctx, "mem", "docs", metric.Cosine, memConnector(store))
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 128, reopened.Dimension())
	assert.True(t, reopened.HasExtraColumns())
}

func TestCreateFromSchemaWithoutVectorColumn(t *testing.T) {
	ctx := context.Background()
	external := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	_, err := CreateFromSchema(ctx, "mem", external, metric.L2, "docs",
		memConnector(blobstore.NewMemoryStore()))
	var sm *ErrSchemaMismatch
	require.ErrorAs(t, err, &sm)
}

func TestDimensionGuard(t *testing.T) {
	ctx := context.Background()
	idx, err := Create(ctx, "mem", 3, metric.L2, "vectors",
		memConnector(blobstore.NewMemoryStore()))
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.Add(ctx, []float32{1, 2, 3})
	require.NoError(t, err)

	_, err = idx.Add(ctx, []float32{1, 2})
	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 3, dm.Expected)
	assert.Equal(t, 2, dm.Actual)

	_, err = idx.Search([]float32{1, 2, 3, 4}).K(1).Execute(ctx)
	require.ErrorAs(t, err, &dm)

	// Failed calls leave the index unchanged.
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAddBatch(t *testing.T) {
	ctx := context.Background()
	idx, err := Create(ctx, "mem", 2, metric.L2, "vectors",
		memConnector(blobstore.NewMemoryStore()))
	require.NoError(t, err)
	defer idx.Close()

	labels, err := idx.AddBatch(ctx, []float32{1, 0, 0, 1, 1, 1}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2}, labels)

	t.Run("size mismatch", func(t *testing.T) {
		_, err := idx.AddBatch(ctx, []float32{1, 0, 0}, 2)
		var sm *ErrSizeMismatch
		require.ErrorAs(t, err, &sm)
		assert.Equal(t, 4, sm.Expected)
		assert.Equal(t, 3, sm.Actual)

		n, err := idx.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("zero count", func(t *testing.T) {
		labels, err := idx.AddBatch(ctx, nil, 0)
		require.NoError(t, err)
		assert.Empty(t, labels)
	})
}

func TestAddPayload(t *testing.T) {
	ctx := context.Background()
	mem := memory.DefaultAllocator

	// External layout names the list element differently than storage does;
	// the import path has to reconcile that by cast, not reject it.
	vecType := arrow.FixedSizeListOfField(2, arrow.Field{Name: "", Type: arrow.PrimitiveTypes.Float32, Nullable: true})
	external := arrow.NewSchema([]arrow.Field{
		{Name: "embedding", Type: vecType},
		{Name: "tag", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	idx, err := CreateFromSchema(ctx, "mem", external, metric.L2, "docs",
		memConnector(blobstore.NewMemoryStore()))
	require.NoError(t, err)
	defer idx.Close()

	buildPayload := func(vectors [][]float32, tags []string) *exchange.Payload {
		sb := array.NewStructBuilder(mem, arrow.StructOf(external.Fields()...))
		defer sb.Release()
		vb := sb.FieldBuilder(0).(*array.FixedSizeListBuilder)
		fb := vb.ValueBuilder().(*array.Float32Builder)
		tb := sb.FieldBuilder(1).(*array.StringBuilder)
		for i, v := range vectors {
			sb.Append(true)
			vb.Append(true)
			fb.AppendValues(v, nil)
			tb.Append(tags[i])
		}
		arr := sb.NewArray()
		return exchange.NewPayload(arr)
	}

	t.Run("rows are ingested with fresh labels", func(t *testing.T) {
		p := buildPayload([][]float32{{1, 0}, {0, 1}}, []string{"a", "b"})
		defer p.Release()

		labels, err := idx.AddPayload(ctx, external, p)
		require.NoError(t, err)
		assert.Equal(t, []int64{0, 1}, labels)
		assert.True(t, p.Taken())

		vec, err := idx.GetVector(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 1}, vec)
	})

	t.Run("zero rows is an empty result", func(t *testing.T) {
		p := buildPayload(nil, nil)
		defer p.Release()

		labels, err := idx.AddPayload(ctx, external, p)
		require.NoError(t, err)
		assert.Empty(t, labels)
	})
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	idx, err := Create(ctx, "mem", 3, metric.L2, "vectors",
		memConnector(blobstore.NewMemoryStore()))
	require.NoError(t, err)
	defer idx.Close()

	for i := 0; i < 5; i++ {
		_, err := idx.Add(ctx, []float32{float32(i), 0, 0})
		require.NoError(t, err)
	}

	matches, err := idx.Search([]float32{0.4, 0, 0}).K(2).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(0), matches[0].Label)
	assert.Equal(t, int64(1), matches[1].Label)
	assert.LessOrEqual(t, matches[0].Distance, matches[1].Distance)

	t.Run("k larger than row count", func(t *testing.T) {
		matches, err := idx.Search([]float32{0, 0, 0}).K(100).Execute(ctx)
		require.NoError(t, err)
		assert.Len(t, matches, 5)
	})

	t.Run("invalid k", func(t *testing.T) {
		_, err := idx.Search([]float32{0, 0, 0}).K(0).Execute(ctx)
		require.ErrorIs(t, err, ErrInvalidK)
	})
}

func TestGetVector(t *testing.T) {
	ctx := context.Background()
	idx, err := Create(ctx, "mem", 2, metric.L2, "vectors",
		memConnector(blobstore.NewMemoryStore()))
	require.NoError(t, err)
	defer idx.Close()

	label, err := idx.Add(ctx, []float32{3, 4})
	require.NoError(t, err)

	vec, err := idx.GetVector(ctx, label)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, vec)

	_, err = idx.GetVector(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)

	// Tombstoned labels are gone too.
	require.NoError(t, idx.Delete(ctx, label))
	_, err = idx.GetVector(ctx, label)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetAllVectors(t *testing.T) {
	ctx := context.Background()
	idx, err := Create(ctx, "mem", 2, metric.L2, "vectors",
		memConnector(blobstore.NewMemoryStore()))
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.AddBatch(ctx, []float32{1, 0, 0, 1, 1, 1}, 3)
	require.NoError(t, err)
	require.NoError(t, idx.Delete(ctx, 1))

	labels, flat, err := idx.GetAllVectors(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{0, 2}, labels)
	assert.Len(t, flat, 4)
}

func TestIndexBuildAndCompact(t *testing.T) {
	ctx := context.Background()
	idx, err := Create(ctx, "mem", 2, metric.L2, "vectors",
		memConnector(blobstore.NewMemoryStore()))
	require.NoError(t, err)
	defer idx.Close()

	for i := 0; i < 20; i++ {
		_, err := idx.Add(ctx, []float32{float32(i % 5), float32(i / 5)})
		require.NoError(t, err)
	}

	require.NoError(t, idx.BuildIVFPQ(ctx, 4, 0))
	require.NoError(t, idx.DeleteBatch(ctx, []int64{0, 1, 2}))
	require.NoError(t, idx.Compact(ctx))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)

	matches, err := idx.Search([]float32{3, 0}).K(1).NProbes(2).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(3), matches[0].Label)

	// Index builds are repeatable and the HNSW flavor is accepted.
	require.NoError(t, idx.BuildHNSW(ctx, 16, 100))
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	idx, err := Create(ctx, "mem", 2, metric.L2, "vectors",
		memConnector(blobstore.NewMemoryStore()))
	require.NoError(t, err)

	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	_, err = idx.Add(ctx, []float32{1, 2})
	require.ErrorIs(t, err, ErrNotOpen)
	_, err = idx.Count(ctx)
	require.ErrorIs(t, err, ErrNotOpen)
	_, err = idx.Search([]float32{1, 2}).K(1).Execute(ctx)
	require.ErrorIs(t, err, ErrNotOpen)
	require.ErrorIs(t, idx.Compact(ctx), ErrNotOpen)
	_, err = idx.Metadata()
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := Create(ctx, dir, 3, metric.L2, "vectors")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		label, err := idx.Add(ctx, []float32{float32(i), 0, 0})
		require.NoError(t, err)
		assert.Equal(t, int64(i), label)
	}
	require.NoError(t, idx.DeleteBatch(ctx, []int64{1, 2}))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	matches, err := idx.Search([]float32{0, 0, 0}).K(2).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(0), matches[0].Label)

	require.NoError(t, idx.Close())

	reopened, err := Open(ctx, dir, "vectors", metric.L2)
	require.NoError(t, err)
	defer reopened.Close()

	label, err := reopened.Add(ctx, []float32{99, 0, 0})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, label, int64(5))
}

// countingAllocator and countingCodec observe whether the bundled engine
// inherited the index options, without changing behavior.
type countingAllocator struct {
	memory.Allocator
	allocs atomic.Int64
}

func (a *countingAllocator) Allocate(size int) []byte {
	a.allocs.Add(1)
	return a.Allocator.Allocate(size)
}

func (a *countingAllocator) Reallocate(size int, b []byte) []byte {
	a.allocs.Add(1)
	return a.Allocator.Reallocate(size, b)
}

type countingCodec struct {
	codec.Codec
	marshals atomic.Int64
}

func (c *countingCodec) Marshal(v any) ([]byte, error) {
	c.marshals.Add(1)
	return c.Codec.Marshal(v)
}

func TestDefaultConnectorSharesOptions(t *testing.T) {
	ctx := context.Background()
	mem := &countingAllocator{Allocator: memory.DefaultAllocator}
	cc := &countingCodec{Codec: codec.JSON{}}

	idx, err := Create(ctx, t.TempDir(), 2, metric.L2, "vectors",
		WithAllocator(mem), WithCodec(cc))
	require.NoError(t, err)
	defer idx.Close()

	// Creating the table writes the manifest through the engine, which is
	// the only codec user up to this point.
	assert.Positive(t, cc.marshals.Load())

	_, err = idx.AddBatch(ctx, []float32{1, 0, 0, 1}, 2)
	require.NoError(t, err)

	// Searching decodes segments inside the engine; the index itself does
	// not allocate on this path, so new allocations prove the engine uses
	// the configured allocator.
	before := mem.allocs.Load()
	matches, err := idx.Search([]float32{1, 0}).K(1).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Greater(t, mem.allocs.Load(), before)
}
