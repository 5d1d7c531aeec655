package lancevec

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/decisiongraph/lancevec/engine"
)

// Match is one search result: a row label and its distance to the query.
type Match struct {
	Label    int64
	Distance float32
}

// Search creates a new fluent search builder for the given query vector.
//
// Example:
//
//	matches, err := idx.Search(query).
//	    K(10).
//	    NProbes(20).
//	    Execute(ctx)
func (idx *Index) Search(query []float32) *SearchQuery {
	return &SearchQuery{
		idx:   idx,
		query: query,
		k:     10, // Default k
	}
}

// SearchQuery is a fluent builder for constructing search queries.
type SearchQuery struct {
	idx          *Index
	query        []float32
	k            int
	nprobes      int
	refineFactor int
}

// K sets the maximum number of results to return.
func (q *SearchQuery) K(k int) *SearchQuery {
	q.k = k
	return q
}

// NProbes sets the number of index partitions scanned. 0 selects an
// engine-chosen default. Ignored when no approximate index exists.
func (q *SearchQuery) NProbes(n int) *SearchQuery {
	q.nprobes = n
	return q
}

// RefineFactor re-ranks k*factor approximate candidates exactly before
// truncation. 0 disables re-ranking. Engines computing exact distances may
// ignore it.
func (q *SearchQuery) RefineFactor(factor int) *SearchQuery {
	q.refineFactor = factor
	return q
}

// Execute runs the search and returns up to K matches in the order the
// engine produced them: ascending distance, with no guarantee of stable
// ordering between equal distances.
//
// A stream read error aborts the whole call; no partial results are
// returned.
func (q *SearchQuery) Execute(ctx context.Context) ([]Match, error) {
	start := time.Now()
	matches, err := q.idx.search(ctx, q)
	q.idx.opts.metrics.RecordSearch(q.k, time.Since(start), err)
	q.idx.opts.logger.LogSearch(q.k, len(matches), time.Since(start), err)
	if err != nil {
		return nil, translateError("search", err)
	}
	return matches, nil
}

func (idx *Index) search(ctx context.Context, q *SearchQuery) ([]Match, error) {
	if idx.closed.Load() {
		return nil, ErrNotOpen
	}
	if q.k <= 0 {
		return nil, ErrInvalidK
	}
	if len(q.query) != idx.dim {
		return nil, &ErrDimensionMismatch{Expected: idx.dim, Actual: len(q.query)}
	}

	var stream engine.RecordStream
	err := idx.run(ctx, func() error {
		var serr error
		stream, serr = idx.table.VectorSearch(ctx, engine.VectorQuery{
			Query:        q.query,
			K:            q.k,
			Metric:       idx.metric,
			NProbes:      q.nprobes,
			RefineFactor: q.refineFactor,
		})
		return serr
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var matches []Match
	for {
		var rec arrow.Record
		err := idx.run(ctx, func() error {
			var nerr error
			rec, nerr = stream.Next(ctx)
			return nerr
		})
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		labelIdx := rec.Schema().FieldIndices(engine.LabelColumn)
		distIdx := rec.Schema().FieldIndices(engine.DistanceColumn)
		if len(labelIdx) == 0 || len(distIdx) == 0 {
			rec.Release()
			return nil, &ErrSchemaMismatch{Column: -1, Reason: "search result missing label or distance column"}
		}
		labels := rec.Column(labelIdx[0]).(*array.Int64)
		dists := rec.Column(distIdx[0]).(*array.Float32)
		for r := 0; r < labels.Len(); r++ {
			matches = append(matches, Match{Label: labels.Value(r), Distance: dists.Value(r)})
		}
		rec.Release()
	}

	if len(matches) > q.k {
		matches = matches[:q.k]
	}
	return matches, nil
}
