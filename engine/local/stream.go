package local

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
)

// sliceStream adapts a materialized slice of records to engine.RecordStream.
// Ownership of each record passes to the caller as it is yielded; Close
// releases whatever was not consumed.
type sliceStream struct {
	recs []arrow.Record
	pos  int
}

func newSliceStream(recs []arrow.Record) *sliceStream {
	return &sliceStream{recs: recs}
}

func (s *sliceStream) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.recs) {
		return nil, io.EOF
	}
	rec := s.recs[s.pos]
	s.recs[s.pos] = nil
	s.pos++
	return rec, nil
}

func (s *sliceStream) Close() error {
	for ; s.pos < len(s.recs); s.pos++ {
		if s.recs[s.pos] != nil {
			s.recs[s.pos].Release()
		}
	}
	return nil
}
