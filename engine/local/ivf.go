package local

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/decisiongraph/lancevec/metric"
)

// vectorIndex is the in-memory side of an IVF partition index: trained
// centroids plus a label-to-cell assignment. The centroids are persisted;
// assignments are rebuilt by one scan after reopen.
type vectorIndex struct {
	kind   string
	metric metric.Kind
	dim    int
	k      int
	// centroids is k*dim, row-major.
	centroids []float32

	mu    sync.RWMutex
	cells map[int64]int // nil until assignments are known
}

const (
	defaultMaxPartitions = 256
	kmeansMaxIter        = 25
)

// newTrainRand seeds the k-means initializer. A fixed seed keeps index
// builds reproducible across runs on the same data.
func newTrainRand() *rand.Rand {
	return rand.New(rand.NewSource(1))
}

// defaultPartitions picks sqrt(n) cells, clamped to a sane range.
func defaultPartitions(n int) int {
	k := int(math.Sqrt(float64(n)))
	if k < 1 {
		k = 1
	}
	if k > defaultMaxPartitions {
		k = defaultMaxPartitions
	}
	return k
}

// trainKMeans trains k centroids over the flattened vectors using Lloyd's
// algorithm and returns them flattened (k*dim) along with per-row
// assignments.
func trainKMeans(vectors []float32, dim, k int, m metric.Kind, rng *rand.Rand) ([]float32, []int) {
	n := len(vectors) / dim
	if k > n {
		k = n
	}

	centroids := make([]float32, k*dim)
	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i]*dim:(perm[i]+1)*dim])
	}

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < kmeansMaxIter; iter++ {
		changed := false

		for i := 0; i < n; i++ {
			vec := vectors[i*dim : (i+1)*dim]
			best := nearestCentroid(vec, centroids, dim, m)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		if !changed && iter > 0 {
			break
		}

		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i := 0; i < n; i++ {
			c := assignments[i]
			vec := vectors[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[c*dim+d] += vec[d]
			}
			counts[c]++
		}

		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				scale := 1 / float32(counts[j])
				for d := 0; d < dim; d++ {
					centroids[j*dim+d] = sums[j*dim+d] * scale
				}
			} else {
				// Re-seed an empty cluster from a random point.
				idx := rng.Intn(n)
				copy(centroids[j*dim:(j+1)*dim], vectors[idx*dim:(idx+1)*dim])
			}
		}
	}

	return centroids, assignments
}

func nearestCentroid(vec, centroids []float32, dim int, m metric.Kind) int {
	k := len(centroids) / dim
	best := 0
	minDist := float32(math.MaxFloat32)
	for j := 0; j < k; j++ {
		d := m.Distance(vec, centroids[j*dim:(j+1)*dim])
		if d < minDist {
			minDist = d
			best = j
		}
	}
	return best
}

// nearestCells returns the indices of the nprobe centroids closest to vec.
func (ix *vectorIndex) nearestCells(vec []float32, nprobe int) map[int]struct{} {
	type cd struct {
		cell int
		dist float32
	}
	dists := make([]cd, ix.k)
	for j := 0; j < ix.k; j++ {
		dists[j] = cd{cell: j, dist: ix.metric.Distance(vec, ix.centroids[j*ix.dim:(j+1)*ix.dim])}
	}
	for i := 1; i < len(dists); i++ {
		for j := i; j > 0 && dists[j].dist < dists[j-1].dist; j-- {
			dists[j], dists[j-1] = dists[j-1], dists[j]
		}
	}

	probed := make(map[int]struct{}, nprobe)
	for i := 0; i < nprobe && i < len(dists); i++ {
		probed[dists[i].cell] = struct{}{}
	}
	return probed
}

func (ix *vectorIndex) assign(label int64, vec []float32) {
	cell := nearestCentroid(vec, ix.centroids, ix.dim, ix.metric)
	ix.mu.Lock()
	if ix.cells == nil {
		ix.cells = make(map[int64]int)
	}
	ix.cells[label] = cell
	ix.mu.Unlock()
}

func (ix *vectorIndex) cellOf(label int64) (int, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.cells == nil {
		return 0, false
	}
	c, ok := ix.cells[label]
	return c, ok
}

func (ix *vectorIndex) hasAssignments() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.cells != nil
}

// Centroid blob layout: magic, uint32 dim, uint32 k, k*dim float32 LE,
// 8-byte xxhash64 of everything before it.
var centroidMagic = [4]byte{'L', 'V', 'C', 'X'}

func encodeCentroids(centroids []float32, dim, k int) []byte {
	var buf bytes.Buffer
	buf.Write(centroidMagic[:])
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(dim))
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(k))
	buf.Write(u32[:])
	for _, v := range centroids {
		binary.LittleEndian.PutUint32(u32[:], math.Float32bits(v))
		buf.Write(u32[:])
	}
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], xxhash.Sum64(buf.Bytes()))
	buf.Write(sum[:])
	return buf.Bytes()
}

func decodeCentroids(data []byte) ([]float32, int, int, error) {
	if len(data) < 4+4+4+8 || !bytes.Equal(data[:4], centroidMagic[:]) {
		return nil, 0, 0, fmt.Errorf("local: not a centroid blob")
	}
	body, sum := data[:len(data)-8], data[len(data)-8:]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(sum) {
		return nil, 0, 0, fmt.Errorf("local: centroid checksum mismatch")
	}

	dim := int(binary.LittleEndian.Uint32(body[4:8]))
	k := int(binary.LittleEndian.Uint32(body[8:12]))
	want := 12 + dim*k*4
	if len(body) != want {
		return nil, 0, 0, fmt.Errorf("local: centroid blob truncated")
	}

	centroids := make([]float32, dim*k)
	for i := range centroids {
		centroids[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[12+i*4 : 16+i*4]))
	}
	return centroids, dim, k, nil
}
