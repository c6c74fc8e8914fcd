package semindex

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/viant/vec/search"
)

// magnitude returns the L2 norm of a vector via the SIMD kernel.
func magnitude(v []float32) float32 {
	return search.Float32s(v).Magnitude()
}

// cosineSimilarity scores candidate against the query vector. Callers
// must reject zero-magnitude queries first. Mismatched dimensions score
// zero rather than erroring: they can only appear with mixed
// descriptors, which retrieval refuses before searching.
func cosineSimilarity(query, candidate []float32) float32 {
	if len(query) != len(candidate) {
		return 0
	}
	if search.Float32s(candidate).Magnitude() == 0 {
		return 0
	}
	dist := search.Float32s(query).CosineDistance(candidate)
	return 1 - dist
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes little-endian bytes into the provided
// buffer, reusing it to avoid per-row allocations during search scans.
// Returns an error if the byte slice length is not a multiple of 4
// (indicates data corruption).
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// matchHeap keeps the best k matches seen so far. It is a min-heap on
// match quality: equal scores rank the later created_at as worse, so
// ties resolve to the earliest item.
type matchHeap struct {
	items []Match
	k     int
}

func newMatchHeap(k int) *matchHeap {
	h := &matchHeap{k: k}
	heap.Init(h)
	return h
}

// better reports whether a outranks b in final result order.
func better(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (h *matchHeap) Len() int           { return len(h.items) }
func (h *matchHeap) Less(i, j int) bool { return better(h.items[j], h.items[i]) }
func (h *matchHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *matchHeap) Push(x any)         { h.items = append(h.items, x.(Match)) }
func (h *matchHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// offer considers a candidate, keeping it only if it beats the current
// worst of a full heap.
func (h *matchHeap) offer(m Match) {
	if h.Len() < h.k {
		heap.Push(h, m)
		return
	}
	if better(m, h.items[0]) {
		h.items[0] = m
		heap.Fix(h, 0)
	}
}

// sorted drains the heap into descending result order.
func (h *matchHeap) sorted() []Match {
	if h.Len() == 0 {
		return nil
	}
	out := make([]Match, h.Len())
	copy(out, h.items)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}
