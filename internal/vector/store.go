package vector

import (
	"sort"

	"github.com/hyperjump/teian/internal/models"
	"github.com/hyperjump/teian/pkg/utils"
)

// Record is one stored chunk. ID equals the record's insertion position.
type Record struct {
	ID    uint64
	Chunk models.Chunk
}

// flatStore keeps unit vectors and their records in insertion order and scores
// them by brute-force inner product. vectors[i] always belongs to records[i].
type flatStore struct {
	dimension int
	vectors   [][]float32
	records   []Record
}

func (s *flatStore) len() int {
	return len(s.records)
}

// appended returns a new store holding s followed by vecs and recs. s is not modified;
// the three-index slices force a copy so s keeps its own backing arrays.
func (s *flatStore) appended(dimension int, vecs [][]float32, recs []Record) *flatStore {
	n := len(s.vectors)
	return &flatStore{
		dimension: dimension,
		vectors:   append(s.vectors[:n:n], vecs...),
		records:   append(s.records[:n:n], recs...),
	}
}

type hit struct {
	pos   int
	score float64
}

// search scores every vector against query and returns the best k, highest first.
// Equal scores keep insertion order.
func (s *flatStore) search(query []float32, k int) []hit {
	hits := make([]hit, len(s.vectors))
	for i, vec := range s.vectors {
		hits[i] = hit{pos: i, score: utils.Dot(query, vec)}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k]
}

// normalized returns a unit-length copy of v.
func normalized(v []float32) ([]float32, bool) {
	out := make([]float32, len(v))
	copy(out, v)
	if !utils.NormalizeL2(out) {
		return nil, false
	}
	return out, true
}
