package knowledge

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when a vector does not match the index
// dimensionality.
var ErrDimensionMismatch = errors.New("knowledge: vector dimension mismatch")

// Filter restricts a nearest-neighbor search to chunks whose metadata
// contains every key/value pair in Metadata.
type Filter struct {
	Metadata map[string]any
}

// ActiveOnly matches chunks flagged is_active=true.
func ActiveOnly() Filter {
	return Filter{Metadata: map[string]any{"is_active": true}}
}

func (f Filter) matches(meta map[string]any) bool {
	for k, want := range f.Metadata {
		got, ok := meta[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// cosineDistance returns 1 - cosine similarity, matching pgvector's <=>.
// ok is false when either vector has zero norm.
func cosineDistance(a, b []float32) (float64, bool) {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB)), true
}
