package upstream

import (
	"fmt"
	"math"
)

// ValidateEmbeddings checks that every vector shares one dimension and that
// no vector is NaN-poisoned or all-zero. Mismatches are validation failures,
// not transient errors: callers proceed without retrieval.
func ValidateEmbeddings(vectors [][]float32) error {
	if len(vectors) == 0 {
		return fmt.Errorf("%w: empty response", ErrEmbeddingInvalid)
	}

	dim := len(vectors[0])
	if dim == 0 {
		return fmt.Errorf("%w: zero-dimension vector", ErrEmbeddingInvalid)
	}

	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has dimension %d, expected %d", ErrEmbeddingInvalid, i, len(v), dim)
		}
		zero := true
		for _, x := range v {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return fmt.Errorf("%w: vector %d contains NaN/Inf", ErrEmbeddingInvalid, i)
			}
			if x != 0 {
				zero = false
			}
		}
		if zero {
			return fmt.Errorf("%w: vector %d is all zeros", ErrEmbeddingInvalid, i)
		}
	}
	return nil
}
