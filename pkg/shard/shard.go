// Package shard assigns each worker a disjoint view of a training dataset.
//
// Shard assignment is a pure function of (dataset size, world size, rank),
// so re-running with the same inputs reproduces the same partition on every
// worker without coordination. Epoch shuffling derives its permutation seed
// from a canonical hash of (seed, epoch), keeping orders reproducible per
// epoch and identical across ranks.
package shard

import (
	"fmt"
)

// Range is a half-open interval [Start, End) of dataset indices.
type Range struct {
	Start int
	End   int
}

// Len returns the number of indices in the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// Plan partitions datasetSize indices across worldSize ranks.
//
// Ranks receive contiguous ranges in rank order. When datasetSize is not
// evenly divisible, the remainder goes to the lowest ranks, one extra index
// each. The union of all ranges is exactly [0, datasetSize) with no overlap.
func Plan(datasetSize, worldSize int) ([]Range, error) {
	if datasetSize < 0 {
		return nil, fmt.Errorf("dataset size must be >= 0, got %d", datasetSize)
	}
	if worldSize < 1 {
		return nil, fmt.Errorf("world size must be >= 1, got %d", worldSize)
	}

	base := datasetSize / worldSize
	remainder := datasetSize % worldSize

	ranges := make([]Range, worldSize)
	start := 0
	for rank := 0; rank < worldSize; rank++ {
		size := base
		if rank < remainder {
			size++
		}
		ranges[rank] = Range{Start: start, End: start + size}
		start += size
	}
	return ranges, nil
}

// ForRank returns the single range assigned to rank.
func ForRank(datasetSize, worldSize, rank int) (Range, error) {
	if rank < 0 || rank >= worldSize {
		return Range{}, fmt.Errorf("rank %d out of range [0, %d)", rank, worldSize)
	}
	ranges, err := Plan(datasetSize, worldSize)
	if err != nil {
		return Range{}, err
	}
	return ranges[rank], nil
}
