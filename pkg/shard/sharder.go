package shard

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
)

// Config configures a Sharder.
type Config struct {
	// DatasetSize is the number of items in the logical dataset.
	DatasetSize int

	// WorldSize is the number of workers sharing the dataset.
	WorldSize int

	// Rank is this worker's world rank.
	Rank int

	// Shuffle permutes the dataset order per epoch. When false the
	// identity order is preserved and SetEpoch has no effect.
	Shuffle bool

	// Seed is the base shuffle seed shared by all ranks.
	Seed int64
}

// Validate checks the config for structural errors.
func (c Config) Validate() error {
	if c.DatasetSize < 0 {
		return fmt.Errorf("dataset size must be >= 0, got %d", c.DatasetSize)
	}
	if c.WorldSize < 1 {
		return fmt.Errorf("world size must be >= 1, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("rank %d out of range [0, %d)", c.Rank, c.WorldSize)
	}
	return nil
}

// Sharder yields one rank's index sequence for the current epoch.
//
// All ranks construct the identical epoch permutation (same seed, same
// epoch), then each takes its contiguous slice, so shards stay disjoint
// while orders change between epochs. Sharder is not safe for concurrent
// use; each worker owns its own.
type Sharder struct {
	cfg   Config
	epoch int64
}

// NewSharder creates a sharder for one rank.
func NewSharder(cfg Config) (*Sharder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sharder{cfg: cfg}, nil
}

// SetEpoch reseeds the shuffle order for the given epoch.
//
// Calling SetEpoch with the same epoch reproduces the same order; different
// epochs yield different orders. Call it before iterating each epoch.
func (s *Sharder) SetEpoch(epoch int) {
	s.epoch = int64(epoch)
}

// Epoch returns the current epoch.
func (s *Sharder) Epoch() int {
	return int(s.epoch)
}

// Len returns the number of indices in this rank's shard.
func (s *Sharder) Len() int {
	r, _ := ForRank(s.cfg.DatasetSize, s.cfg.WorldSize, s.cfg.Rank)
	return r.Len()
}

// Indices returns this rank's dataset indices for the current epoch.
//
// Without shuffling this is the rank's contiguous range. With shuffling it
// is the rank's slice of the epoch permutation.
func (s *Sharder) Indices() []int {
	r, _ := ForRank(s.cfg.DatasetSize, s.cfg.WorldSize, s.cfg.Rank)

	if !s.cfg.Shuffle {
		out := make([]int, 0, r.Len())
		for i := r.Start; i < r.End; i++ {
			out = append(out, i)
		}
		return out
	}

	perm := epochPermutation(s.cfg.DatasetSize, s.cfg.Seed, s.epoch)
	out := make([]int, r.Len())
	copy(out, perm[r.Start:r.End])
	return out
}

// shufflePayload is the canonical input to the epoch seed hash.
type shufflePayload struct {
	Seed  int64 `json:"seed"`
	Epoch int64 `json:"epoch"`
}

// epochSeed derives the permutation seed for (seed, epoch).
//
// The derivation hashes a canonical JSON payload so the mapping is stable
// across runs and platforms.
func epochSeed(seed, epoch int64) int64 {
	b, err := json.Marshal(shufflePayload{Seed: seed, Epoch: epoch})
	if err != nil {
		// Payload is two integers; marshal cannot fail.
		panic(fmt.Sprintf("marshal shuffle payload: %v", err))
	}
	sum := sha256.Sum256(b)
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// epochPermutation returns the shared permutation of [0, datasetSize) for
// (seed, epoch). Every rank computes the identical slice.
func epochPermutation(datasetSize int, seed, epoch int64) []int {
	rng := rand.New(rand.NewSource(epochSeed(seed, epoch)))
	return rng.Perm(datasetSize)
}
