package cohort

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ReduceOp selects how AllReduce combines contributions.
type ReduceOp string

const (
	// ReduceSum sums contributions across ranks.
	ReduceSum ReduceOp = "sum"

	// ReduceMean sums contributions then divides by world size.
	ReduceMean ReduceOp = "mean"

	// ReduceMax takes the element-wise maximum across ranks.
	ReduceMax ReduceOp = "max"
)

// DefaultJoinTimeout bounds how long Join waits for all ranks to arrive.
const DefaultJoinTimeout = 30 * time.Second

// CollectiveOptions configures collective formation.
type CollectiveOptions struct {
	// JoinTimeout bounds how long Join waits for the full group.
	// Zero uses DefaultJoinTimeout.
	JoinTimeout time.Duration
}

// Collective is the communication group for one worker group.
//
// Ranks are assigned from placements in order, so placements produced by
// Pool.Allocate yield node-major rank assignment. Every primitive is a total
// barrier: no rank returns until every rank has contributed to the round.
// All methods are safe for concurrent use by distinct ranks.
type Collective struct {
	worldSize   int
	joinTimeout time.Duration
	contexts    []WorkerContext

	mu     sync.Mutex
	joined []bool
	seq    map[string][]uint64
	rounds map[roundKey]*round

	allJoined chan struct{}
	joinCount int

	closeOnce sync.Once
	closed    chan struct{}
}

type roundKey struct {
	op  string
	seq uint64
}

type round struct {
	payloads []any
	arrived  int
	done     chan struct{}
}

// NewCollective creates a collective over the given placements.
//
// World size equals len(placements); rank r receives placements[r]'s node,
// local ordinal, and device as its WorkerContext.
func NewCollective(placements []Placement, opts CollectiveOptions) (*Collective, error) {
	if len(placements) == 0 {
		return nil, &SpecError{Field: "placements", Message: "at least one placement is required"}
	}
	joinTimeout := opts.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}

	contexts := make([]WorkerContext, len(placements))
	for rank, pl := range placements {
		contexts[rank] = WorkerContext{
			WorldRank: rank,
			LocalRank: pl.LocalOrdinal,
			NodeRank:  pl.NodeIndex,
			WorldSize: len(placements),
			Device:    pl.Device,
		}
	}

	return &Collective{
		worldSize:   len(placements),
		joinTimeout: joinTimeout,
		contexts:    contexts,
		joined:      make([]bool, len(placements)),
		seq:         make(map[string][]uint64),
		rounds:      make(map[roundKey]*round),
		allJoined:   make(chan struct{}),
		closed:      make(chan struct{}),
	}, nil
}

// WorldSize returns the number of ranks in the collective.
func (c *Collective) WorldSize() int {
	return c.worldSize
}

// Context returns the WorkerContext for a rank.
func (c *Collective) Context(rank int) (WorkerContext, error) {
	if rank < 0 || rank >= c.worldSize {
		return WorkerContext{}, &CollectiveError{Op: "Context", Rank: rank, Err: errRankOutOfRange}
	}
	return c.contexts[rank], nil
}

// Join registers the rank and blocks until every rank has joined.
//
// If any rank fails to join within the join timeout, the collective is torn
// down and every joiner fails with ErrCollectiveSetupTimeout; no partial
// collective survives.
func (c *Collective) Join(ctx context.Context, rank int) (WorkerContext, error) {
	if rank < 0 || rank >= c.worldSize {
		return WorkerContext{}, &CollectiveError{Op: "Join", Rank: rank, Err: errRankOutOfRange}
	}

	c.mu.Lock()
	if c.joined[rank] {
		c.mu.Unlock()
		return WorkerContext{}, &CollectiveError{Op: "Join", Rank: rank, Err: errDuplicateJoin}
	}
	c.joined[rank] = true
	c.joinCount++
	if c.joinCount == c.worldSize {
		close(c.allJoined)
	}
	c.mu.Unlock()

	timer := time.NewTimer(c.joinTimeout)
	defer timer.Stop()

	select {
	case <-c.allJoined:
		return c.contexts[rank], nil
	case <-timer.C:
		c.Close()
		return WorkerContext{}, &CollectiveError{Op: "Join", Rank: rank, Err: ErrCollectiveSetupTimeout}
	case <-c.closed:
		return WorkerContext{}, &CollectiveError{Op: "Join", Rank: rank, Err: ErrCollectiveSetupTimeout}
	case <-ctx.Done():
		c.Close()
		return WorkerContext{}, &CollectiveError{Op: "Join", Rank: rank, Err: ctx.Err()}
	}
}

// Barrier blocks until every rank has reached the same barrier call.
func (c *Collective) Barrier(ctx context.Context, rank int) error {
	_, err := c.exchange(ctx, "Barrier", rank, nil)
	return err
}

// AllReduce combines vec element-wise across all ranks and returns the
// combined vector, identical on every rank.
//
// Contributions are accumulated in rank order so results are deterministic.
// Ranks disagreeing on vector length all fail with ErrSyncMismatch.
func (c *Collective) AllReduce(ctx context.Context, rank int, vec []float64, op ReduceOp) ([]float64, error) {
	payloads, err := c.exchange(ctx, "AllReduce", rank, vec)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float64, len(payloads))
	for r, p := range payloads {
		v, _ := p.([]float64)
		if len(v) != len(vec) {
			return nil, &CollectiveError{Op: "AllReduce", Rank: rank, Err: ErrSyncMismatch}
		}
		vectors[r] = v
	}

	out := make([]float64, len(vec))
	switch op {
	case ReduceMax:
		copy(out, vectors[0])
		for _, v := range vectors[1:] {
			for i, x := range v {
				if x > out[i] {
					out[i] = x
				}
			}
		}
	case ReduceSum, ReduceMean:
		for _, v := range vectors {
			for i, x := range v {
				out[i] += x
			}
		}
		if op == ReduceMean {
			n := float64(c.worldSize)
			for i := range out {
				out[i] /= n
			}
		}
	default:
		return nil, &CollectiveError{Op: "AllReduce", Rank: rank, Err: errUnknownReduceOp}
	}
	return out, nil
}

// Broadcast distributes root's vector to every rank. Non-root contributions
// are ignored; every rank receives a copy of root's vector.
func (c *Collective) Broadcast(ctx context.Context, root, rank int, vec []float64) ([]float64, error) {
	if root < 0 || root >= c.worldSize {
		return nil, &CollectiveError{Op: "Broadcast", Rank: rank, Err: errRankOutOfRange}
	}
	payloads, err := c.exchange(ctx, "Broadcast", rank, vec)
	if err != nil {
		return nil, err
	}
	src, _ := payloads[root].([]float64)
	out := make([]float64, len(src))
	copy(out, src)
	return out, nil
}

// AllGatherBytes collects one opaque payload per rank and returns them in
// rank order, identical on every rank. Structural fingerprint comparison
// builds on this.
func (c *Collective) AllGatherBytes(ctx context.Context, rank int, payload []byte) ([][]byte, error) {
	payloads, err := c.exchange(ctx, "AllGatherBytes", rank, payload)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(payloads))
	for r, p := range payloads {
		b, _ := p.([]byte)
		out[r] = append([]byte(nil), b...)
	}
	return out, nil
}

// Close tears the collective down. Pending and future operations fail with
// ErrCollectiveClosed (Join fails with ErrCollectiveSetupTimeout). Close is
// idempotent.
func (c *Collective) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// Closed reports whether the collective has been torn down.
func (c *Collective) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// exchange is the rendezvous primitive under every collective operation.
//
// Each rank's nth call to an op joins the same round; the round completes
// when all ranks have contributed. Returned payloads are indexed by rank.
func (c *Collective) exchange(ctx context.Context, op string, rank int, payload any) ([]any, error) {
	if rank < 0 || rank >= c.worldSize {
		return nil, &CollectiveError{Op: op, Rank: rank, Err: errRankOutOfRange}
	}
	if c.Closed() {
		return nil, &CollectiveError{Op: op, Rank: rank, Err: ErrCollectiveClosed}
	}

	c.mu.Lock()
	seqs, ok := c.seq[op]
	if !ok {
		seqs = make([]uint64, c.worldSize)
		c.seq[op] = seqs
	}
	key := roundKey{op: op, seq: seqs[rank]}
	seqs[rank]++

	r, ok := c.rounds[key]
	if !ok {
		r = &round{payloads: make([]any, c.worldSize), done: make(chan struct{})}
		c.rounds[key] = r
	}
	r.payloads[rank] = payload
	r.arrived++
	if r.arrived == c.worldSize {
		delete(c.rounds, key)
		close(r.done)
	}
	c.mu.Unlock()

	select {
	case <-r.done:
		return r.payloads, nil
	case <-c.closed:
		return nil, &CollectiveError{Op: op, Rank: rank, Err: ErrCollectiveClosed}
	case <-ctx.Done():
		return nil, &CollectiveError{Op: op, Rank: rank, Err: ctx.Err()}
	}
}

var (
	errRankOutOfRange  = errors.New("rank out of range")
	errDuplicateJoin   = errors.New("rank already joined")
	errUnknownReduceOp = errors.New("unknown reduce op")
)
