package cohort

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
)

// NodeResources describes one node's allocatable capacity.
type NodeResources struct {
	// Name identifies the node (hostname or synthetic id).
	Name string

	// CPUs is the number of allocatable CPU cores.
	CPUs float64

	// GPUs is the number of allocatable accelerator units.
	GPUs float64

	// MemoryGB is the allocatable memory. Zero means unknown; memory
	// demands are not enforced against unknown capacity.
	MemoryGB float64
}

// Placement is one allocated worker slot.
type Placement struct {
	// Node is the name of the node the worker runs on.
	Node string

	// NodeIndex is the node's position in the pool topology.
	NodeIndex int

	// LocalOrdinal is the worker's ordinal among workers placed on the
	// same node by the same allocation.
	LocalOrdinal int

	// Device is the compute device assigned to the worker.
	Device Device
}

// Pool models cluster capacity as a set of nodes with free resources.
//
// Allocate is atomic: a scaling spec is satisfied in full or not at all,
// since a partially formed worker group cannot form a valid collective.
// Pool is safe for concurrent use.
type Pool struct {
	mu    sync.Mutex
	nodes []NodeResources
	free  []NodeResources
}

// NewPool creates a pool from a static node topology.
func NewPool(nodes []NodeResources) (*Pool, error) {
	if len(nodes) == 0 {
		return nil, &SpecError{Field: "nodes", Message: "at least one node is required"}
	}
	owned := make([]NodeResources, len(nodes))
	copy(owned, nodes)
	for i := range owned {
		if owned[i].Name == "" {
			owned[i].Name = "node-" + strconv.Itoa(i)
		}
	}
	free := make([]NodeResources, len(owned))
	copy(free, owned)
	return &Pool{nodes: owned, free: free}, nil
}

// GPUCountEnv overrides local accelerator detection for NewLocalPool.
const GPUCountEnv = "GOCOHORT_GPUS"

// NewLocalPool creates a single-node pool describing the local machine.
//
// CPU capacity comes from runtime.NumCPU. Accelerator capacity comes from
// the GOCOHORT_GPUS environment variable (zero when unset). Memory capacity
// is left unknown.
func NewLocalPool() *Pool {
	gpus := 0
	if v := os.Getenv(GPUCountEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			gpus = n
		}
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	p, _ := NewPool([]NodeResources{{
		Name: host,
		CPUs: float64(runtime.NumCPU()),
		GPUs: float64(gpus),
	}})
	return p
}

// Nodes returns a copy of the pool topology.
func (p *Pool) Nodes() []NodeResources {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]NodeResources, len(p.nodes))
	copy(out, p.nodes)
	return out
}

// Free returns a copy of the remaining capacity per node.
func (p *Pool) Free() []NodeResources {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]NodeResources, len(p.free))
	copy(out, p.free)
	return out
}

// Allocate claims WorkerCount placements satisfying the spec, or fails with
// ErrResourceUnavailable leaving the pool untouched.
//
// Workers are packed onto nodes in topology order, filling each node before
// moving to the next, so node and local ranks are deterministic for a given
// pool and spec.
func (p *Pool) Allocate(spec ScalingSpec) (*Allocation, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	cpu, gpu, mem := spec.Demand()

	p.mu.Lock()
	defer p.mu.Unlock()

	trial := make([]NodeResources, len(p.free))
	copy(trial, p.free)

	placements := make([]Placement, 0, spec.WorkerCount)
	for ni := range trial {
		localOrdinal := 0
		gpuUsed := p.nodes[ni].GPUs - trial[ni].GPUs
		for len(placements) < spec.WorkerCount && nodeFits(p.nodes[ni], trial[ni], cpu, gpu, mem) {
			trial[ni].CPUs -= cpu
			trial[ni].GPUs -= gpu
			if p.nodes[ni].MemoryGB > 0 {
				trial[ni].MemoryGB -= mem
			}

			device := DeviceCPU
			if gpu > 0 {
				device = GPUDevice(int(gpuUsed))
				gpuUsed += gpu
			}
			placements = append(placements, Placement{
				Node:         p.nodes[ni].Name,
				NodeIndex:    ni,
				LocalOrdinal: localOrdinal,
				Device:       device,
			})
			localOrdinal++
		}
		if len(placements) == spec.WorkerCount {
			break
		}
	}

	if len(placements) < spec.WorkerCount {
		return nil, fmt.Errorf("allocate %d workers (cpu=%g gpu=%g): %w",
			spec.WorkerCount, cpu, gpu, ErrResourceUnavailable)
	}

	p.free = trial
	return &Allocation{pool: p, spec: spec, placements: placements}, nil
}

func nodeFits(capacity, free NodeResources, cpu, gpu, mem float64) bool {
	if free.CPUs < cpu {
		return false
	}
	if free.GPUs < gpu {
		return false
	}
	if capacity.MemoryGB > 0 && free.MemoryGB < mem {
		return false
	}
	return true
}

// Allocation is a claimed set of worker placements.
//
// Release returns the capacity to the pool; it is idempotent.
type Allocation struct {
	pool       *Pool
	spec       ScalingSpec
	placements []Placement

	releaseOnce sync.Once
}

// Placements returns the allocated worker slots in rank order.
func (a *Allocation) Placements() []Placement {
	out := make([]Placement, len(a.placements))
	copy(out, a.placements)
	return out
}

// Release returns the allocation's capacity to the pool.
func (a *Allocation) Release() {
	a.releaseOnce.Do(func() {
		cpu, gpu, mem := a.spec.Demand()
		a.pool.mu.Lock()
		defer a.pool.mu.Unlock()
		for _, pl := range a.placements {
			a.pool.free[pl.NodeIndex].CPUs += cpu
			a.pool.free[pl.NodeIndex].GPUs += gpu
			if a.pool.nodes[pl.NodeIndex].MemoryGB > 0 {
				a.pool.free[pl.NodeIndex].MemoryGB += mem
			}
		}
	})
}
