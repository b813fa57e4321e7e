package cohort

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoNodePool(t *testing.T) *Pool {
	t.Helper()
	p, err := NewPool([]NodeResources{
		{Name: "node-a", CPUs: 4, GPUs: 2},
		{Name: "node-b", CPUs: 4, GPUs: 2},
	})
	require.NoError(t, err)
	return p
}

func TestNewPool_Empty(t *testing.T) {
	_, err := NewPool(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one node")
}

func TestNewPool_NamesDefaulted(t *testing.T) {
	p, err := NewPool([]NodeResources{{CPUs: 1}, {CPUs: 1}})
	require.NoError(t, err)
	nodes := p.Nodes()
	assert.Equal(t, "node-0", nodes[0].Name)
	assert.Equal(t, "node-1", nodes[1].Name)
}

func TestPool_Allocate_PacksNodeMajor(t *testing.T) {
	p := twoNodePool(t)

	alloc, err := p.Allocate(ScalingSpec{WorkerCount: 4, UseAccelerator: true})
	require.NoError(t, err)

	placements := alloc.Placements()
	require.Len(t, placements, 4)

	// First node fills before the second.
	assert.Equal(t, "node-a", placements[0].Node)
	assert.Equal(t, "node-a", placements[1].Node)
	assert.Equal(t, "node-b", placements[2].Node)
	assert.Equal(t, "node-b", placements[3].Node)

	// Local ordinals restart per node.
	assert.Equal(t, 0, placements[0].LocalOrdinal)
	assert.Equal(t, 1, placements[1].LocalOrdinal)
	assert.Equal(t, 0, placements[2].LocalOrdinal)
	assert.Equal(t, 1, placements[3].LocalOrdinal)

	// Devices follow node-local accelerator ordinals.
	assert.Equal(t, GPUDevice(0), placements[0].Device)
	assert.Equal(t, GPUDevice(1), placements[1].Device)
	assert.Equal(t, GPUDevice(0), placements[2].Device)
	assert.Equal(t, GPUDevice(1), placements[3].Device)
}

func TestPool_Allocate_AllOrNothing(t *testing.T) {
	p := twoNodePool(t)

	// 5 workers want 5 GPUs but the pool only has 4.
	_, err := p.Allocate(ScalingSpec{WorkerCount: 5, UseAccelerator: true})
	require.Error(t, err)
	assert.True(t, IsResourceUnavailable(err))

	// The failed attempt must not leak capacity.
	free := p.Free()
	assert.Equal(t, 2.0, free[0].GPUs)
	assert.Equal(t, 2.0, free[1].GPUs)
	assert.Equal(t, 4.0, free[0].CPUs)

	// A satisfiable spec still succeeds afterwards.
	_, err = p.Allocate(ScalingSpec{WorkerCount: 4, UseAccelerator: true})
	assert.NoError(t, err)
}

func TestPool_Allocate_CPUFallback(t *testing.T) {
	// An accelerator-free pool serves CPU-only specs.
	p, err := NewPool([]NodeResources{{Name: "cpu-node", CPUs: 8}})
	require.NoError(t, err)

	alloc, err := p.Allocate(ScalingSpec{WorkerCount: 4, UseAccelerator: false})
	require.NoError(t, err)

	for _, pl := range alloc.Placements() {
		assert.Equal(t, DeviceCPU, pl.Device)
	}

	// The same pool rejects accelerator specs.
	_, err = p.Allocate(ScalingSpec{WorkerCount: 1, UseAccelerator: true})
	require.Error(t, err)
	assert.True(t, IsResourceUnavailable(err))
}

func TestPool_Release_RestoresCapacity(t *testing.T) {
	p := twoNodePool(t)

	alloc, err := p.Allocate(ScalingSpec{WorkerCount: 4, UseAccelerator: true})
	require.NoError(t, err)

	free := p.Free()
	assert.Equal(t, 0.0, free[0].GPUs)
	assert.Equal(t, 0.0, free[1].GPUs)

	alloc.Release()
	free = p.Free()
	assert.Equal(t, 2.0, free[0].GPUs)
	assert.Equal(t, 2.0, free[1].GPUs)

	// Release is idempotent.
	alloc.Release()
	free = p.Free()
	assert.Equal(t, 2.0, free[0].GPUs)
}

func TestPool_Allocate_FractionalGPU(t *testing.T) {
	p, err := NewPool([]NodeResources{{Name: "shared", CPUs: 8, GPUs: 1}})
	require.NoError(t, err)

	alloc, err := p.Allocate(ScalingSpec{
		WorkerCount:        2,
		UseAccelerator:     true,
		ResourcesPerWorker: map[string]float64{"gpu": 0.5},
	})
	require.NoError(t, err)

	placements := alloc.Placements()
	assert.Equal(t, GPUDevice(0), placements[0].Device)
	assert.Equal(t, GPUDevice(0), placements[1].Device)
}

func TestPool_Allocate_MemoryConstraint(t *testing.T) {
	p, err := NewPool([]NodeResources{{Name: "small", CPUs: 8, MemoryGB: 8}})
	require.NoError(t, err)

	_, err = p.Allocate(ScalingSpec{
		WorkerCount:        3,
		ResourcesPerWorker: map[string]float64{"memory_gb": 4},
	})
	require.Error(t, err)
	assert.True(t, IsResourceUnavailable(err))

	alloc, err := p.Allocate(ScalingSpec{
		WorkerCount:        2,
		ResourcesPerWorker: map[string]float64{"memory_gb": 4},
	})
	require.NoError(t, err)

	// Memory capacity fully consumed; another memory demand must fail.
	_, err = p.Allocate(ScalingSpec{
		WorkerCount:        1,
		ResourcesPerWorker: map[string]float64{"memory_gb": 1},
	})
	require.Error(t, err)
	alloc.Release()
}

func TestPool_Allocate_InvalidSpec(t *testing.T) {
	p := twoNodePool(t)
	_, err := p.Allocate(ScalingSpec{WorkerCount: 0})
	require.Error(t, err)

	var specErr *SpecError
	assert.ErrorAs(t, err, &specErr)
	assert.False(t, IsResourceUnavailable(err))
}

func TestNewLocalPool(t *testing.T) {
	t.Setenv(GPUCountEnv, "2")
	p := NewLocalPool()
	nodes := p.Nodes()
	require.Len(t, nodes, 1)
	assert.Greater(t, nodes[0].CPUs, 0.0)
	assert.Equal(t, 2.0, nodes[0].GPUs)
}

func TestNewLocalPool_NoGPUs(t *testing.T) {
	t.Setenv(GPUCountEnv, "")
	p := NewLocalPool()
	nodes := p.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, 0.0, nodes[0].GPUs)
}
