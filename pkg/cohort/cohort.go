// Package cohort manages training worker groups and their collective.
//
// A Pool allocates worker placements from cluster capacity according to a
// ScalingSpec (all-or-nothing). A Collective assigns each placement a unique
// world rank and provides the synchronization primitives (barrier, all-reduce,
// broadcast) that gradient exchange and epoch coordination build on.
//
// Workers are goroutines in the driver process; the collective is an
// in-process rendezvous, not a network transport.
package cohort

import (
	"fmt"
	"strconv"
	"strings"
)

// Device identifies the compute device a worker is placed on.
//
// Values are "cpu" or "gpu:<index>" where index is the node-local
// accelerator ordinal.
type Device string

// DeviceCPU is the device for workers without an accelerator.
const DeviceCPU Device = "cpu"

// GPUDevice returns the device string for a node-local accelerator ordinal.
func GPUDevice(index int) Device {
	return Device("gpu:" + strconv.Itoa(index))
}

// IsAccelerator reports whether the device is an accelerator.
func (d Device) IsAccelerator() bool {
	return strings.HasPrefix(string(d), "gpu:")
}

// String returns the device identifier.
func (d Device) String() string {
	return string(d)
}

// WorkerContext is the per-worker identity handed to training code.
//
// Exactly one WorkerContext exists per live worker, with WorldRank unique
// in [0, WorldSize). It is read-only to user code.
type WorkerContext struct {
	// WorldRank is the worker's unique identifier within the collective.
	WorldRank int

	// LocalRank is the worker's ordinal among workers on the same node.
	LocalRank int

	// NodeRank is the index of the worker's node in the pool topology.
	NodeRank int

	// WorldSize is the total number of workers in the collective.
	WorldSize int

	// Device is the compute device assigned to this worker.
	Device Device
}

// String renders the context for logs.
func (w WorkerContext) String() string {
	return fmt.Sprintf("rank %d/%d (node %d, local %d, %s)",
		w.WorldRank, w.WorldSize, w.NodeRank, w.LocalRank, w.Device)
}
