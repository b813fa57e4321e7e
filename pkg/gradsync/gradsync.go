// Package gradsync keeps model replicas synchronized across a collective.
//
// Wrap verifies every rank holds a structurally identical model, places the
// replica on the worker's device, and returns a Sync whose Step averages
// gradients across all ranks before the optimizer is allowed to apply them.
// The numerical model itself (forward, backward, optimizer math) stays
// behind the Model and Optimizer interfaces.
package gradsync

import (
	"errors"

	"github.com/3leaps/gocohort/pkg/cohort"
)

// Model is the training-framework side of a model replica.
//
// Implementations expose parameter structure and gradient buffers; gradsync
// never inspects parameter values.
type Model interface {
	// ParameterSizes returns the element count of each parameter tensor in
	// a stable order. All ranks must agree on this structure.
	ParameterSizes() []int

	// Gradients returns the local gradient vectors for the current step,
	// one per parameter, in ParameterSizes order.
	Gradients() [][]float64

	// SetGradients replaces the local gradients with synchronized values
	// before the optimizer step.
	SetGradients(grads [][]float64) error
}

// Optimizer applies an update from the model's current gradients.
type Optimizer interface {
	Step() error
}

// Placeable is implemented by models and batches that support explicit
// device placement.
type Placeable interface {
	ToDevice(device cohort.Device) error
}

// ErrSyncMismatch indicates workers disagree on model structure.
var ErrSyncMismatch = cohort.ErrSyncMismatch

// IsSyncMismatch returns true if the error indicates structural disagreement
// among worker models.
func IsSyncMismatch(err error) bool {
	return errors.Is(err, ErrSyncMismatch)
}
