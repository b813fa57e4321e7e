package gradsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/3leaps/gocohort/pkg/cohort"
)

// Sync drives synchronized training steps for one rank's model replica.
//
// Step is a barrier: no rank's optimizer step completes until every rank's
// gradients for that step have been exchanged. One Sync exists per worker;
// it is not safe for concurrent use within a rank.
type Sync struct {
	collective *cohort.Collective
	rank       int
	model      Model
	optimizer  Optimizer

	sizes  []int
	device cohort.Device
	steps  int
}

// Wrap prepares a model replica for synchronized training.
//
// It computes a structural fingerprint from the model's parameter sizes,
// exchanges fingerprints with all ranks, and fails with ErrSyncMismatch if
// any rank disagrees, before any training step can run. When the model is
// Placeable it is moved to the worker's device.
func Wrap(ctx context.Context, collective *cohort.Collective, rank int, model Model, optimizer Optimizer) (*Sync, error) {
	if model == nil {
		return nil, fmt.Errorf("gradsync: model is required")
	}
	if optimizer == nil {
		return nil, fmt.Errorf("gradsync: optimizer is required")
	}

	wc, err := collective.Context(rank)
	if err != nil {
		return nil, err
	}

	sizes := append([]int(nil), model.ParameterSizes()...)
	fp, err := fingerprint(sizes)
	if err != nil {
		return nil, err
	}

	all, err := collective.AllGatherBytes(ctx, rank, fp)
	if err != nil {
		return nil, fmt.Errorf("gradsync: exchange fingerprints: %w", err)
	}
	for peer, peerFP := range all {
		if !bytes.Equal(peerFP, fp) {
			return nil, fmt.Errorf("gradsync: rank %d and rank %d disagree on model structure: %w",
				rank, peer, ErrSyncMismatch)
		}
	}

	if placeable, ok := model.(Placeable); ok {
		if err := placeable.ToDevice(wc.Device); err != nil {
			return nil, fmt.Errorf("gradsync: place model on %s: %w", wc.Device, err)
		}
	}

	return &Sync{
		collective: collective,
		rank:       rank,
		model:      model,
		optimizer:  optimizer,
		sizes:      sizes,
		device:     wc.Device,
	}, nil
}

// Device returns the device the replica is placed on.
func (s *Sync) Device() cohort.Device {
	return s.device
}

// Steps returns the number of completed synchronized steps.
func (s *Sync) Steps() int {
	return s.steps
}

// Step exchanges gradients with all ranks, writes the mean back into the
// model, then invokes the optimizer.
//
// Gradient averaging completes on every rank before any rank's optimizer
// runs, so updates are totally ordered within a step.
func (s *Sync) Step(ctx context.Context) error {
	grads := s.model.Gradients()
	flat, err := s.flatten(grads)
	if err != nil {
		return err
	}

	averaged, err := s.collective.AllReduce(ctx, s.rank, flat, cohort.ReduceMean)
	if err != nil {
		return fmt.Errorf("gradsync: average gradients: %w", err)
	}

	if err := s.model.SetGradients(s.unflatten(averaged)); err != nil {
		return fmt.Errorf("gradsync: apply averaged gradients: %w", err)
	}
	if err := s.optimizer.Step(); err != nil {
		return fmt.Errorf("gradsync: optimizer step: %w", err)
	}
	s.steps++
	return nil
}

// PlaceBatch moves a batch onto the replica's device when the batch supports
// placement, so user code carries no device logic of its own.
func (s *Sync) PlaceBatch(batch any) error {
	if placeable, ok := batch.(Placeable); ok {
		if err := placeable.ToDevice(s.device); err != nil {
			return fmt.Errorf("gradsync: place batch on %s: %w", s.device, err)
		}
	}
	return nil
}

// flatten concatenates per-parameter gradients into one vector, validating
// the structure against the wrap-time parameter sizes.
func (s *Sync) flatten(grads [][]float64) ([]float64, error) {
	if len(grads) != len(s.sizes) {
		return nil, fmt.Errorf("gradsync: rank %d produced %d gradient tensors, model has %d parameters: %w",
			s.rank, len(grads), len(s.sizes), ErrSyncMismatch)
	}
	total := 0
	for i, g := range grads {
		if len(g) != s.sizes[i] {
			return nil, fmt.Errorf("gradsync: rank %d gradient %d has %d elements, parameter has %d: %w",
				s.rank, i, len(g), s.sizes[i], ErrSyncMismatch)
		}
		total += len(g)
	}
	flat := make([]float64, 0, total)
	for _, g := range grads {
		flat = append(flat, g...)
	}
	return flat, nil
}

// unflatten splits a combined vector back into per-parameter gradients.
func (s *Sync) unflatten(flat []float64) [][]float64 {
	out := make([][]float64, len(s.sizes))
	offset := 0
	for i, size := range s.sizes {
		out[i] = append([]float64(nil), flat[offset:offset+size]...)
		offset += size
	}
	return out
}

// fingerprintPayload is the canonical input to the structural hash.
type fingerprintPayload struct {
	ParameterSizes []int `json:"parameter_sizes"`
}

// fingerprint hashes the model structure for cross-rank comparison.
func fingerprint(sizes []int) ([]byte, error) {
	b, err := json.Marshal(fingerprintPayload{ParameterSizes: sizes})
	if err != nil {
		return nil, fmt.Errorf("gradsync: marshal fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}
