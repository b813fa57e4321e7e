package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/3leaps/gocohort/pkg/driver"
	"github.com/3leaps/gocohort/pkg/report"
)

// The reference trainer fits a linear model to a synthetic regression
// target with data-parallel SGD. It exists so `gocohort run` exercises the
// full orchestration path (sharding, gradient sync, reporting, checkpoint
// upload) without external training code; real programs embed pkg/driver
// directly and supply their own TrainFunc.

// linearModel is a single flat weight vector with its gradient buffer.
type linearModel struct {
	weights []float64
	grads   []float64
}

func newLinearModel(dim int) *linearModel {
	return &linearModel{
		weights: make([]float64, dim),
		grads:   make([]float64, dim),
	}
}

func (m *linearModel) ParameterSizes() []int {
	return []int{len(m.weights)}
}

func (m *linearModel) Gradients() [][]float64 {
	out := make([]float64, len(m.grads))
	copy(out, m.grads)
	return [][]float64{out}
}

func (m *linearModel) SetGradients(grads [][]float64) error {
	if len(grads) != 1 || len(grads[0]) != len(m.grads) {
		return fmt.Errorf("gradient shape mismatch")
	}
	copy(m.grads, grads[0])
	return nil
}

// sgd applies a plain gradient descent step.
type sgd struct {
	model *linearModel
	lr    float64
}

func (o *sgd) Step() error {
	for i, g := range o.model.grads {
		o.model.weights[i] -= o.lr * g
	}
	return nil
}

// sample generates the deterministic synthetic feature vector for one
// dataset index. All ranks agree on it by construction.
func sample(index, dim int, seed int64) []float64 {
	x := make([]float64, dim)
	for j := range x {
		x[j] = math.Sin(float64(index+1)*float64(j+1) + float64(seed))
	}
	return x
}

// target is the ground-truth label: a fixed weight vector applied to the
// sample features.
func target(x []float64) float64 {
	y := 0.0
	for j, v := range x {
		y += v / float64(j+1)
	}
	return y
}

// accumulate computes the mean squared error and its gradient over the
// worker's shard, leaving the gradient in the model's buffer.
func (m *linearModel) accumulate(indices []int, seed int64) float64 {
	for i := range m.grads {
		m.grads[i] = 0
	}
	if len(indices) == 0 {
		return 0
	}

	loss := 0.0
	for _, idx := range indices {
		x := sample(idx, len(m.weights), seed)
		pred := 0.0
		for j, v := range x {
			pred += m.weights[j] * v
		}
		diff := pred - target(x)
		loss += diff * diff
		for j, v := range x {
			m.grads[j] += 2 * diff * v
		}
	}

	n := float64(len(indices))
	for j := range m.grads {
		m.grads[j] /= n
	}
	return loss / n
}

// saveState writes the model weights as a checkpoint file into dir.
func (m *linearModel) saveState(dir string, epoch, rank int) error {
	state := map[string]any{
		"epoch":   epoch,
		"rank":    rank,
		"weights": m.weights,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "model.json"), data, 0644)
}

// trainerOptions tunes the reference trainer.
type trainerOptions struct {
	// Dim is the model dimension. From the manifest param "features".
	Dim int

	// LearningRate is the SGD step size. From the manifest param
	// "learning_rate".
	LearningRate float64

	// Seed feeds synthetic sample generation.
	Seed int64

	// CheckpointAllRanks makes every rank save its model shard.
	CheckpointAllRanks bool
}

func (o *trainerOptions) applyParams(params map[string]any) {
	if v, ok := numberParam(params, "features"); ok && v >= 1 {
		o.Dim = int(v)
	}
	if v, ok := numberParam(params, "learning_rate"); ok && v > 0 {
		o.LearningRate = v
	}
}

// numberParam reads a numeric manifest param, tolerating the types YAML and
// JSON decoding produce.
func numberParam(params map[string]any, name string) (float64, bool) {
	raw, ok := params[name]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// referenceTrainer returns the built-in TrainFunc executed by `gocohort run`.
func referenceTrainer(opts trainerOptions) driver.TrainFunc {
	if opts.Dim <= 0 {
		opts.Dim = 8
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.05
	}

	return func(ctx context.Context, sess *driver.Session) error {
		opts := opts
		opts.applyParams(sess.Params())

		model := newLinearModel(opts.Dim)
		sync, err := sess.Wrap(ctx, model, &sgd{model: model, lr: opts.LearningRate})
		if err != nil {
			return err
		}

		for epoch := 0; epoch < sess.Epochs(); epoch++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			sess.SetEpoch(epoch)

			loss := model.accumulate(sess.Indices(), opts.Seed)
			if err := sync.Step(ctx); err != nil {
				return err
			}

			metrics := report.NewMetrics(epoch).
				Add("loss", loss).
				Add("lr", opts.LearningRate)
			if err := sess.Report(ctx, metrics); err != nil {
				return err
			}

			if sess.ShouldCheckpoint(epoch) && (sess.Rank() == 0 || opts.CheckpointAllRanks) {
				dir, err := os.MkdirTemp("", "gocohort-ckpt-*")
				if err != nil {
					return fmt.Errorf("create checkpoint dir: %w", err)
				}
				if err := model.saveState(dir, epoch, sess.Rank()); err != nil {
					_ = os.RemoveAll(dir)
					return fmt.Errorf("save model state: %w", err)
				}
				// Submit stages a private copy before returning.
				_, err = sess.SaveCheckpoint(ctx, dir, epoch)
				_ = os.RemoveAll(dir)
				if err != nil {
					return err
				}
			}

			if err := sess.EpochBarrier(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
