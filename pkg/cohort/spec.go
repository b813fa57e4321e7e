package cohort

import "fmt"

// Recognized resource names for ScalingSpec.ResourcesPerWorker.
const (
	ResourceCPU      = "cpu"
	ResourceGPU      = "gpu"
	ResourceMemoryGB = "memory_gb"
)

// DefaultCPUPerWorker is the CPU demand applied when the spec does not set one.
const DefaultCPUPerWorker = 1.0

// ScalingSpec describes the worker group for a training run.
//
// The spec is immutable once a run starts. Unrecognized resource names are
// rejected at validation so misconfigured runs fail before any allocation.
type ScalingSpec struct {
	// WorkerCount is the number of workers to launch. Must be >= 1.
	WorkerCount int

	// UseAccelerator requests one accelerator unit per worker unless
	// ResourcesPerWorker overrides the "gpu" quantity.
	UseAccelerator bool

	// ResourcesPerWorker maps resource name to per-worker quantity.
	// Recognized names: "cpu", "gpu", "memory_gb".
	ResourcesPerWorker map[string]float64
}

// Validate checks the spec for structural errors.
func (s ScalingSpec) Validate() error {
	if s.WorkerCount < 1 {
		return &SpecError{Field: "worker_count", Message: "must be >= 1"}
	}
	for name, qty := range s.ResourcesPerWorker {
		switch name {
		case ResourceCPU, ResourceGPU, ResourceMemoryGB:
		default:
			return &SpecError{
				Field:   "resources_per_worker",
				Message: fmt.Sprintf("unrecognized resource %q", name),
			}
		}
		if qty < 0 {
			return &SpecError{
				Field:   "resources_per_worker",
				Message: fmt.Sprintf("%s quantity must be >= 0", name),
			}
		}
	}
	if !s.UseAccelerator && s.ResourcesPerWorker[ResourceGPU] > 0 {
		return &SpecError{
			Field:   "resources_per_worker",
			Message: "gpu quantity set but use_accelerator is false",
		}
	}
	return nil
}

// Demand returns the effective per-worker resource demand after defaults.
//
// CPU defaults to DefaultCPUPerWorker when unset. GPU defaults to one unit
// when UseAccelerator is true, zero otherwise. Memory defaults to zero
// (unconstrained).
func (s ScalingSpec) Demand() (cpu, gpu, memoryGB float64) {
	cpu = DefaultCPUPerWorker
	if v, ok := s.ResourcesPerWorker[ResourceCPU]; ok {
		cpu = v
	}
	if s.UseAccelerator {
		gpu = 1.0
		if v, ok := s.ResourcesPerWorker[ResourceGPU]; ok {
			gpu = v
		}
	}
	memoryGB = s.ResourcesPerWorker[ResourceMemoryGB]
	return cpu, gpu, memoryGB
}
