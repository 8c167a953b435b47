// Package concurrency implements the adaptive concurrency controller: a pure
// decision function over a system load sample, consulted by the dispatcher
// before every dispatch attempt.
package concurrency

import (
	"fmt"
	"math"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryPressure buckets free-memory signal into a coarse, cross-platform
// category.
type MemoryPressure string

const (
	PressureLow    MemoryPressure = "low"
	PressureMedium MemoryPressure = "medium"
	PressureHigh   MemoryPressure = "high"
)

// Sample is the current system load snapshot the controller decides from.
type Sample struct {
	Load1          float64
	CPUCores       int
	MemoryPressure MemoryPressure
}

// LoadRatio is load_1m / cpu_cores * 100.
func (s Sample) LoadRatio() float64 {
	if s.CPUCores <= 0 {
		return 0
	}
	return s.Load1 / float64(s.CPUCores) * 100
}

// Sampler reads the live system load.
type Sampler struct{}

// NewSampler constructs a Sampler backed by gopsutil.
func NewSampler() *Sampler {
	return &Sampler{}
}

// Sample collects a fresh Sample from cpu/mem/load, matching the
// cross-platform abstraction gopsutil provides over /proc vs vm_stat.
func (*Sampler) Sample() (Sample, error) {
	cores, err := cpu.Counts(true)
	if err != nil || cores == 0 {
		cores = runtime.NumCPU()
	}

	avg, err := load.Avg()
	load1 := 0.0
	if err == nil && avg != nil {
		load1 = avg.Load1
	}

	pressure := PressureLow
	vm, err := mem.VirtualMemory()
	if err == nil && vm != nil {
		switch {
		case vm.UsedPercent > 90:
			pressure = PressureHigh
		case vm.UsedPercent > 70:
			pressure = PressureMedium
		}
	}

	return Sample{Load1: load1, CPUCores: cores, MemoryPressure: pressure}, nil
}

// Effective computes the effective concurrency budget for a batch from its
// base concurrency, max load factor, and the current system sample. Pure
// function, per spec §4.7:
//
//	memory_pressure = high         -> 1
//	load_ratio > maxLoadFactor*100 -> 1 (severely overloaded, i.e. load_1m > cores*maxLoadFactor)
//	load_ratio > 100                -> ceil(base/2) (moderately loaded, i.e. load_1m > cores)
//	otherwise                       -> base
func Effective(base, maxLoadFactor int, sample Sample) int {
	if base <= 0 {
		base = 1
	}
	if maxLoadFactor <= 0 {
		maxLoadFactor = 1
	}

	if sample.MemoryPressure == PressureHigh {
		return 1
	}

	ratio := sample.LoadRatio()
	severe := float64(maxLoadFactor) * 100
	if ratio > severe {
		return 1
	}
	if ratio > 100 {
		return int(math.Ceil(float64(base) / 2))
	}
	return base
}

// Describe renders a short human-readable explanation of an Effective
// decision.
func Describe(base, maxLoadFactor int, sample Sample, effective int) string {
	return fmt.Sprintf(
		"base=%d max_load_factor=%d load_1m=%.2f cores=%d load_ratio=%.1f%% mem_pressure=%s -> effective=%d",
		base, maxLoadFactor, sample.Load1, sample.CPUCores, sample.LoadRatio(), sample.MemoryPressure, effective,
	)
}
