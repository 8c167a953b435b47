package concurrency

import "testing"

func TestEffective_HighMemoryPressureForcesOne(t *testing.T) {
	got := Effective(4, 2, Sample{Load1: 0.1, CPUCores: 8, MemoryPressure: PressureHigh})
	if got != 1 {
		t.Fatalf("Effective = %d, want 1 under high memory pressure", got)
	}
}

func TestEffective_BoundaryCase_8CoreSevereOverload(t *testing.T) {
	// Spec §8 boundary case: max_load_factor=2 batch on an 8-core host with
	// load_1m=18 -> effective concurrency = 1.
	got := Effective(4, 2, Sample{Load1: 18, CPUCores: 8, MemoryPressure: PressureLow})
	if got != 1 {
		t.Fatalf("Effective = %d, want 1 (severe overload: load_1m=18 > cores*maxLoadFactor=16)", got)
	}
}

func TestEffective_Scenario4_ConcurrencyThrottle(t *testing.T) {
	// Spec §8 end-to-end scenario 4: batch concurrency=4, max_load_factor=2,
	// 4-core host, load_1m=9.5 -> effective budget = 1 (9.5 > 4*2=8, severe).
	got := Effective(4, 2, Sample{Load1: 9.5, CPUCores: 4, MemoryPressure: PressureLow})
	if got != 1 {
		t.Fatalf("Effective = %d, want 1 per scenario 4", got)
	}
}

func TestEffective_ModerateLoadHalvesBudget(t *testing.T) {
	// 8 cores, max_load_factor=2: severe threshold is load_1m > 16.
	// load_1m=9 is > cores (8) but not severe -> moderate -> ceil(4/2)=2.
	got := Effective(4, 2, Sample{Load1: 9, CPUCores: 8, MemoryPressure: PressureLow})
	if got != 2 {
		t.Fatalf("Effective = %d, want 2 under moderate load", got)
	}
}

func TestEffective_NormalLoadUsesBase(t *testing.T) {
	got := Effective(4, 2, Sample{Load1: 1.0, CPUCores: 8, MemoryPressure: PressureLow})
	if got != 4 {
		t.Fatalf("Effective = %d, want base 4 under normal load", got)
	}
}

func TestLoadRatio_ZeroCores(t *testing.T) {
	s := Sample{Load1: 5, CPUCores: 0}
	if got := s.LoadRatio(); got != 0 {
		t.Fatalf("LoadRatio with zero cores = %f, want 0", got)
	}
}
