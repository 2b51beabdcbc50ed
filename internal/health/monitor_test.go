package health

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeSampler scripts liveness and samples per PID.
type fakeSampler struct {
	mu    sync.Mutex
	alive map[int]bool
	cpu   map[int]float64
	mem   map[int]float64
	fail  map[int]bool
}

func newFakeSampler() *fakeSampler {
	return &fakeSampler{
		alive: make(map[int]bool),
		cpu:   make(map[int]float64),
		mem:   make(map[int]float64),
		fail:  make(map[int]bool),
	}
}

func (f *fakeSampler) set(pid int, alive bool, cpu, mem float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = alive
	f.cpu[pid] = cpu
	f.mem[pid] = mem
}

func (f *fakeSampler) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeSampler) Sample(pid int) (float64, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[pid] {
		return 0, 0, errors.New("sample failed")
	}
	return f.cpu[pid], f.mem[pid], nil
}

func testConfig() Config {
	return Config{
		PollInterval:      time.Second,
		UnresponsiveAfter: 50 * time.Millisecond,
		CPUThreshold:      80,
		MemoryThresholdMB: 512,
	}
}

func TestClassifyHealthy(t *testing.T) {
	s := newFakeSampler()
	s.set(100, true, 10, 64)

	m := NewMonitor(testConfig(), s, nil, zap.NewNop())
	m.Track("a1", 100)
	m.Poll()

	got, ok := m.Snapshot("a1")
	if !ok {
		t.Fatal("expected snapshot for a1")
	}
	if got.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", got.Status)
	}
	if got.CPUUsage != 10 || got.MemoryUsageMB != 64 {
		t.Errorf("unexpected metrics: %+v", got)
	}
}

func TestClassifyWarningOnCPU(t *testing.T) {
	s := newFakeSampler()
	s.set(100, true, 95, 64)

	m := NewMonitor(testConfig(), s, nil, zap.NewNop())
	m.Track("a1", 100)
	m.Poll()

	got, _ := m.Snapshot("a1")
	if got.Status != StatusWarning {
		t.Errorf("expected warning on high cpu, got %s", got.Status)
	}
}

func TestClassifyWarningOnMemory(t *testing.T) {
	s := newFakeSampler()
	s.set(100, true, 10, 1024)

	m := NewMonitor(testConfig(), s, nil, zap.NewNop())
	m.Track("a1", 100)
	m.Poll()

	got, _ := m.Snapshot("a1")
	if got.Status != StatusWarning {
		t.Errorf("expected warning on high memory, got %s", got.Status)
	}
}

func TestClassifyUnresponsive(t *testing.T) {
	s := newFakeSampler()
	s.set(100, true, 10, 64)
	s.mu.Lock()
	s.fail[100] = true
	s.mu.Unlock()

	m := NewMonitor(testConfig(), s, nil, zap.NewNop())
	m.Track("a1", 100)

	// Wait past the unresponsive timeout, then poll with sampling failing.
	time.Sleep(60 * time.Millisecond)
	m.Poll()

	got, _ := m.Snapshot("a1")
	if got.Status != StatusUnresponsive {
		t.Errorf("expected unresponsive, got %s", got.Status)
	}
}

func TestLivenessLostCallback(t *testing.T) {
	s := newFakeSampler()
	s.set(100, true, 10, 64)

	var mu sync.Mutex
	var lost []string
	m := NewMonitor(testConfig(), s, func(id string) {
		mu.Lock()
		lost = append(lost, id)
		mu.Unlock()
	}, zap.NewNop())

	m.Track("a1", 100)
	m.Poll()

	mu.Lock()
	n := len(lost)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("callback fired while process alive")
	}

	s.set(100, false, 0, 0)
	m.Poll()

	mu.Lock()
	defer mu.Unlock()
	if len(lost) != 1 || lost[0] != "a1" {
		t.Errorf("expected liveness-lost for a1, got %v", lost)
	}
	if _, ok := m.Snapshot("a1"); ok {
		t.Error("expected a1 untracked after liveness loss")
	}
}

func TestUntrack(t *testing.T) {
	s := newFakeSampler()
	s.set(100, true, 10, 64)

	m := NewMonitor(testConfig(), s, nil, zap.NewNop())
	m.Track("a1", 100)
	m.Untrack("a1")
	m.Untrack("a1") // idempotent

	if _, ok := m.Snapshot("a1"); ok {
		t.Error("expected no snapshot after untrack")
	}
}
