// Package monitor samples memory and CPU for live worker processes and
// triggers termination when a worker breaches its memory cap. Sampling is
// platform-abstracted behind the Sampler interface; a failed read is logged
// and never kills the worker.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults per the engine's resource model.
const (
	DefaultInterval    = 5 * time.Second
	DefaultMemoryLimit = 512 * 1024 * 1024
	DefaultWindowSize  = 60
)

// ErrNotRunning is returned by a Sampler when the process has exited.
var ErrNotRunning = errors.New("process not running")

// Sample is one point-in-time resource measurement.
type Sample struct {
	At          time.Time
	MemoryBytes uint64
	CPUPercent  float64
}

// Sampler measures one process. Implementations: Gopsutil (production) and
// Stub (unsupported platforms, returns zeros).
type Sampler interface {
	Sample(ctx context.Context, pid int) (Sample, error)
}

// Stats is the externally visible view of one worker's resource usage.
type Stats struct {
	CurrentMemory uint64  `json:"current_memory"`
	PeakMemory    uint64  `json:"peak_memory"`
	CurrentCPU    float64 `json:"current_cpu"`
	AverageCPU    float64 `json:"average_cpu"`
	UptimeMillis  int64   `json:"uptime_ms"`
	Samples       int     `json:"samples"`
}

// BreachFunc is invoked when a tracked worker exceeds the memory limit.
// The supervisor wires this to terminate(id, memory_limit).
type BreachFunc func(workerID string, reason string)

type tracked struct {
	pid     int
	since   time.Time
	window  []Sample // ring of at most windowSize samples
	peakMem uint64
}

// Monitor periodically samples every tracked process.
type Monitor struct {
	sampler     Sampler
	logger      *zap.Logger
	interval    time.Duration
	memoryLimit uint64
	windowSize  int
	onBreach    BreachFunc

	mu      sync.Mutex
	procs   map[string]*tracked
	stop    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the sampling cadence.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithMemoryLimit overrides the per-worker resident memory cap in bytes.
func WithMemoryLimit(n uint64) Option {
	return func(m *Monitor) { m.memoryLimit = n }
}

// WithWindowSize overrides the rolling sample window length.
func WithWindowSize(n int) Option {
	return func(m *Monitor) { m.windowSize = n }
}

// New creates a Monitor. onBreach may be nil, in which case breaches are
// only logged.
func New(sampler Sampler, onBreach BreachFunc, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		sampler:     sampler,
		logger:      logger,
		interval:    DefaultInterval,
		memoryLimit: DefaultMemoryLimit,
		windowSize:  DefaultWindowSize,
		onBreach:    onBreach,
		procs:       make(map[string]*tracked),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the sampling loop.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Shutdown stops the sampling loop and waits for it to exit.
func (m *Monitor) Shutdown() {
	m.stopped.Do(func() { close(m.stop) })
	<-m.done
}

// Track begins sampling the given pid under workerID.
func (m *Monitor) Track(workerID string, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[workerID] = &tracked{pid: pid, since: time.Now()}
}

// Untrack stops sampling workerID. Unknown ids are a no-op.
func (m *Monitor) Untrack(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procs, workerID)
}

// Stats returns the rolling statistics for workerID.
func (m *Monitor) Stats(workerID string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.procs[workerID]
	if !ok {
		return Stats{}, false
	}
	s := Stats{
		PeakMemory:   tr.peakMem,
		UptimeMillis: time.Since(tr.since).Milliseconds(),
		Samples:      len(tr.window),
	}
	if n := len(tr.window); n > 0 {
		last := tr.window[n-1]
		s.CurrentMemory = last.MemoryBytes
		s.CurrentCPU = last.CPUPercent
		var sum float64
		for _, smp := range tr.window {
			sum += smp.CPUPercent
		}
		s.AverageCPU = sum / float64(n)
	}
	return s, true
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sampleAll(ctx)
		}
	}
}

// sampleAll takes one sample per tracked process and fires breach callbacks
// outside the lock.
func (m *Monitor) sampleAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	pids := make([]int, 0, len(m.procs))
	for id, tr := range m.procs {
		ids = append(ids, id)
		pids = append(pids, tr.pid)
	}
	m.mu.Unlock()

	var breached []string
	for i, id := range ids {
		sample, err := m.sampler.Sample(ctx, pids[i])
		if err != nil {
			if errors.Is(err, ErrNotRunning) {
				m.Untrack(id)
				continue
			}
			m.logger.Warn("resource sample failed",
				zap.String("worker", id), zap.Int("pid", pids[i]), zap.Error(err))
			continue
		}

		m.mu.Lock()
		tr, ok := m.procs[id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		tr.window = append(tr.window, sample)
		if len(tr.window) > m.windowSize {
			tr.window = tr.window[len(tr.window)-m.windowSize:]
		}
		if sample.MemoryBytes > tr.peakMem {
			tr.peakMem = sample.MemoryBytes
		}
		over := sample.MemoryBytes > m.memoryLimit
		m.mu.Unlock()

		if over {
			m.logger.Warn("memory limit breached",
				zap.String("worker", id),
				zap.Uint64("resident", sample.MemoryBytes),
				zap.Uint64("limit", m.memoryLimit))
			breached = append(breached, id)
		}
	}

	for _, id := range breached {
		m.Untrack(id)
		if m.onBreach != nil {
			m.onBreach(id, "memory_limit")
		}
	}
}
