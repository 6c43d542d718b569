package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Gopsutil samples resident memory and CPU via gopsutil, which reads
// /proc/<pid>/stat and /proc/<pid>/statm on Linux and the platform
// equivalents elsewhere.
type Gopsutil struct{}

// Sample measures pid once. A vanished process maps to ErrNotRunning.
func (Gopsutil) Sample(ctx context.Context, pid int) (Sample, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Sample{}, ErrNotRunning
	}
	running, err := proc.IsRunningWithContext(ctx)
	if err == nil && !running {
		return Sample{}, ErrNotRunning
	}

	s := Sample{At: time.Now()}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		s.MemoryBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	}
	return s, nil
}

// Stub is the sampler for platforms without process stat support. It
// returns zeros and logs once.
type Stub struct {
	logger *zap.Logger
	once   sync.Once
}

// NewStub creates a zero-returning sampler.
func NewStub(logger *zap.Logger) *Stub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stub{logger: logger}
}

// Sample returns zeros.
func (s *Stub) Sample(_ context.Context, _ int) (Sample, error) {
	s.once.Do(func() {
		s.logger.Warn("resource sampling unsupported on this platform, reporting zeros")
	})
	return Sample{At: time.Now()}, nil
}
