package monitor

import (
	"context"
	"math/rand"
	"runtime"
	"sync"

	"agentorch/internal/clock"
)

const (
	simMemoryTotal = 16 << 30
	simDiskTotal   = 500 << 30
)

// SimulatedSource produces random but internally consistent snapshots.
type SimulatedSource struct {
	clock   clock.Clock
	mu      sync.Mutex
	rng     *rand.Rand
	started int64
}

func NewSimulatedSource(c clock.Clock, seed int64) *SimulatedSource {
	if c == nil {
		c = clock.Real()
	}
	return &SimulatedSource{clock: c, rng: rand.New(rand.NewSource(seed)), started: c.Now().UnixMilli()}
}

func (s *SimulatedSource) Sample(ctx context.Context) (SystemSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return SystemSnapshot{}, err
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	memFree := uint64(s.rng.Float64() * simMemoryTotal)
	diskFree := uint64(s.rng.Float64() * simDiskTotal)
	return SystemSnapshot{
		Timestamp: now,
		CPU: CPUStats{
			Usage:       s.rng.Float64() * 100,
			Cores:       runtime.NumCPU(),
			LoadAverage: [3]float64{s.rng.Float64() * 4, s.rng.Float64() * 4, s.rng.Float64() * 4},
		},
		Memory:    usage(simMemoryTotal, memFree),
		Disk:      usage(simDiskTotal, diskFree),
		Network:   NetworkStats{BytesIn: uint64(s.rng.Int63n(1_000_000)), BytesOut: uint64(s.rng.Int63n(1_000_000))},
		Processes: ProcStats{Total: s.rng.Intn(200) + 50, Running: s.rng.Intn(50) + 10},
		Uptime:    float64(now.UnixMilli() - s.started),
	}, nil
}
