//go:build linux

package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"agentorch/internal/clock"
)

// HostSource reads real host counters from /proc and statfs.
type HostSource struct {
	fs       procfs.FS
	diskPath string
	clock    clock.Clock
	started  time.Time

	mu      sync.Mutex
	prevCPU *procfs.CPUStat
}

// NewHostSource opens the default /proc mount. Snapshots are stamped with c.
func NewHostSource(diskPath string, c clock.Clock) (*HostSource, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	if diskPath == "" {
		diskPath = "/"
	}
	if c == nil {
		c = clock.Real()
	}
	return &HostSource{fs: fs, diskPath: diskPath, clock: c, started: c.Now()}, nil
}

func (h *HostSource) Sample(ctx context.Context) (SystemSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return SystemSnapshot{}, err
	}
	now := h.clock.Now()
	snap := SystemSnapshot{Timestamp: now, Uptime: float64(now.Sub(h.started).Milliseconds())}

	st, err := h.fs.Stat()
	if err != nil {
		return SystemSnapshot{}, fmt.Errorf("read /proc/stat: %w", err)
	}
	snap.CPU.Usage = h.cpuUsage(st.CPUTotal)
	snap.CPU.Cores = runtime.NumCPU()
	snap.Processes.Running = int(st.ProcessesRunning)

	if la, err := h.fs.LoadAvg(); err == nil {
		snap.CPU.LoadAverage = [3]float64{la.Load1, la.Load5, la.Load15}
	}

	mi, err := h.fs.Meminfo()
	if err != nil {
		return SystemSnapshot{}, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	total := kib(mi.MemTotal)
	free := kib(mi.MemAvailable)
	if mi.MemAvailable == nil {
		free = kib(mi.MemFree)
	}
	snap.Memory = usage(total, free)

	var sfs unix.Statfs_t
	if err := unix.Statfs(h.diskPath, &sfs); err != nil {
		return SystemSnapshot{}, fmt.Errorf("statfs %s: %w", h.diskPath, err)
	}
	bsize := uint64(sfs.Bsize)
	snap.Disk = usage(sfs.Blocks*bsize, sfs.Bavail*bsize)

	if nd, err := h.fs.NetDev(); err == nil {
		t := nd.Total()
		snap.Network = NetworkStats{BytesIn: t.RxBytes, BytesOut: t.TxBytes}
	}
	if procs, err := h.fs.AllProcs(); err == nil {
		snap.Processes.Total = len(procs)
	}
	return snap, nil
}

// cpuUsage is the busy share since the previous sample, or since boot on the
// first call.
func (h *HostSource) cpuUsage(cur procfs.CPUStat) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := procfs.CPUStat{}
	if h.prevCPU != nil {
		prev = *h.prevCPU
	}
	c := cur
	h.prevCPU = &c

	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	total := cpuTotal(cur) - cpuTotal(prev)
	if total <= 0 {
		return 0
	}
	return clampPct((total - idle) / total * 100)
}

func cpuTotal(s procfs.CPUStat) float64 {
	return s.User + s.Nice + s.System + s.Idle + s.Iowait + s.IRQ + s.SoftIRQ + s.Steal
}

func kib(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v * 1024
}
