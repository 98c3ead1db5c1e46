//go:build linux

package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"agentorch/internal/clock"
)

func TestHostSourceUsesInjectedClock(t *testing.T) {
	fc := clock.NewFake(epoch)
	h, err := NewHostSource("/", fc)
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}
	fc.Advance(90 * time.Second)
	snap, err := h.Sample(context.Background())
	if err != nil {
		t.Skipf("host sample unavailable: %v", err)
	}
	assert.True(t, snap.Timestamp.Equal(epoch.Add(90*time.Second)), "timestamp = %v", snap.Timestamp)
	assert.Equal(t, float64(90_000), snap.Uptime)
	assert.GreaterOrEqual(t, snap.CPU.Cores, 1)
}
