//go:build !linux

package monitor

import (
	"context"
	"errors"

	"agentorch/internal/clock"
)

var errNoHostSource = errors.New("host metrics are only available on linux")

type HostSource struct{}

// NewHostSource always fails off linux; callers fall back to SimulatedSource.
func NewHostSource(string, clock.Clock) (*HostSource, error) { return nil, errNoHostSource }

func (*HostSource) Sample(context.Context) (SystemSnapshot, error) {
	return SystemSnapshot{}, errNoHostSource
}
