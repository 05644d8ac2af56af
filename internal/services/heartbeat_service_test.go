package services

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	sweeps atomic.Int32
}

func (c *countingSweeper) sweepDevices() {
	c.sweeps.Add(1)
}

// TestHeartbeatService_Sweeps tests that the registry is swept once per interval until Stop.
func TestHeartbeatService_Sweeps(t *testing.T) {
	// Setup
	sweeper := &countingSweeper{}
	service := NewHeartbeatService(10*time.Millisecond, sweeper, zerolog.Nop())

	// Execute
	require.NoError(t, service.Start())
	assert.Error(t, service.Start())
	assert.Eventually(t, func() bool { return sweeper.sweeps.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, service.Stop())

	// Assert
	stopped := sweeper.sweeps.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, sweeper.sweeps.Load())
	assert.Error(t, service.Stop())
}

// TestHeartbeatService_InvalidInterval tests that a non-positive interval is rejected.
func TestHeartbeatService_InvalidInterval(t *testing.T) {
	service := NewHeartbeatService(0, &countingSweeper{}, zerolog.Nop())

	assert.Error(t, service.Start())
	assert.Error(t, service.Stop())
}
