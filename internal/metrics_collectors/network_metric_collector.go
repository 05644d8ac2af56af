package metrics_collectors

import (
	"context"
	"sync"
	"time"

	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/net"
)

// NetworkRates is the host-wide network throughput.
type NetworkRates struct {
	InRate  float64 `json:"network_in"`  // bytes/sec
	OutRate float64 `json:"network_out"` // bytes/sec
}

// NetworkMetricCollector reports host network throughput since the previous
// collection. The first collection only primes the counters.
type NetworkMetricCollector struct {
	Logger zerolog.Logger

	mu       sync.Mutex
	lastIn   uint64
	lastOut  uint64
	lastTime time.Time
}

func (n *NetworkMetricCollector) Name() string {
	return "network"
}

func (n *NetworkMetricCollector) Collect(ctx context.Context) any {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		n.Logger.Error().Err(err).Msg("Failed to read network counters")
		return nil
	}
	if len(counters) == 0 {
		n.Logger.Warn().Msg("No network counters available")
		return nil
	}

	return n.rates(counters[0].BytesRecv, counters[0].BytesSent, time.Now())
}

// rates converts cumulative byte counters into per-second rates. Counter
// resets are reported as zero throughput.
func (n *NetworkMetricCollector) rates(in, out uint64, now time.Time) any {
	n.mu.Lock()
	defer n.mu.Unlock()

	prevIn, prevOut, prevTime := n.lastIn, n.lastOut, n.lastTime
	n.lastIn, n.lastOut, n.lastTime = in, out, now

	if prevTime.IsZero() {
		return nil
	}
	secs := now.Sub(prevTime).Seconds()
	if secs <= 0 {
		return nil
	}

	rates := NetworkRates{}
	if in >= prevIn {
		rates.InRate = float64(in-prevIn) / secs
	}
	if out >= prevOut {
		rates.OutRate = float64(out-prevOut) / secs
	}

	n.Logger.Debug().
		Float64("network_in", rates.InRate).
		Float64("network_out", rates.OutRate).
		Msg("Network throughput collected")
	return rates
}

func (n *NetworkMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorNetwork
}

func (n *NetworkMetricCollector) Unit() string {
	return "bytes per second"
}

func (n *NetworkMetricCollector) Description() string {
	return "Host network receive and send rate."
}
