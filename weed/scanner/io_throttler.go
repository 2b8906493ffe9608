package scanner

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/time/rate"

	"github.com/seaweedfs/ahm/weed/stats"
	"github.com/seaweedfs/ahm/weed/util"
)

type IOThrottlerConfig struct {
	// utilization marks, 0..1
	LowWater   float64
	HighWater  float64
	PauseWater float64

	MaxOpsPerSec   float64
	MinOpsPerSec   float64
	MaxBytesPerSec int64
	Workers        int
}

func DefaultIOThrottlerConfig() IOThrottlerConfig {
	return IOThrottlerConfig{
		LowWater:       0.5,
		HighWater:      0.8,
		PauseWater:     0.95,
		MaxOpsPerSec:   1000,
		MinOpsPerSec:   10,
		MaxBytesPerSec: 100 << 20,
		Workers:        2,
	}
}

// LoadThrottleConfig reads the [throttle] section.
func LoadThrottleConfig(conf util.Configuration) (IOThrottlerConfig, IOMonitorConfig, error) {
	d := DefaultIOThrottlerConfig()
	md := DefaultIOMonitorConfig()
	conf.SetDefault("throttle.low_water", d.LowWater)
	conf.SetDefault("throttle.high_water", d.HighWater)
	conf.SetDefault("throttle.pause_water", d.PauseWater)
	conf.SetDefault("throttle.max_ops", d.MaxOpsPerSec)
	conf.SetDefault("throttle.min_ops", d.MinOpsPerSec)
	conf.SetDefault("throttle.max_bytes", d.MaxBytesPerSec)
	conf.SetDefault("throttle.sample_interval", md.SampleInterval)
	conf.SetDefault("throttle.business_latency_threshold", md.BusinessLatencyThreshold)

	c := IOThrottlerConfig{
		LowWater:       conf.GetFloat64("throttle.low_water"),
		HighWater:      conf.GetFloat64("throttle.high_water"),
		PauseWater:     conf.GetFloat64("throttle.pause_water"),
		MaxOpsPerSec:   conf.GetFloat64("throttle.max_ops"),
		MinOpsPerSec:   conf.GetFloat64("throttle.min_ops"),
		MaxBytesPerSec: conf.GetInt64("throttle.max_bytes"),
		Workers:        conf.GetInt("scanner.concurrency"),
	}
	mc := md
	mc.SampleInterval = conf.GetDuration("throttle.sample_interval")
	mc.BusinessLatencyThreshold = conf.GetDuration("throttle.business_latency_threshold")
	return c, mc, c.Validate()
}

func (c IOThrottlerConfig) Validate() error {
	if !(0 <= c.LowWater && c.LowWater < c.HighWater && c.HighWater <= c.PauseWater && c.PauseWater <= 1) {
		return fmt.Errorf("throttle water marks must satisfy 0 <= low < high <= pause <= 1, got %.2f/%.2f/%.2f", c.LowWater, c.HighWater, c.PauseWater)
	}
	if c.MaxOpsPerSec <= 0 || c.MinOpsPerSec < 0 || c.MinOpsPerSec > c.MaxOpsPerSec {
		return fmt.Errorf("throttle ops must satisfy 0 <= min <= max, max > 0, got %.0f/%.0f", c.MinOpsPerSec, c.MaxOpsPerSec)
	}
	return nil
}

// ResourceAllocation splits the allowed rate across the scan workers.
type ResourceAllocation struct {
	Workers        int     `json:"workers"`
	OpsPerWorker   float64 `json:"ops_per_worker"`
	BytesPerWorker int64   `json:"bytes_per_worker"`
}

type ThrottleDecision struct {
	AllowedOpsPerSec   float64            `json:"allowed_ops_per_sec"`
	AllowedBytesPerSec int64              `json:"allowed_bytes_per_sec"`
	Pause              bool               `json:"pause"`
	Reason             string             `json:"reason"`
	LoadLevel          LoadLevel          `json:"load_level"`
	Allocation         ResourceAllocation `json:"allocation"`
	DecidedAt          time.Time          `json:"decided_at"`
}

// IOThrottler turns IOMonitor samples into the rate new scan units may start at.
// It never interrupts work that already started.
type IOThrottler struct {
	config  IOThrottlerConfig
	monitor *IOMonitor

	mu       sync.RWMutex
	decision ThrottleDecision
	limiter  *rate.Limiter
	// closed and replaced on every Update
	updated chan struct{}
}

func NewIOThrottler(config IOThrottlerConfig, monitor *IOMonitor) *IOThrottler {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	t := &IOThrottler{
		config:  config,
		monitor: monitor,
		limiter: rate.NewLimiter(rate.Limit(config.MaxOpsPerSec), burstFor(config.MaxOpsPerSec)),
		updated: make(chan struct{}),
	}
	t.decision = t.Decide(IOMetrics{Timestamp: time.Now()})
	return t
}

func burstFor(ops float64) int {
	return max(1, int(math.Ceil(ops)))
}

// Decide is a pure function of the metrics: full speed below the low water
// mark, linear back-off up to the high water mark, the floor rate above it
// and a pause above the pause mark.
func (t *IOThrottler) Decide(m IOMetrics) ThrottleDecision {
	c := t.config
	pressure := max(m.DiskUtilization, m.CPUPercent/100)
	d := ThrottleDecision{LoadLevel: m.LoadLevel, DecidedAt: m.Timestamp}

	switch {
	case pressure >= c.PauseWater || m.LoadLevel == LoadCritical:
		d.Pause = true
		d.Reason = fmt.Sprintf("utilization %.2f at pause mark", pressure)
	case pressure <= c.LowWater:
		d.AllowedOpsPerSec = c.MaxOpsPerSec
		d.Reason = "below low water mark"
	case pressure >= c.HighWater:
		d.AllowedOpsPerSec = c.MinOpsPerSec
		d.Reason = "above high water mark"
	default:
		frac := (pressure - c.LowWater) / (c.HighWater - c.LowWater)
		d.AllowedOpsPerSec = c.MaxOpsPerSec - (c.MaxOpsPerSec-c.MinOpsPerSec)*frac
		d.Reason = fmt.Sprintf("proportional back-off at %.2f", pressure)
	}

	// live traffic is suffering even if the disks are not saturated
	if !d.Pause && m.LoadLevel >= LoadHigh && d.AllowedOpsPerSec > c.MinOpsPerSec {
		d.AllowedOpsPerSec = max(c.MinOpsPerSec, d.AllowedOpsPerSec/2)
		d.Reason += ", business load high"
	}
	if d.AllowedOpsPerSec <= 0 {
		d.Pause = true
	}

	if !d.Pause {
		d.AllowedBytesPerSec = int64(float64(c.MaxBytesPerSec) * d.AllowedOpsPerSec / c.MaxOpsPerSec)
		workers := int(math.Ceil(float64(c.Workers) * d.AllowedOpsPerSec / c.MaxOpsPerSec))
		workers = min(max(workers, 1), c.Workers)
		d.Allocation = ResourceAllocation{
			Workers:        workers,
			OpsPerWorker:   d.AllowedOpsPerSec / float64(workers),
			BytesPerWorker: d.AllowedBytesPerSec / int64(workers),
		}
	}
	return d
}

// Update applies the decision for m to the rate gate.
func (t *IOThrottler) Update(m IOMetrics) ThrottleDecision {
	d := t.Decide(m)
	t.mu.Lock()
	prev := t.decision
	t.decision = d
	if !d.Pause {
		t.limiter.SetLimit(rate.Limit(d.AllowedOpsPerSec))
		t.limiter.SetBurst(burstFor(d.AllowedOpsPerSec))
	}
	close(t.updated)
	t.updated = make(chan struct{})
	t.mu.Unlock()

	if prev.Pause != d.Pause || prev.LoadLevel != d.LoadLevel {
		glog.V(1).Infof("throttle: load %s pause %v allowed %.0f ops/s (%s)", d.LoadLevel, d.Pause, d.AllowedOpsPerSec, d.Reason)
	}
	stats.ThrottleAllowedOpsGauge.Set(d.AllowedOpsPerSec)
	return d
}

func (t *IOThrottler) Current() ThrottleDecision {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.decision
}

// Start follows the monitor until ctx is done.
func (t *IOThrottler) Start(ctx context.Context) {
	if t.monitor == nil {
		return
	}
	samples := t.monitor.Watch()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-samples:
			t.Update(m)
		}
	}
}

// Wait blocks until n operations may start. A paused throttle parks the caller
// until the decision of the next sampling tick is in and then looks again.
func (t *IOThrottler) Wait(ctx context.Context, n int) error {
	for {
		t.mu.RLock()
		paused := t.decision.Pause
		limiter := t.limiter
		updated := t.updated
		t.mu.RUnlock()

		if !paused {
			if burst := limiter.Burst(); n > burst {
				n = burst
			}
			if n <= 0 {
				return nil
			}
			if err := limiter.WaitN(ctx, n); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
			return nil
		}

		stats.ThrottleWaitCounter.WithLabelValues("pause").Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-updated:
		}
	}
}
