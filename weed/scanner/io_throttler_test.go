package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/ahm/weed/stats"
	"github.com/seaweedfs/ahm/weed/util"
)

func TestThrottleDecide(t *testing.T) {
	config := DefaultIOThrottlerConfig()
	config.Workers = 4
	throttler := NewIOThrottler(config, nil)

	tests := []struct {
		name    string
		metrics IOMetrics
		pause   bool
		ops     float64
		workers int
	}{
		{name: "idle disks run at full speed", metrics: IOMetrics{DiskUtilization: 0.2}, ops: 1000, workers: 4},
		{name: "halfway between the marks", metrics: IOMetrics{DiskUtilization: 0.65}, ops: 505, workers: 3},
		{name: "above the high water mark", metrics: IOMetrics{DiskUtilization: 0.85}, ops: 10, workers: 1},
		{name: "saturated disks pause", metrics: IOMetrics{DiskUtilization: 0.97}, pause: true},
		{name: "busy cpu pauses", metrics: IOMetrics{CPUPercent: 96}, pause: true},
		{name: "critical load pauses", metrics: IOMetrics{DiskUtilization: 0.1, LoadLevel: LoadCritical}, pause: true},
		{name: "slow business requests halve the rate", metrics: IOMetrics{DiskUtilization: 0.2, LoadLevel: LoadHigh}, ops: 500, workers: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := throttler.Decide(tt.metrics)
			assert.Equal(t, tt.pause, d.Pause)
			assert.InDelta(t, tt.ops, d.AllowedOpsPerSec, 0.001)
			assert.NotEmpty(t, d.Reason)
			if tt.pause {
				assert.Zero(t, d.AllowedBytesPerSec)
				assert.Zero(t, d.Allocation.Workers)
				return
			}
			assert.Equal(t, tt.workers, d.Allocation.Workers)
			assert.InDelta(t, tt.ops/float64(tt.workers), d.Allocation.OpsPerWorker, 0.001)
			assert.InDelta(t, float64(config.MaxBytesPerSec)*tt.ops/config.MaxOpsPerSec, float64(d.AllowedBytesPerSec), 1)
		})
	}
}

func TestThrottleConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultIOThrottlerConfig().Validate())

	c := DefaultIOThrottlerConfig()
	c.LowWater, c.HighWater = 0.9, 0.5
	assert.Error(t, c.Validate())

	c = DefaultIOThrottlerConfig()
	c.MinOpsPerSec = c.MaxOpsPerSec + 1
	assert.Error(t, c.Validate())

	conf := util.NewViperConfiguration()
	conf.Set("throttle.pause_water", 1.5)
	_, _, err := LoadThrottleConfig(conf)
	assert.Error(t, err)
}

func TestThrottleWaitParksWhilePaused(t *testing.T) {
	throttler := NewIOThrottler(DefaultIOThrottlerConfig(), nil)
	throttler.Update(IOMetrics{DiskUtilization: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := throttler.Wait(ctx, 1)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	done := make(chan error, 1)
	go func() { done <- throttler.Wait(context.Background(), 5000) }()
	select {
	case <-done:
		t.Fatal("wait returned while paused")
	case <-time.After(20 * time.Millisecond):
	}
	throttler.Update(IOMetrics{DiskUtilization: 0})
	// more than the burst is clamped instead of failing
	require.NoError(t, <-done)
}

func TestThrottleFollowsMonitor(t *testing.T) {
	sampler := &fakeSampler{}
	monitor := NewIOMonitor(IOMonitorConfig{SampleInterval: time.Hour}, sampler)
	throttler := NewIOThrottler(DefaultIOThrottlerConfig(), monitor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go throttler.Start(ctx)

	// every sample finds the disks 99% busy since the previous one
	k := 0
	busy := func() bool {
		k++
		sampler.push(IOSample{At: time.Unix(int64(100+k), 0), Disk: stats.DiskCounters{IoTime: time.Duration(k) * 990 * time.Millisecond}})
		_, err := monitor.SampleOnce()
		assert.NoError(t, err)
		return throttler.Current().Pause
	}
	require.Eventually(t, busy, time.Second, 5*time.Millisecond)
}

type fakeSampler struct {
	mu      sync.Mutex
	samples []IOSample
	err     error
}

func (f *fakeSampler) push(s IOSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
}

func (f *fakeSampler) Sample() (IOSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return IOSample{}, f.err
	}
	if len(f.samples) == 0 {
		return IOSample{At: time.Now()}, nil
	}
	s := f.samples[0]
	f.samples = f.samples[1:]
	return s, nil
}
