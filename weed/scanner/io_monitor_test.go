package scanner

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/ahm/weed/stats"
)

func TestIOMonitorDerivesRates(t *testing.T) {
	sampler := &fakeSampler{}
	monitor := NewIOMonitor(IOMonitorConfig{HistorySize: 2}, sampler)

	base := time.Unix(1000, 0)
	sampler.push(IOSample{At: base, Disk: stats.DiskCounters{ReadCount: 100, WriteCount: 50, ReadBytes: 1 << 20}})
	sampler.push(IOSample{
		At: base.Add(2 * time.Second),
		Disk: stats.DiskCounters{
			ReadCount:      300,
			WriteCount:     150,
			ReadBytes:      5 << 20,
			IoTime:         time.Second,
			ReadTime:       600 * time.Millisecond,
			WriteTime:      300 * time.Millisecond,
			IopsInProgress: 7,
		},
		CPUPercent: 20,
	})

	first, err := monitor.SampleOnce()
	require.NoError(t, err)
	assert.Zero(t, first.DiskUtilization)

	m, err := monitor.SampleOnce()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, m.DiskUtilization, 0.001)
	assert.InDelta(t, 100, m.ReadOpsPerSec, 0.001)
	assert.InDelta(t, 50, m.WriteOpsPerSec, 0.001)
	assert.InDelta(t, float64(2<<20), m.ReadBytesPerSec, 0.001)
	assert.Equal(t, uint64(7), m.QueueDepth)
	assert.Equal(t, 3*time.Millisecond, m.AvgLatency)
	assert.Equal(t, LoadMedium, m.LoadLevel)
	assert.Equal(t, m, monitor.Current())

	// counters that went backwards do not produce negative rates
	sampler.push(IOSample{At: base.Add(3 * time.Second)})
	m, err = monitor.SampleOnce()
	require.NoError(t, err)
	assert.Zero(t, m.ReadOpsPerSec)
	assert.Zero(t, m.DiskUtilization)

	assert.Len(t, monitor.History(), 2)
}

func TestIOMonitorKeepsLastSampleOnError(t *testing.T) {
	sampler := &fakeSampler{}
	monitor := NewIOMonitor(DefaultIOMonitorConfig(), sampler)
	sampler.push(IOSample{At: time.Unix(1, 0), CPUPercent: 80})
	_, err := monitor.SampleOnce()
	require.NoError(t, err)

	sampler.err = errors.New("no such device")
	m, err := monitor.SampleOnce()
	assert.Error(t, err)
	assert.Equal(t, 80.0, m.CPUPercent)
	assert.Len(t, monitor.History(), 1)
}

func TestSlowBusinessRequestsRaiseLoadLevel(t *testing.T) {
	sampler := &fakeSampler{}
	monitor := NewIOMonitor(IOMonitorConfig{BusinessLatencyThreshold: 50 * time.Millisecond}, sampler)

	m, err := monitor.SampleOnce()
	require.NoError(t, err)
	assert.Equal(t, LoadLow, m.LoadLevel)

	monitor.RecordBusinessRequest(200 * time.Millisecond)
	monitor.RecordBusinessRequest(100 * time.Millisecond)
	m, err = monitor.SampleOnce()
	require.NoError(t, err)
	assert.Equal(t, LoadMedium, m.LoadLevel)
	assert.Equal(t, 150*time.Millisecond, m.BusinessLatency)
	assert.Greater(t, m.BusinessRate, 0.0)
}

func TestIOMonitorWatchHoldsLatest(t *testing.T) {
	sampler := &fakeSampler{}
	monitor := NewIOMonitor(DefaultIOMonitorConfig(), sampler)
	w := monitor.Watch()

	sampler.push(IOSample{At: time.Unix(1, 0), CPUPercent: 10})
	sampler.push(IOSample{At: time.Unix(2, 0), CPUPercent: 60})
	_, err := monitor.SampleOnce()
	require.NoError(t, err)
	_, err = monitor.SampleOnce()
	require.NoError(t, err)

	latest := <-w
	assert.Equal(t, 60.0, latest.CPUPercent)
	assert.Equal(t, LoadMedium, latest.LoadLevel)
}
