package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/seaweedfs/ahm/weed/stats"
)

type LoadLevel int

const (
	LoadLow LoadLevel = iota
	LoadMedium
	LoadHigh
	LoadCritical
)

func (l LoadLevel) String() string {
	switch l {
	case LoadLow:
		return "low"
	case LoadMedium:
		return "medium"
	case LoadHigh:
		return "high"
	case LoadCritical:
		return "critical"
	}
	return "unknown"
}

func (l LoadLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *LoadLevel) UnmarshalText(text []byte) error {
	for level := LoadLow; level <= LoadCritical; level++ {
		if level.String() == string(text) {
			*l = level
			return nil
		}
	}
	return fmt.Errorf("unknown load level %q", text)
}

// IOSample is one raw reading of the host counters.
type IOSample struct {
	At         time.Time
	Disk       stats.DiskCounters
	CPUPercent float64
	Load1      float64
}

type IOSampler interface {
	Sample() (IOSample, error)
}

type systemSampler struct{}

func (systemSampler) Sample() (IOSample, error) {
	s := IOSample{At: time.Now()}
	disk, err := stats.DiskIOCounters()
	if err != nil {
		return s, err
	}
	s.Disk = disk
	if cpu, err := stats.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if load1, _, _, err := stats.LoadStat(); err == nil {
		s.Load1 = load1
	}
	return s, nil
}

// NewSystemSampler reads the block device, cpu and load counters of the host.
func NewSystemSampler() IOSampler {
	return systemSampler{}
}

type IOMetrics struct {
	Timestamp time.Time `json:"timestamp"`
	// DiskUtilization is the busy fraction of the busiest device, 0..1
	DiskUtilization  float64       `json:"disk_utilization"`
	ReadOpsPerSec    float64       `json:"read_ops_per_sec"`
	WriteOpsPerSec   float64       `json:"write_ops_per_sec"`
	ReadBytesPerSec  float64       `json:"read_bytes_per_sec"`
	WriteBytesPerSec float64       `json:"write_bytes_per_sec"`
	QueueDepth       uint64        `json:"queue_depth"`
	AvgLatency       time.Duration `json:"avg_latency"`
	CPUPercent       float64       `json:"cpu_percent"`
	Load1            float64       `json:"load1"`
	BusinessRate     float64       `json:"business_requests_per_sec"`
	BusinessLatency  time.Duration `json:"business_latency"`
	LoadLevel        LoadLevel     `json:"load_level"`
}

type IOMonitorConfig struct {
	SampleInterval time.Duration
	HistorySize    int
	// BusinessWindow is the window over which business requests are averaged
	BusinessWindow           time.Duration
	BusinessLatencyThreshold time.Duration
}

func DefaultIOMonitorConfig() IOMonitorConfig {
	return IOMonitorConfig{
		SampleInterval:           time.Second,
		HistorySize:              60,
		BusinessWindow:           10 * time.Second,
		BusinessLatencyThreshold: 100 * time.Millisecond,
	}
}

// IOMonitor samples the host on a fixed interval and keeps a short history.
type IOMonitor struct {
	config  IOMonitorConfig
	sampler IOSampler

	mu       sync.RWMutex
	last     *IOSample
	current  IOMetrics
	history  []IOMetrics
	watchers []chan IOMetrics

	businessLatency *stats.WindowCounter
}

func NewIOMonitor(config IOMonitorConfig, sampler IOSampler) *IOMonitor {
	d := DefaultIOMonitorConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = d.SampleInterval
	}
	if config.HistorySize <= 0 {
		config.HistorySize = d.HistorySize
	}
	if config.BusinessWindow <= 0 {
		config.BusinessWindow = d.BusinessWindow
	}
	if config.BusinessLatencyThreshold <= 0 {
		config.BusinessLatencyThreshold = d.BusinessLatencyThreshold
	}
	if sampler == nil {
		sampler = NewSystemSampler()
	}
	return &IOMonitor{
		config:          config,
		sampler:         sampler,
		businessLatency: stats.NewWindowCounter(config.BusinessWindow),
	}
}

func (m *IOMonitor) Config() IOMonitorConfig {
	return m.config
}

// Start samples until ctx is done.
func (m *IOMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()
	for {
		if _, err := m.SampleOnce(); err != nil {
			glog.V(1).Infof("io monitor sample: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SampleOnce takes one sample, derives the rates against the previous one
// and hands the result to the watchers.
func (m *IOMonitor) SampleOnce() (IOMetrics, error) {
	sample, err := m.sampler.Sample()

	m.mu.Lock()
	if err == nil {
		m.current = m.derive(sample)
		m.last = &sample
		m.history = append(m.history, m.current)
		if len(m.history) > m.config.HistorySize {
			m.history = m.history[len(m.history)-m.config.HistorySize:]
		}
	}
	current := m.current
	watchers := m.watchers
	m.mu.Unlock()

	if err != nil {
		return current, err
	}
	stats.ThrottleIOUtilizationGauge.Set(current.DiskUtilization)
	for _, w := range watchers {
		// latest wins, a slow watcher only misses intermediate samples
		select {
		case <-w:
		default:
		}
		select {
		case w <- current:
		default:
		}
	}
	return current, nil
}

func (m *IOMonitor) derive(sample IOSample) IOMetrics {
	metrics := IOMetrics{
		Timestamp:  sample.At,
		QueueDepth: sample.Disk.IopsInProgress,
		CPUPercent: sample.CPUPercent,
		Load1:      sample.Load1,
	}
	sum, count := m.businessLatency.Snapshot()
	if count > 0 {
		metrics.BusinessLatency = time.Duration(sum / count)
	}
	metrics.BusinessRate = float64(count) / m.config.BusinessWindow.Seconds()

	if m.last != nil {
		elapsed := sample.At.Sub(m.last.At)
		if elapsed > 0 {
			prev, cur := m.last.Disk, sample.Disk
			secs := elapsed.Seconds()
			metrics.ReadOpsPerSec = float64(counterDelta(cur.ReadCount, prev.ReadCount)) / secs
			metrics.WriteOpsPerSec = float64(counterDelta(cur.WriteCount, prev.WriteCount)) / secs
			metrics.ReadBytesPerSec = float64(counterDelta(cur.ReadBytes, prev.ReadBytes)) / secs
			metrics.WriteBytesPerSec = float64(counterDelta(cur.WriteBytes, prev.WriteBytes)) / secs

			busy := cur.IoTime - prev.IoTime
			if busy > 0 {
				metrics.DiskUtilization = min(float64(busy)/float64(elapsed), 1)
			}
			ops := counterDelta(cur.ReadCount, prev.ReadCount) + counterDelta(cur.WriteCount, prev.WriteCount)
			waited := (cur.ReadTime - prev.ReadTime) + (cur.WriteTime - prev.WriteTime)
			if ops > 0 && waited > 0 {
				metrics.AvgLatency = waited / time.Duration(ops)
			}
		}
	}
	metrics.LoadLevel = m.loadLevel(metrics)
	return metrics
}

func counterDelta(cur, prev uint64) uint64 {
	// counters reset when a device goes away
	if cur < prev {
		return 0
	}
	return cur - prev
}

func (m *IOMonitor) loadLevel(metrics IOMetrics) LoadLevel {
	pressure := max(metrics.DiskUtilization, metrics.CPUPercent/100)
	level := LoadLow
	switch {
	case pressure >= 0.9:
		level = LoadCritical
	case pressure >= 0.75:
		level = LoadHigh
	case pressure >= 0.5:
		level = LoadMedium
	}
	if metrics.BusinessLatency > m.config.BusinessLatencyThreshold && level < LoadCritical {
		level++
	}
	return level
}

// RecordBusinessRequest reports the latency of one request served to clients.
func (m *IOMonitor) RecordBusinessRequest(latency time.Duration) {
	m.businessLatency.Add(int64(latency))
}

func (m *IOMonitor) Current() IOMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *IOMonitor) History() []IOMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]IOMetrics(nil), m.history...)
}

// Watch returns a channel that always holds the latest sample.
func (m *IOMonitor) Watch() <-chan IOMetrics {
	w := make(chan IOMetrics, 1)
	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()
	return w
}
