package scanner

import (
	"sync"
	"time"

	"github.com/seaweedfs/ahm/weed/heal"
	"github.com/seaweedfs/ahm/weed/stats"
)

type BucketMetrics struct {
	Bucket            string    `json:"bucket"`
	Objects           uint64    `json:"objects"`
	TotalSize         uint64    `json:"total_size"`
	ObjectsWithIssues uint64    `json:"objects_with_issues"`
	HealEvents        uint64    `json:"heal_events"`
	Errors            uint64    `json:"errors"`
	LastScan          time.Time `json:"last_scan"`
}

type DiskMetrics struct {
	Endpoint      heal.Endpoint   `json:"endpoint"`
	Status        heal.DiskStatus `json:"status"`
	Online        bool            `json:"online"`
	StatusChanges uint64          `json:"status_changes"`
	LastCheck     time.Time       `json:"last_check"`
}

type ScannerMetrics struct {
	ObjectsScanned    uint64                   `json:"objects_scanned"`
	BytesScanned      uint64                   `json:"bytes_scanned"`
	ObjectsWithIssues uint64                   `json:"objects_with_issues"`
	HealEventsEmitted uint64                   `json:"heal_events_emitted"`
	EventsSuppressed  uint64                   `json:"events_suppressed"`
	Errors            uint64                   `json:"errors"`
	CyclesCompleted   uint64                   `json:"cycles_completed"`
	CurrentMode       ScanMode                 `json:"current_mode"`
	CycleStart        time.Time                `json:"cycle_start"`
	LastCycleEnd      time.Time                `json:"last_cycle_end"`
	LastCycleDuration time.Duration            `json:"last_cycle_duration"`
	Buckets           map[string]BucketMetrics `json:"buckets"`
	Disks             map[string]DiskMetrics   `json:"disks"`
	Histogram         HistogramSnapshot        `json:"histogram"`
}

// MetricsCollector accumulates what one scanner has seen. Totals are
// cumulative, bucket figures describe the latest cycle that touched a bucket.
type MetricsCollector struct {
	mu        sync.Mutex
	metrics   ScannerMetrics
	histogram *SizeHistogram
	// buckets scanned in the running cycle
	cycle map[string]*BucketMetrics
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics: ScannerMetrics{
			Buckets: make(map[string]BucketMetrics),
			Disks:   make(map[string]DiskMetrics),
		},
		histogram: NewSizeHistogram(),
		cycle:     make(map[string]*BucketMetrics),
	}
}

func (c *MetricsCollector) StartCycle(mode ScanMode, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.CurrentMode = mode
	c.metrics.CycleStart = at
	c.cycle = make(map[string]*BucketMetrics)
	c.histogram.Reset()
}

func (c *MetricsCollector) bucket(name string) *BucketMetrics {
	b, ok := c.cycle[name]
	if !ok {
		b = &BucketMetrics{Bucket: name}
		c.cycle[name] = b
	}
	return b
}

func (c *MetricsCollector) RecordObject(bucket string, size int64, modTime time.Time) {
	c.histogram.Add(size, modTime)
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bucket(bucket)
	b.Objects++
	if size > 0 {
		b.TotalSize += uint64(size)
		c.metrics.BytesScanned += uint64(size)
	}
	c.metrics.ObjectsScanned++
	stats.ScannerObjectCounter.WithLabelValues(bucket).Inc()
	if size > 0 {
		stats.ScannerBytesCounter.WithLabelValues(bucket).Add(float64(size))
	}
}

func (c *MetricsCollector) RecordIssue(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bucket(bucket).ObjectsWithIssues++
	c.metrics.ObjectsWithIssues++
}

// RecordEvent counts an event handed to the heal manager. bucket is empty for
// disk events.
func (c *MetricsCollector) RecordEvent(bucket, eventType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bucket != "" {
		c.bucket(bucket).HealEvents++
	}
	c.metrics.HealEventsEmitted++
	stats.ScannerEventCounter.WithLabelValues(eventType).Inc()
}

func (c *MetricsCollector) RecordSuppressed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.EventsSuppressed++
}

func (c *MetricsCollector) RecordError(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bucket != "" {
		c.bucket(bucket).Errors++
	}
	c.metrics.Errors++
}

func (c *MetricsCollector) RecordDisk(endpoint heal.Endpoint, status heal.DiskStatus, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.metrics.Disks[endpoint.URL]
	if ok && d.Status != status {
		d.StatusChanges++
	}
	d.Endpoint = endpoint
	d.Status = status
	d.Online = status == heal.DiskOk
	d.LastCheck = at
	c.metrics.Disks[endpoint.URL] = d
}

// EndCycle folds the cycle into the totals and exports them.
func (c *MetricsCollector) EndCycle(at time.Time) ScannerMetrics {
	c.mu.Lock()
	for name, b := range c.cycle {
		b.LastScan = at
		c.metrics.Buckets[name] = *b
	}
	c.metrics.CyclesCompleted++
	c.metrics.LastCycleEnd = at
	c.metrics.LastCycleDuration = at.Sub(c.metrics.CycleStart)
	c.metrics.Histogram = c.histogram.Snapshot()
	mode := c.metrics.CurrentMode
	c.mu.Unlock()

	stats.ScannerCycleCounter.WithLabelValues(mode.String()).Inc()
	c.Export()
	return c.Snapshot()
}

// ForgetBucket drops a bucket that no longer exists.
func (c *MetricsCollector) ForgetBucket(bucket string) {
	c.mu.Lock()
	delete(c.metrics.Buckets, bucket)
	c.mu.Unlock()
	stats.DeleteBucketMetrics(bucket)
}

func (c *MetricsCollector) Snapshot() ScannerMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	m.Buckets = make(map[string]BucketMetrics, len(c.metrics.Buckets))
	for k, v := range c.metrics.Buckets {
		m.Buckets[k] = v
	}
	m.Disks = make(map[string]DiskMetrics, len(c.metrics.Disks))
	for k, v := range c.metrics.Disks {
		m.Disks[k] = v
	}
	return m
}

// Export writes the gauges of the latest snapshot to the metrics registry.
func (c *MetricsCollector) Export() {
	m := c.Snapshot()
	for name, b := range m.Buckets {
		stats.ScannerBucketGauge.WithLabelValues(name, "objects").Set(float64(b.Objects))
		stats.ScannerBucketGauge.WithLabelValues(name, "size").Set(float64(b.TotalSize))
		stats.ScannerBucketGauge.WithLabelValues(name, "issues").Set(float64(b.ObjectsWithIssues))
	}
	for url, d := range m.Disks {
		online := 0.0
		if d.Online {
			online = 1
		}
		stats.ScannerDiskGauge.WithLabelValues(url, "online").Set(online)
		stats.ScannerDiskGauge.WithLabelValues(url, "status_changes").Set(float64(d.StatusChanges))
	}
}
