package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/seaweedfs/ahm/weed/kv"
)

const (
	localStatsPrefix = "scanner/stats/"
	maxRecentBatches = 32
)

type ScanResultEntry struct {
	Bucket  string `json:"bucket"`
	Object  string `json:"object"`
	Size    int64  `json:"size"`
	Healthy bool   `json:"healthy"`
	// Issue is the heal event type raised for the object, if any
	Issue string `json:"issue,omitempty"`
}

type BatchScanResult struct {
	Bucket      string            `json:"bucket"`
	Entries     []ScanResultEntry `json:"entries,omitempty"`
	Objects     uint64            `json:"objects"`
	Bytes       uint64            `json:"bytes"`
	Issues      uint64            `json:"issues"`
	Duration    time.Duration     `json:"duration"`
	CompletedAt time.Time         `json:"completed_at"`
}

type BucketStats struct {
	Objects uint64 `json:"objects"`
	Size    uint64 `json:"size"`
	Issues  uint64 `json:"issues"`
}

// LocalScanStats is what a node reports to its peers.
type LocalScanStats struct {
	NodeID            string `json:"node_id"`
	ObjectsScanned    uint64 `json:"objects_scanned"`
	BytesScanned      uint64 `json:"bytes_scanned"`
	ObjectsWithIssues uint64 `json:"objects_with_issues"`
	HealEventsEmitted uint64 `json:"heal_events_emitted"`
	CyclesCompleted   uint64 `json:"cycles_completed"`
	// Buckets holds the figures of the last completed cycle
	Buckets           map[string]BucketStats `json:"buckets"`
	Histogram         HistogramSnapshot      `json:"histogram"`
	LastCycleStart    time.Time              `json:"last_cycle_start"`
	LastCycleEnd      time.Time              `json:"last_cycle_end"`
	LastCycleDuration time.Duration          `json:"last_cycle_duration"`
	ScannerState      ScannerState           `json:"scanner_state"`
	LastUpdate        time.Time              `json:"last_update"`
	RecentBatches     []BatchScanResult      `json:"recent_batches,omitempty"`
}

type StatsSummary struct {
	NodeID          string    `json:"node_id"`
	TotalObjects    uint64    `json:"total_objects"`
	TotalBytes      uint64    `json:"total_bytes"`
	Buckets         int       `json:"buckets"`
	HealEvents      uint64    `json:"heal_events"`
	CyclesCompleted uint64    `json:"cycles_completed"`
	LastUpdate      time.Time `json:"last_update"`
}

// LocalStatsManager owns the LocalScanStats of this node and persists them,
// so totals survive a restart.
type LocalStatsManager struct {
	nodeID string
	store  kv.Store

	mu      sync.RWMutex
	stats   LocalScanStats
	current map[string]BucketStats
	nowFunc func() time.Time
}

func NewLocalStatsManager(nodeID string, store kv.Store) *LocalStatsManager {
	return &LocalStatsManager{
		nodeID: nodeID,
		store:  store,
		stats: LocalScanStats{
			NodeID:  nodeID,
			Buckets: make(map[string]BucketStats),
		},
		current: make(map[string]BucketStats),
		nowFunc: time.Now,
	}
}

func (m *LocalStatsManager) key() string {
	return localStatsPrefix + m.nodeID
}

// Load restores the persisted totals. Unreadable records are ignored.
func (m *LocalStatsManager) Load(ctx context.Context) error {
	raw, err := m.store.Get(ctx, m.key())
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load local stats %s: %w", m.nodeID, err)
	}
	var loaded LocalScanStats
	if err := json.Unmarshal(raw, &loaded); err != nil {
		glog.Warningf("local stats %s unreadable, starting from zero: %v", m.nodeID, err)
		return nil
	}
	loaded.NodeID = m.nodeID
	if loaded.Buckets == nil {
		loaded.Buckets = make(map[string]BucketStats)
	}
	loaded.ScannerState = ScannerIdle
	m.mu.Lock()
	m.stats = loaded
	m.mu.Unlock()
	return nil
}

func (m *LocalStatsManager) Save(ctx context.Context) error {
	m.mu.RLock()
	raw, err := json.Marshal(m.stats)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode local stats %s: %w", m.nodeID, err)
	}
	return m.store.Put(ctx, m.key(), raw)
}

func (m *LocalStatsManager) SetState(state ScannerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ScannerState = state
	m.stats.LastUpdate = m.nowFunc()
}

func (m *LocalStatsManager) CycleStarted(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.LastCycleStart = at
	m.stats.LastUpdate = at
	m.current = make(map[string]BucketStats)
}

// ResumeCycle starts a checkpointed cycle and keeps the figures of the
// buckets the interrupted cycle already finished.
func (m *LocalStatsManager) ResumeCycle(at time.Time, completed []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.LastCycleStart = at
	m.stats.LastUpdate = at
	m.current = make(map[string]BucketStats)
	for _, bucket := range completed {
		if b, ok := m.stats.Buckets[bucket]; ok {
			m.current[bucket] = b
		}
	}
}

func (m *LocalStatsManager) RecordBatch(result BatchScanResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.current[result.Bucket]
	b.Objects += result.Objects
	b.Size += result.Bytes
	b.Issues += result.Issues
	m.current[result.Bucket] = b

	m.stats.ObjectsScanned += result.Objects
	m.stats.BytesScanned += result.Bytes
	m.stats.ObjectsWithIssues += result.Issues
	m.stats.LastUpdate = result.CompletedAt

	m.stats.RecentBatches = append(m.stats.RecentBatches, result)
	if len(m.stats.RecentBatches) > maxRecentBatches {
		m.stats.RecentBatches = m.stats.RecentBatches[len(m.stats.RecentBatches)-maxRecentBatches:]
	}
}

func (m *LocalStatsManager) RecordHealEvent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.HealEventsEmitted++
}

// CycleFinished replaces the per bucket figures with those of the cycle.
func (m *LocalStatsManager) CycleFinished(at time.Time, histogram HistogramSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Buckets = m.current
	m.current = make(map[string]BucketStats)
	m.stats.Histogram = histogram
	m.stats.CyclesCompleted++
	m.stats.LastCycleEnd = at
	m.stats.LastCycleDuration = at.Sub(m.stats.LastCycleStart)
	m.stats.LastUpdate = at
}

func (m *LocalStatsManager) Stats() LocalScanStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	s.Buckets = make(map[string]BucketStats, len(m.stats.Buckets))
	for k, v := range m.stats.Buckets {
		s.Buckets[k] = v
	}
	s.RecentBatches = append([]BatchScanResult(nil), m.stats.RecentBatches...)
	return s
}

func (s LocalScanStats) Summary() StatsSummary {
	summary := StatsSummary{
		NodeID:          s.NodeID,
		Buckets:         len(s.Buckets),
		HealEvents:      s.HealEventsEmitted,
		CyclesCompleted: s.CyclesCompleted,
		LastUpdate:      s.LastUpdate,
	}
	for _, b := range s.Buckets {
		summary.TotalObjects += b.Objects
		summary.TotalBytes += b.Size
	}
	return summary
}
