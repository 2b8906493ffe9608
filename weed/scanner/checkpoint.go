package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"

	"github.com/seaweedfs/ahm/weed/kv"
	"github.com/seaweedfs/ahm/weed/stats"
	"github.com/seaweedfs/ahm/weed/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	checkpointVersion = 1
	checkpointPrefix  = "scanner/checkpoint/"
)

// CheckpointData is the position of an unfinished scan cycle. Buckets are
// scanned in name order and objects in listing order, so the last object of
// the last finished batch is enough to continue a bucket.
type CheckpointData struct {
	Version          int               `json:"version"`
	NodeID           string            `json:"node_id"`
	CycleID          string            `json:"cycle_id"`
	Mode             ScanMode          `json:"mode"`
	CycleStart       uint64            `json:"cycle_start"`
	CompletedBuckets []string          `json:"completed_buckets"`
	BucketPositions  map[string]string `json:"bucket_positions"`
	ObjectsScanned   uint64            `json:"objects_scanned"`
	LastUpdate       uint64            `json:"last_update"`
}

func (d *CheckpointData) bucketCompleted(bucket string) bool {
	i := sort.SearchStrings(d.CompletedBuckets, bucket)
	return i < len(d.CompletedBuckets) && d.CompletedBuckets[i] == bucket
}

func (d *CheckpointData) clone() *CheckpointData {
	c := *d
	c.CompletedBuckets = append([]string(nil), d.CompletedBuckets...)
	c.BucketPositions = make(map[string]string, len(d.BucketPositions))
	for k, v := range d.BucketPositions {
		c.BucketPositions[k] = v
	}
	return &c
}

// position is the last object already scanned in bucket, "" if none.
func (d *CheckpointData) position(bucket string) string {
	return d.BucketPositions[bucket]
}

type CheckpointInfo struct {
	CycleID          string    `json:"cycle_id"`
	Mode             ScanMode  `json:"mode"`
	CompletedBuckets int       `json:"completed_buckets"`
	ObjectsScanned   uint64    `json:"objects_scanned"`
	LastSave         time.Time `json:"last_save"`
}

// CheckpointManager keeps the scan position of one node and writes it to the
// store at most once per interval.
type CheckpointManager struct {
	store    kv.Store
	nodeID   string
	interval time.Duration

	mu       sync.Mutex
	data     *CheckpointData
	lastSave time.Time
	nowFunc  func() time.Time
}

func NewCheckpointManager(store kv.Store, nodeID string, interval time.Duration) *CheckpointManager {
	return &CheckpointManager{
		store:    store,
		nodeID:   nodeID,
		interval: interval,
		nowFunc:  time.Now,
	}
}

func (cm *CheckpointManager) key() string {
	return checkpointPrefix + cm.nodeID
}

// Load returns the stored position, or nil when there is nothing usable to
// continue from.
func (cm *CheckpointManager) Load(ctx context.Context) (*CheckpointData, error) {
	raw, err := cm.store.Get(ctx, cm.key())
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load scanner checkpoint %s: %w", cm.nodeID, err)
	}
	data := &CheckpointData{}
	if err := json.Unmarshal(raw, data); err != nil {
		glog.Warningf("scanner checkpoint %s unreadable, starting over: %v", cm.nodeID, err)
		return nil, nil
	}
	if data.Version > checkpointVersion || data.CycleID == "" {
		glog.Warningf("scanner checkpoint %s has version %d cycle %q, starting over", cm.nodeID, data.Version, data.CycleID)
		return nil, nil
	}
	if data.BucketPositions == nil {
		data.BucketPositions = make(map[string]string)
	}
	sort.Strings(data.CompletedBuckets)
	return data, nil
}

// Begin makes a copy of data the position that the following calls advance.
// A nil data starts a fresh cycle.
func (cm *CheckpointManager) Begin(data *CheckpointData, cycleID string, mode ScanMode) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if data != nil {
		data = data.clone()
	} else {
		data = &CheckpointData{
			Version:         checkpointVersion,
			NodeID:          cm.nodeID,
			CycleID:         cycleID,
			Mode:            mode,
			CycleStart:      util.UnixSeconds(cm.nowFunc()),
			BucketPositions: make(map[string]string),
		}
	}
	cm.data = data
	cm.lastSave = time.Time{}
}

// MarkBatch records that every object up to and including last in bucket is scanned.
func (cm *CheckpointManager) MarkBatch(bucket, last string, objects int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.data == nil {
		return
	}
	if last > cm.data.BucketPositions[bucket] {
		cm.data.BucketPositions[bucket] = last
	}
	cm.data.ObjectsScanned += uint64(objects)
}

func (cm *CheckpointManager) MarkBucketDone(bucket string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.data == nil || cm.data.bucketCompleted(bucket) {
		return
	}
	cm.data.CompletedBuckets = append(cm.data.CompletedBuckets, bucket)
	sort.Strings(cm.data.CompletedBuckets)
	delete(cm.data.BucketPositions, bucket)
}

// Save writes the position if force is set or the interval has passed.
func (cm *CheckpointManager) Save(ctx context.Context, force bool) error {
	cm.mu.Lock()
	if cm.data == nil {
		cm.mu.Unlock()
		return nil
	}
	now := cm.nowFunc()
	if !force && now.Sub(cm.lastSave) < cm.interval {
		cm.mu.Unlock()
		return nil
	}
	if ts := util.UnixSeconds(now); ts > cm.data.LastUpdate {
		cm.data.LastUpdate = ts
	}
	raw, err := json.Marshal(cm.data)
	cm.lastSave = now
	cm.mu.Unlock()

	if err != nil {
		return fmt.Errorf("encode scanner checkpoint %s: %w", cm.nodeID, err)
	}
	if err := cm.store.Put(ctx, cm.key(), raw); err != nil {
		stats.CheckpointSaveCounter.WithLabelValues("scanner", "error").Inc()
		return fmt.Errorf("save scanner checkpoint %s: %w", cm.nodeID, err)
	}
	stats.CheckpointSaveCounter.WithLabelValues("scanner", "ok").Inc()
	return nil
}

// Clear forgets the position once a cycle finished.
func (cm *CheckpointManager) Clear(ctx context.Context) error {
	cm.mu.Lock()
	cm.data = nil
	cm.mu.Unlock()
	if err := cm.store.Delete(ctx, cm.key()); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("clear scanner checkpoint %s: %w", cm.nodeID, err)
	}
	return nil
}

func (cm *CheckpointManager) Info() (CheckpointInfo, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.data == nil {
		return CheckpointInfo{}, false
	}
	return CheckpointInfo{
		CycleID:          cm.data.CycleID,
		Mode:             cm.data.Mode,
		CompletedBuckets: len(cm.data.CompletedBuckets),
		ObjectsScanned:   cm.data.ObjectsScanned,
		LastSave:         cm.lastSave,
	}, true
}
