package heal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"

	"github.com/seaweedfs/ahm/weed/kv"
	"github.com/seaweedfs/ahm/weed/stats"
	"github.com/seaweedfs/ahm/weed/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	resumeStateVersion      = 1
	resumeCheckpointVersion = 1

	resumeStatePrefix      = "resume/"
	resumeCheckpointPrefix = "checkpoint/"
)

// clock is replaced in tests.
var clock = time.Now

func nowUnixSeconds() uint64 {
	return util.UnixSeconds(clock())
}

// ResumeState is the durable progress of one heal target, keyed by the
// target key, e.g. "pool_0_set_1".
type ResumeState struct {
	Version  int             `json:"version"`
	TaskID   string          `json:"task_id"`
	TaskType string          `json:"task_type"`
	Target   string          `json:"target"`
	HealType *healTypeRecord `json:"heal_type,omitempty"`
	Priority HealPriority    `json:"priority"`
	Options  HealOptions     `json:"options"`

	Buckets          []string `json:"buckets"`
	ProcessedBuckets []string `json:"processed_buckets"`
	// ProcessedObjects holds "bucket/object" names
	ProcessedObjects []string `json:"processed_objects"`
	FailedObjects    []string `json:"failed_objects"`
	CurrentBucket    string   `json:"current_bucket,omitempty"`
	CurrentObject    string   `json:"current_object,omitempty"`
	ResumeDisk       string   `json:"resume_disk,omitempty"`

	TotalObjects    uint64 `json:"total_objects"`
	ShardsRewritten uint64 `json:"shards_rewritten"`
	StartTime       uint64 `json:"start_time"`
	LastUpdate      uint64 `json:"last_update"`
}

func NewResumeState(taskID, taskType, target string, buckets []string) *ResumeState {
	now := nowUnixSeconds()
	return &ResumeState{
		Version:    resumeStateVersion,
		TaskID:     taskID,
		TaskType:   taskType,
		Target:     target,
		Buckets:    buckets,
		StartTime:  now,
		LastUpdate: now,
	}
}

// newResumeStateFor records the request so the task can be re-submitted.
func newResumeStateFor(task *HealTask, buckets []string) *ResumeState {
	req := task.Request()
	st := NewResumeState(req.ID, req.HealType.Kind(), req.HealType.Key(), buckets)
	st.HealType = toHealTypeRecord(req.HealType)
	st.Priority = task.Priority()
	st.Options = req.Options
	return st
}

func (st *ResumeState) MarkBucketProcessed(bucket string) {
	st.ProcessedBuckets = appendUnique(st.ProcessedBuckets, bucket)
	st.CurrentBucket = ""
	st.touch()
}

func (st *ResumeState) MarkObjectProcessed(bucket, object string) {
	st.ProcessedObjects = appendUnique(st.ProcessedObjects, bucket+"/"+object)
	st.CurrentObject = ""
	st.touch()
}

func (st *ResumeState) MarkObjectFailed(bucket, object string) {
	st.FailedObjects = appendUnique(st.FailedObjects, bucket+"/"+object)
	st.touch()
}

func (st *ResumeState) IsBucketProcessed(bucket string) bool {
	return contains(st.ProcessedBuckets, bucket)
}

func (st *ResumeState) IsObjectProcessed(bucket, object string) bool {
	return contains(st.ProcessedObjects, bucket+"/"+object)
}

func (st *ResumeState) touch() {
	if now := nowUnixSeconds(); now > st.LastUpdate {
		st.LastUpdate = now
	}
}

// ResumeCheckpoint is the scan position inside a ResumeState.
type ResumeCheckpoint struct {
	Version            int      `json:"version"`
	TaskID             string   `json:"task_id"`
	CheckpointTime     uint64   `json:"checkpoint_time"`
	CurrentBucketIndex int      `json:"current_bucket_index"`
	CurrentObjectIndex int      `json:"current_object_index"`
	ProcessedObjects   []string `json:"processed_objects"`
	PendingBuckets     []string `json:"pending_buckets"`
}

func NewResumeCheckpoint(taskID string) *ResumeCheckpoint {
	return &ResumeCheckpoint{
		Version:        resumeCheckpointVersion,
		TaskID:         taskID,
		CheckpointTime: nowUnixSeconds(),
	}
}

// ResumeManager persists ResumeStates and ResumeCheckpoints in a kv.Store.
// Writes to one key are serialized, writes to different keys are not.
type ResumeManager struct {
	store kv.Store
	locks *util.LockTable[string]
}

func NewResumeManager(store kv.Store) *ResumeManager {
	return &ResumeManager{
		store: store,
		locks: util.NewLockTable[string](),
	}
}

// SaveState writes st under st.Target. The stored record never moves
// backwards: last_update keeps the larger value and processed lists are
// merged with what is already stored for the same task.
// States of dry runs are not stored, their objects were only inspected.
func (rm *ResumeManager) SaveState(ctx context.Context, st *ResumeState) error {
	if st.Target == "" {
		return fmt.Errorf("%w: resume state without target", ErrInvalidArgument)
	}
	if st.Options.DryRun {
		return nil
	}
	key := resumeStatePrefix + st.Target
	return rm.locks.WithLock("save resume state", key, util.ExclusiveLock, func() error {
		previous, _ := rm.loadState(ctx, key)
		if previous != nil && previous.LastUpdate > st.LastUpdate {
			st.LastUpdate = previous.LastUpdate
		}
		if previous != nil && previous.TaskID == st.TaskID {
			if previous.StartTime != 0 && (st.StartTime == 0 || previous.StartTime < st.StartTime) {
				st.StartTime = previous.StartTime
			}
			st.ProcessedBuckets = union(st.ProcessedBuckets, previous.ProcessedBuckets)
			st.ProcessedObjects = union(st.ProcessedObjects, previous.ProcessedObjects)
			st.FailedObjects = union(st.FailedObjects, previous.FailedObjects)
		}
		st.Version = resumeStateVersion
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode resume state %s: %w", st.Target, err)
		}
		if err = rm.store.Put(ctx, key, data); err != nil {
			stats.CheckpointSaveCounter.WithLabelValues("heal", "error").Inc()
			return err
		}
		stats.CheckpointSaveCounter.WithLabelValues("heal", "ok").Inc()
		glog.V(4).Infof("saved resume state %s: %d buckets %d objects processed", st.Target, len(st.ProcessedBuckets), len(st.ProcessedObjects))
		return nil
	})
}

// LoadState returns nil without error when there is no usable state for target.
func (rm *ResumeManager) LoadState(ctx context.Context, target string) (st *ResumeState, err error) {
	key := resumeStatePrefix + target
	err = rm.locks.WithLock("load resume state", key, util.SharedLock, func() error {
		st, err = rm.loadState(ctx, key)
		return err
	})
	return
}

func (rm *ResumeManager) loadState(ctx context.Context, key string) (*ResumeState, error) {
	data, err := rm.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st := &ResumeState{}
	if err := json.Unmarshal(data, st); err != nil {
		glog.Warningf("ignore unreadable resume state %s: %v", key, err)
		return nil, nil
	}
	if st.Version > resumeStateVersion || st.Target == "" {
		glog.Warningf("ignore resume state %s with version %d target %q", key, st.Version, st.Target)
		return nil, nil
	}
	return st, nil
}

func (rm *ResumeManager) DeleteState(ctx context.Context, target string) error {
	key := resumeStatePrefix + target
	return rm.locks.WithLock("delete resume state", key, util.ExclusiveLock, func() error {
		return rm.store.Delete(ctx, key)
	})
}

// ListIncomplete loads every stored state. Finished heals delete theirs, so
// what is left belongs to interrupted or failed heals.
func (rm *ResumeManager) ListIncomplete(ctx context.Context) ([]*ResumeState, error) {
	keys, err := rm.store.ListKeys(ctx, resumeStatePrefix)
	if err != nil {
		return nil, fmt.Errorf("list resume states: %w", err)
	}
	var states []*ResumeState
	for _, key := range keys {
		st, err := rm.LoadState(ctx, strings.TrimPrefix(key, resumeStatePrefix))
		if err != nil {
			glog.Warningf("skip resume state %s: %v", key, err)
			continue
		}
		if st != nil && !st.Options.DryRun {
			states = append(states, st)
		}
	}
	return states, nil
}

// resumable returns the stored state task continues, nil when it starts
// over. A dry run never continues a state and a state left by a dry run is
// never continued.
func (rm *ResumeManager) resumable(ctx context.Context, task *HealTask) *ResumeState {
	req := task.Request()
	if req.Options.DryRun {
		return nil
	}
	target := req.HealType.Key()
	state, err := rm.LoadState(ctx, target)
	if err != nil {
		glog.Warningf("load resume state %s: %v", target, err)
		return nil
	}
	if state == nil || state.Options.DryRun || state.TaskType != req.HealType.Kind() {
		return nil
	}
	state.Priority = maxPriority(state.Priority, task.Priority())
	return state
}

// begin returns the state task continues, or stores a new one.
func (rm *ResumeManager) begin(ctx context.Context, task *HealTask, buckets []string) (*ResumeState, error) {
	if state := rm.resumable(ctx, task); state != nil {
		glog.V(0).Infof("%s: resume task %s with %d buckets and %d objects processed",
			state.Target, state.TaskID, len(state.ProcessedBuckets), len(state.ProcessedObjects))
		return state, nil
	}
	state := newResumeStateFor(task, buckets)
	if err := rm.SaveState(ctx, state); err != nil {
		return nil, fmt.Errorf("%s: save resume state: %w", state.Target, err)
	}
	return state, nil
}

func (rm *ResumeManager) SaveCheckpoint(ctx context.Context, target string, cp *ResumeCheckpoint) error {
	key := resumeCheckpointPrefix + target
	return rm.locks.WithLock("save resume checkpoint", key, util.ExclusiveLock, func() error {
		if now := nowUnixSeconds(); now > cp.CheckpointTime {
			cp.CheckpointTime = now
		}
		cp.Version = resumeCheckpointVersion
		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("encode resume checkpoint %s: %w", target, err)
		}
		return rm.store.Put(ctx, key, data)
	})
}

func (rm *ResumeManager) LoadCheckpoint(ctx context.Context, target string) (*ResumeCheckpoint, error) {
	data, err := rm.store.Get(ctx, resumeCheckpointPrefix+target)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp := &ResumeCheckpoint{}
	if err := json.Unmarshal(data, cp); err != nil {
		glog.Warningf("ignore unreadable resume checkpoint %s: %v", target, err)
		return nil, nil
	}
	return cp, nil
}

// Cleanup removes both records of a finished target.
func (rm *ResumeManager) Cleanup(ctx context.Context, target string) error {
	if err := rm.DeleteState(ctx, target); err != nil {
		return err
	}
	key := resumeCheckpointPrefix + target
	return rm.locks.WithLock("delete resume checkpoint", key, util.ExclusiveLock, func() error {
		return rm.store.Delete(ctx, key)
	})
}

// CheckpointManager saves the position of one running heal, at most once
// per interval unless forced.
type CheckpointManager struct {
	rm         *ResumeManager
	target     string
	interval   time.Duration
	lastSave   time.Time
	checkpoint *ResumeCheckpoint
}

func NewCheckpointManager(rm *ResumeManager, taskID, target string, interval time.Duration) *CheckpointManager {
	return &CheckpointManager{
		rm:         rm,
		target:     target,
		interval:   interval,
		checkpoint: NewResumeCheckpoint(taskID),
	}
}

func (cm *CheckpointManager) Update(bucketIndex, objectIndex int, pendingBuckets []string, processedObject string) {
	cm.checkpoint.CurrentBucketIndex = bucketIndex
	cm.checkpoint.CurrentObjectIndex = objectIndex
	cm.checkpoint.PendingBuckets = pendingBuckets
	if processedObject != "" {
		cm.checkpoint.ProcessedObjects = appendUnique(cm.checkpoint.ProcessedObjects, processedObject)
	}
}

func (cm *CheckpointManager) Save(ctx context.Context, force bool) error {
	if !force && time.Since(cm.lastSave) < cm.interval {
		return nil
	}
	if err := cm.rm.SaveCheckpoint(ctx, cm.target, cm.checkpoint); err != nil {
		return err
	}
	cm.lastSave = time.Now()
	return nil
}

func (cm *CheckpointManager) Checkpoint() *ResumeCheckpoint {
	return cm.checkpoint
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func appendUnique(list []string, s string) []string {
	if contains(list, s) {
		return list
	}
	return append(list, s)
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, found := seen[s]; !found {
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}
