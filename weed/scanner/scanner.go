package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/karlseguin/ccache/v2"
	"golang.org/x/sync/errgroup"

	"github.com/seaweedfs/ahm/weed/heal"
	"github.com/seaweedfs/ahm/weed/kv/memory"
)

var ErrScannerStopped = errors.New("scanner is stopped")

// ScanStorage is the read side of the storage layer the scanner walks.
// heal.HealStorageAPI satisfies it.
type ScanStorage interface {
	ListBuckets(ctx context.Context) ([]heal.BucketInfo, error)
	GetBucketInfo(ctx context.Context, bucket string) (*heal.BucketInfo, error)
	ListObjectsForHeal(ctx context.Context, bucket, prefix string) ([]string, error)
	GetObjectMeta(ctx context.Context, bucket, object string) (*heal.ObjectInfo, error)
	VerifyObjectIntegrity(ctx context.Context, bucket, object string) (bool, error)
	GetObjectChecksum(ctx context.Context, bucket, object string) (string, error)
	GetDiskStatus(ctx context.Context, endpoint heal.Endpoint) (heal.DiskStatus, error)
}

type ScannerOption struct {
	// Disks are the local disks whose status is watched
	Disks       []heal.Endpoint
	Throttler   *IOThrottler
	Checkpoints *CheckpointManager
	LocalStats  *LocalStatsManager
	Metrics     *MetricsCollector
}

// Scanner periodically walks the buckets of this node and turns what looks
// damaged into heal events.
type Scanner struct {
	config  ScannerConfig
	storage ScanStorage
	events  *heal.EventChannel
	disks   []heal.Endpoint

	throttler   *IOThrottler
	checkpoints *CheckpointManager
	local       *LocalStatsManager
	metrics     *MetricsCollector
	// events sent recently, by type and target
	recent *ccache.Cache

	mu         sync.Mutex
	state      ScannerState
	paused     bool
	resumed    chan struct{}
	diskStatus map[string]heal.DiskStatus
	lastDeep   time.Time
	cancel     context.CancelFunc

	trigger chan ScanMode
	wg      sync.WaitGroup
	nowFunc func() time.Time
}

func NewScanner(config ScannerConfig, storage ScanStorage, events *heal.EventChannel, option ScannerOption) *Scanner {
	config = config.withDefaults()
	s := &Scanner{
		config:      config,
		storage:     storage,
		events:      events,
		disks:       option.Disks,
		throttler:   option.Throttler,
		checkpoints: option.Checkpoints,
		local:       option.LocalStats,
		metrics:     option.Metrics,
		recent:      ccache.New(ccache.Configure().MaxSize(100000).ItemsToPrune(1000)),
		diskStatus:  make(map[string]heal.DiskStatus),
		trigger:     make(chan ScanMode, 1),
		nowFunc:     time.Now,
	}
	if s.checkpoints == nil || s.local == nil {
		store := memory.NewMemoryStore()
		if s.checkpoints == nil {
			s.checkpoints = NewCheckpointManager(store, "local", config.CheckpointInterval)
		}
		if s.local == nil {
			s.local = NewLocalStatsManager("local", store)
		}
	}
	if s.metrics == nil {
		s.metrics = NewMetricsCollector()
	}
	return s
}

func (s *Scanner) Config() ScannerConfig {
	return s.config
}

func (s *Scanner) State() ScannerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused && s.state != ScannerStopped {
		return ScannerPaused
	}
	return s.state
}

func (s *Scanner) setState(state ScannerState) {
	s.mu.Lock()
	if s.state == ScannerStopped {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.local.SetState(s.State())
}

func (s *Scanner) Metrics() ScannerMetrics {
	return s.metrics.Snapshot()
}

func (s *Scanner) LocalStats() *LocalStatsManager {
	return s.local
}

// Start runs scan cycles in the background until Stop or ctx is done.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ScannerStopped {
		return ErrScannerStopped
	}
	if s.cancel != nil {
		return fmt.Errorf("scanner already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.lastDeep = s.nowFunc()
	s.wg.Add(1)
	go s.loop(ctx)
	glog.V(0).Infof("scanner started: %s mode, every %v, %d buckets in parallel", s.config.Mode, s.config.Interval, s.config.Concurrency)
	return nil
}

func (s *Scanner) loop(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		var mode ScanMode
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			mode = s.nextMode()
		case mode = <-s.trigger:
		}
		if err := s.waitIfPaused(ctx); err != nil {
			return
		}
		if err := s.ScanCycle(ctx, mode); err != nil {
			if ctx.Err() != nil {
				return
			}
			glog.Warningf("scan cycle: %v", err)
		}
		timer.Reset(s.config.Interval)
	}
}

func (s *Scanner) nextMode() ScanMode {
	if s.config.Mode == ScanModeDeep {
		return ScanModeDeep
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config.DeepInterval > 0 && s.nowFunc().Sub(s.lastDeep) >= s.config.DeepInterval {
		return ScanModeDeep
	}
	return ScanModeNormal
}

// TriggerScan asks the background loop for a cycle in mode right away.
func (s *Scanner) TriggerScan(mode ScanMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ScannerStopped {
		return ErrScannerStopped
	}
	select {
	case s.trigger <- mode:
	default:
		// a cycle is already requested
	}
	return nil
}

// Pause parks the scanner before its next unit of work.
func (s *Scanner) Pause() {
	s.mu.Lock()
	if s.state == ScannerStopped || s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.resumed = make(chan struct{})
	s.mu.Unlock()
	s.local.SetState(ScannerPaused)
	glog.V(0).Infof("scanner paused")
}

func (s *Scanner) Resume() {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	close(s.resumed)
	s.mu.Unlock()
	s.local.SetState(s.State())
	glog.V(0).Infof("scanner resumed")
}

func (s *Scanner) waitIfPaused(ctx context.Context) error {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return ctx.Err()
	}
	resumed := s.resumed
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-resumed:
		return nil
	}
}

// Stop ends the background loop and waits for the running cycle, whose
// position stays in the checkpoint.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if s.state == ScannerStopped {
		s.mu.Unlock()
		return
	}
	s.state = ScannerStopped
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.recent.Stop()
	s.local.SetState(ScannerStopped)
	if err := s.local.Save(context.Background()); err != nil {
		glog.Warningf("save local stats: %v", err)
	}
	glog.V(0).Infof("scanner stopped")
}

// ScanCycle walks every bucket once. An interrupted cycle of an incremental
// scanner continues from its checkpoint, in the mode it was started with.
func (s *Scanner) ScanCycle(ctx context.Context, mode ScanMode) error {
	s.setState(ScannerScanning)
	defer s.setState(ScannerIdle)

	start := s.nowFunc()
	var resume *CheckpointData
	if s.config.Incremental {
		cp, err := s.checkpoints.Load(ctx)
		if err != nil {
			glog.Warningf("scanner: %v", err)
		}
		resume = cp
	}
	if resume != nil {
		mode = resume.Mode
		s.checkpoints.Begin(resume, resume.CycleID, mode)
		s.local.ResumeCycle(start, resume.CompletedBuckets)
		glog.V(0).Infof("scanner: continue %s cycle %s, %d buckets done", mode, resume.CycleID, len(resume.CompletedBuckets))
	} else {
		resume = &CheckpointData{}
		s.checkpoints.Begin(nil, uuid.NewString(), mode)
		s.local.CycleStarted(start)
		glog.V(1).Infof("scanner: %s cycle started", mode)
	}
	s.metrics.StartCycle(mode, start)

	if err := s.scanDisks(ctx); err != nil {
		return err
	}

	buckets, err := s.storage.ListBuckets(ctx)
	if err != nil {
		s.metrics.RecordError("")
		return fmt.Errorf("list buckets: %w", err)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, bucket := range buckets {
		if resume.bucketCompleted(bucket.Name) {
			continue
		}
		after := resume.position(bucket.Name)
		g.Go(func() error {
			return s.scanBucket(gctx, bucket.Name, mode, after)
		})
	}
	if err := g.Wait(); err != nil {
		if saveErr := s.checkpoints.Save(context.WithoutCancel(ctx), true); saveErr != nil {
			glog.Warningf("scanner: %v", saveErr)
		}
		return err
	}

	end := s.nowFunc()
	previous := s.metrics.Snapshot().Buckets
	snapshot := s.metrics.EndCycle(end)
	s.local.CycleFinished(end, snapshot.Histogram)
	for name := range previous {
		if !containsBucket(buckets, name) {
			s.metrics.ForgetBucket(name)
		}
	}
	if mode == ScanModeDeep {
		s.mu.Lock()
		s.lastDeep = end
		s.mu.Unlock()
	}
	if err := s.checkpoints.Clear(ctx); err != nil {
		glog.Warningf("scanner: %v", err)
	}
	if err := s.local.Save(ctx); err != nil {
		glog.Warningf("save local stats: %v", err)
	}
	glog.V(1).Infof("scanner: %s cycle done in %v, %d objects, %d events", mode, end.Sub(start), snapshot.ObjectsScanned, snapshot.HealEventsEmitted)
	return nil
}

func containsBucket(buckets []heal.BucketInfo, name string) bool {
	for _, b := range buckets {
		if b.Name == name {
			return true
		}
	}
	return false
}

// scanDisks reports every status change of the local disks. A disk seen for
// the first time is assumed to have been ok before.
func (s *Scanner) scanDisks(ctx context.Context) error {
	for _, endpoint := range s.disks {
		status, err := s.storage.GetDiskStatus(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			glog.Warningf("scanner: disk %s status: %v", endpoint, err)
			status = heal.DiskOffline
		}
		s.mu.Lock()
		previous, seen := s.diskStatus[endpoint.URL]
		if !seen {
			previous = heal.DiskOk
		}
		s.diskStatus[endpoint.URL] = status
		s.mu.Unlock()

		s.metrics.RecordDisk(endpoint, status, s.nowFunc())
		if status == previous {
			continue
		}
		glog.V(1).Infof("scanner: disk %s %s -> %s", endpoint, previous, status)
		if err := s.emit(ctx, "", heal.DiskStatusChangeEvent{
			Endpoint:  endpoint,
			OldStatus: previous.String(),
			NewStatus: status.String(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// scanBucket scans the objects of bucket that sort after the given position,
// one batch at a time.
func (s *Scanner) scanBucket(ctx context.Context, bucket string, mode ScanMode, after string) error {
	glog.V(2).Infof("scanner: bucket %s after %q", bucket, after)

	info, err := s.storage.GetBucketInfo(ctx, bucket)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.RecordError(bucket)
		glog.Warningf("scanner: bucket %s info: %v", bucket, err)
	} else if info == nil {
		if err := s.emit(ctx, bucket, heal.BucketMetadataCorruptionEvent{
			Bucket:         bucket,
			CorruptionType: heal.MetadataCorruption,
		}); err != nil {
			return err
		}
	}

	objects, err := s.storage.ListObjectsForHeal(ctx, bucket, "")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// the bucket is left unfinished and is scanned again next cycle
		s.metrics.RecordError(bucket)
		glog.Warningf("scanner: list %s: %v", bucket, err)
		return nil
	}
	sort.Strings(objects)
	first := sort.Search(len(objects), func(i int) bool { return objects[i] > after })

	for i := first; i < len(objects); i += s.config.BatchSize {
		batch := objects[i:min(i+s.config.BatchSize, len(objects))]
		if err := s.waitUnit(ctx, len(batch)); err != nil {
			return err
		}
		result, err := s.scanBatch(ctx, bucket, batch, mode)
		if err != nil {
			return err
		}
		s.local.RecordBatch(result)
		s.checkpoints.MarkBatch(bucket, batch[len(batch)-1], len(batch))
		if err := s.checkpoints.Save(ctx, false); err != nil {
			glog.Warningf("scanner: %v", err)
		}
	}
	s.checkpoints.MarkBucketDone(bucket)
	return nil
}

// waitUnit holds a unit of work back while the scanner is paused or the
// throttler has no budget for it.
func (s *Scanner) waitUnit(ctx context.Context, n int) error {
	if err := s.waitIfPaused(ctx); err != nil {
		return err
	}
	if s.throttler == nil {
		return nil
	}
	return s.throttler.Wait(ctx, n)
}

func (s *Scanner) scanBatch(ctx context.Context, bucket string, objects []string, mode ScanMode) (BatchScanResult, error) {
	start := s.nowFunc()
	result := BatchScanResult{Bucket: bucket}
	for _, object := range objects {
		entry, event, ok := s.scanObject(ctx, bucket, object, mode)
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if !ok {
			continue
		}
		result.Objects++
		if entry.Size > 0 {
			result.Bytes += uint64(entry.Size)
		}
		if event != nil {
			entry.Healthy = false
			entry.Issue = event.Type()
			result.Issues++
			s.metrics.RecordIssue(bucket)
			if err := s.emit(ctx, bucket, event); err != nil {
				return result, err
			}
		}
		result.Entries = append(result.Entries, entry)
	}
	result.CompletedAt = s.nowFunc()
	result.Duration = result.CompletedAt.Sub(start)
	return result, nil
}

// scanObject inspects one object. ok is false for objects deleted since the
// listing.
func (s *Scanner) scanObject(ctx context.Context, bucket, object string, mode ScanMode) (entry ScanResultEntry, event heal.HealEvent, ok bool) {
	entry = ScanResultEntry{Bucket: bucket, Object: object, Healthy: true}
	meta, err := s.storage.GetObjectMeta(ctx, bucket, object)
	if err != nil {
		s.metrics.RecordError(bucket)
		glog.V(1).Infof("scanner: %s/%s meta: %v", bucket, object, err)
		entry.Healthy = false
		return entry, nil, true
	}
	if meta == nil {
		return entry, nil, false
	}
	entry.Size = meta.Size
	s.metrics.RecordObject(bucket, meta.Size, meta.ModTime)

	if missing := len(meta.MissingShards); missing > 0 {
		// no parity left, the next lost disk loses the object
		if missing >= meta.ParityBlocks {
			return entry, heal.ECDecodeFailureEvent{
				Bucket:          bucket,
				Object:          object,
				VersionID:       meta.VersionID,
				MissingShards:   meta.MissingShards,
				AvailableShards: availableShards(meta),
			}, true
		}
		return entry, heal.ObjectMissingEvent{
			Bucket:        bucket,
			Object:        object,
			VersionID:     meta.VersionID,
			ExpectedSize:  meta.Size,
			MissingShards: meta.MissingShards,
		}, true
	}
	if meta.DiskMismatch {
		return entry, heal.MetadataInconsistencyEvent{
			Bucket: bucket,
			Object: object,
			Detail: "disks disagree on the object metadata",
		}, true
	}
	if mode != ScanModeDeep {
		return entry, nil, true
	}

	healthy, err := s.storage.VerifyObjectIntegrity(ctx, bucket, object)
	if err != nil {
		s.metrics.RecordError(bucket)
		glog.V(1).Infof("scanner: verify %s/%s: %v", bucket, object, err)
		return entry, nil, true
	}
	if !healthy {
		return entry, heal.ObjectCorruptionEvent{
			Bucket:         bucket,
			Object:         object,
			VersionID:      meta.VersionID,
			CorruptionType: heal.DataCorruption,
			Level:          heal.SeverityHigh,
		}, true
	}
	if meta.ETag != "" {
		checksum, err := s.storage.GetObjectChecksum(ctx, bucket, object)
		if err != nil {
			s.metrics.RecordError(bucket)
			glog.V(1).Infof("scanner: checksum %s/%s: %v", bucket, object, err)
		} else if checksum != meta.ETag {
			return entry, heal.ChecksumMismatchEvent{
				Bucket:           bucket,
				Object:           object,
				VersionID:        meta.VersionID,
				ExpectedChecksum: meta.ETag,
				ActualChecksum:   checksum,
			}, true
		}
	}
	return entry, nil, true
}

func availableShards(meta *heal.ObjectInfo) []int {
	total := meta.DataBlocks + meta.ParityBlocks
	missing := make(map[int]bool, len(meta.MissingShards))
	for _, i := range meta.MissingShards {
		missing[i] = true
	}
	var available []int
	for i := 0; i < total; i++ {
		if !missing[i] {
			available = append(available, i)
		}
	}
	return available
}

// emit hands the event to the heal manager unless the same event went out
// within the event TTL. It blocks while the event channel is full.
func (s *Scanner) emit(ctx context.Context, bucket string, event heal.HealEvent) error {
	key := event.Type() + "|" + event.Description()
	if s.config.EventTTL > 0 {
		if item := s.recent.Get(key); item != nil && !item.Expired() {
			s.metrics.RecordSuppressed()
			glog.V(4).Infof("scanner: suppress repeated event %s", event.Description())
			return nil
		}
	}
	if err := s.events.Send(ctx, event); err != nil {
		return fmt.Errorf("emit %s: %w", event.Type(), err)
	}
	if s.config.EventTTL > 0 {
		s.recent.Set(key, struct{}{}, s.config.EventTTL)
	}
	s.metrics.RecordEvent(bucket, event.Type())
	s.local.RecordHealEvent()
	glog.V(2).Infof("scanner: %s", event.Description())
	return nil
}
