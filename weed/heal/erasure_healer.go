package heal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"

	"github.com/seaweedfs/ahm/weed/stats"
	"github.com/seaweedfs/ahm/weed/storage/erasure_coding"
)

// ErasureSetHealer rebuilds the shards of the disks of one erasure set that
// lost them, object by object, from the shards on the healthy disks.
type ErasureSetHealer struct {
	storage            HealStorageAPI
	resume             *ResumeManager
	checkpointInterval time.Duration

	erasureLock sync.Mutex
	erasures    map[erasureKey]*erasure_coding.Erasure
}

type erasureKey struct {
	data, parity, blockSize int
}

func NewErasureSetHealer(storage HealStorageAPI, resume *ResumeManager, checkpointInterval time.Duration) *ErasureSetHealer {
	return &ErasureSetHealer{
		storage:            storage,
		resume:             resume,
		checkpointInterval: checkpointInterval,
		erasures:           make(map[erasureKey]*erasure_coding.Erasure),
	}
}

func (h *ErasureSetHealer) erasure(layout ShardLayout) (*erasure_coding.Erasure, error) {
	key := erasureKey{layout.DataShards, layout.ParityShards, layout.BlockSize}
	h.erasureLock.Lock()
	defer h.erasureLock.Unlock()
	if e, found := h.erasures[key]; found {
		return e, nil
	}
	e, err := erasure_coding.NewErasure(layout.DataShards, layout.ParityShards, layout.BlockSize)
	if err != nil {
		return nil, err
	}
	h.erasures[key] = e
	return e, nil
}

// HealErasureSet heals every object of the set on the disks that need it.
// Progress is saved after each object, so a cancelled or failed heal resumes
// after the last finished object.
func (h *ErasureSetHealer) HealErasureSet(ctx context.Context, task *HealTask, set ErasureSetHeal, progress progressFunc) error {
	opts := task.Request().Options
	setDiskID := set.Key()

	endpoints, err := h.storage.GetSetEndpoints(ctx, set.PoolIdx, set.SetIdx)
	if err != nil {
		return fmt.Errorf("get disks of %s: %w", setDiskID, err)
	}

	statuses := make([]DiskStatus, len(endpoints))
	var targets, unreachable int
	for i, endpoint := range endpoints {
		status, err := h.storage.GetDiskStatus(ctx, endpoint)
		if err != nil {
			glog.Warningf("erasure set %s: disk %s status: %v", setDiskID, endpoint, err)
			status = DiskOffline
		}
		statuses[i] = status
		switch {
		case status.needsHeal():
			targets++
		case status.unreachable():
			unreachable++
		}
	}
	if targets == 0 {
		if unreachable > 0 {
			return fmt.Errorf("erasure set %s: %d of %d disks unreachable: %w", setDiskID, unreachable, len(endpoints), ErrDiskOffline)
		}
		glog.V(1).Infof("erasure set %s: all %d disks ok, nothing to heal", setDiskID, len(endpoints))
		return nil
	}
	glog.V(0).Infof("erasure set %s: healing %d of %d disks", setDiskID, targets, len(endpoints))

	if !opts.DryRun {
		for i, endpoint := range endpoints {
			if statuses[i] != DiskMissing {
				continue
			}
			if err := h.storage.FormatDisk(ctx, endpoint); err != nil {
				return fmt.Errorf("format replaced disk %s: %w", endpoint, err)
			}
		}
	}

	state, err := h.loadOrCreateState(ctx, task, set)
	if err != nil {
		return err
	}
	if resumeDisk, err := h.storage.GetDiskForResume(ctx, setDiskID); err != nil {
		glog.Warningf("erasure set %s: no disk for resume data: %v", setDiskID, err)
	} else {
		state.ResumeDisk = resumeDisk.URL
	}
	checkpoints := NewCheckpointManager(h.resume, state.TaskID, setDiskID, h.checkpointInterval)

	processedBuckets := toSet(state.ProcessedBuckets)
	processedObjects := toSet(state.ProcessedObjects)
	// saves must complete even when the heal is being cancelled
	saveCtx := context.WithoutCancel(ctx)

	var failed int
	var firstErr error
	for bucketIndex, bucket := range state.Buckets {
		if processedBuckets[bucket] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		progress(func(p *HealProgress) { p.CurrentBucket = bucket })
		state.CurrentBucket = bucket

		if _, err := h.storage.HealBucket(ctx, bucket, opts); err != nil {
			return fmt.Errorf("erasure set %s: heal bucket %s: %w", setDiskID, bucket, err)
		}
		objects, err := h.storage.ListObjectsForHeal(ctx, bucket, "")
		if err != nil {
			return fmt.Errorf("erasure set %s: list bucket %s: %w", setDiskID, bucket, err)
		}
		state.TotalObjects += uint64(len(objects))
		progress(func(p *HealProgress) { p.TotalObjects += uint64(len(objects)) })
		glog.V(2).Infof("erasure set %s: bucket %s has %d objects", setDiskID, bucket, len(objects))

		for objectIndex, object := range objects {
			name := bucket + "/" + object
			if processedObjects[name] {
				progress(func(p *HealProgress) { p.ObjectsSkipped++ })
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			state.CurrentObject = object
			progress(func(p *HealProgress) { p.CurrentObject = name })

			rewritten, size, err := h.healObjectShards(ctx, set, endpoints, statuses, bucket, object, opts)
			switch {
			case err == nil:
				state.ShardsRewritten += uint64(rewritten)
				if !opts.DryRun {
					stats.HealShardsRewrittenCounter.Add(float64(rewritten))
				}
				progress(func(p *HealProgress) {
					p.ObjectsScanned++
					if rewritten > 0 {
						p.ObjectsHealed++
					}
					p.ShardsRewritten += uint64(rewritten)
					p.BytesProcessed += uint64(size)
				})
			case isObjectFailure(err):
				glog.Errorf("erasure set %s: heal %s: %v", setDiskID, name, err)
				failed++
				if firstErr == nil {
					firstErr = err
				}
				state.MarkObjectFailed(bucket, object)
				progress(func(p *HealProgress) {
					p.ObjectsScanned++
					p.ObjectsFailed++
				})
				// left unprocessed, a resumed heal retries it
				if err := h.resume.SaveState(saveCtx, state); err != nil {
					return fmt.Errorf("erasure set %s: save resume state: %w", setDiskID, err)
				}
				continue
			default:
				if saveErr := h.resume.SaveState(saveCtx, state); saveErr != nil {
					glog.Warningf("erasure set %s: save resume state: %v", setDiskID, saveErr)
				}
				return fmt.Errorf("erasure set %s: heal %s: %w", setDiskID, name, err)
			}

			state.MarkObjectProcessed(bucket, object)
			processedObjects[name] = true
			if err := h.resume.SaveState(saveCtx, state); err != nil {
				return fmt.Errorf("erasure set %s: save resume state: %w", setDiskID, err)
			}
			checkpoints.Update(bucketIndex, objectIndex+1, state.Buckets[bucketIndex:], name)
			if opts.DryRun {
				continue
			}
			if err := checkpoints.Save(saveCtx, false); err != nil {
				glog.Warningf("erasure set %s: save checkpoint: %v", setDiskID, err)
			}
		}

		state.MarkBucketProcessed(bucket)
		processedBuckets[bucket] = true
		if err := h.resume.SaveState(saveCtx, state); err != nil {
			return fmt.Errorf("erasure set %s: save resume state: %w", setDiskID, err)
		}
	}

	if !opts.DryRun {
		if err := checkpoints.Save(saveCtx, true); err != nil {
			glog.Warningf("erasure set %s: save checkpoint: %v", setDiskID, err)
		}
	}
	glog.V(0).Infof("erasure set %s: rewrote %d shards, %d objects failed", setDiskID, state.ShardsRewritten, failed)
	if failed > 0 {
		return fmt.Errorf("erasure set %s: %d objects could not be healed: %w", setDiskID, failed, firstErr)
	}
	return nil
}

func (h *ErasureSetHealer) loadOrCreateState(ctx context.Context, task *HealTask, set ErasureSetHeal) (*ResumeState, error) {
	if state := h.resume.resumable(ctx, task); state != nil {
		glog.V(0).Infof("erasure set %s: resume task %s with %d buckets and %d objects processed",
			set.Key(), state.TaskID, len(state.ProcessedBuckets), len(state.ProcessedObjects))
		return state, nil
	}

	buckets := set.Buckets
	if len(buckets) == 0 {
		infos, err := h.storage.ListBuckets(ctx)
		if err != nil {
			return nil, fmt.Errorf("erasure set %s: list buckets: %w", set.Key(), err)
		}
		for _, info := range infos {
			buckets = append(buckets, info.Name)
		}
	}
	return h.resume.begin(ctx, task, buckets)
}

// healObjectShards rebuilds one object on the disks that need healing.
func (h *ErasureSetHealer) healObjectShards(ctx context.Context, set ErasureSetHeal, endpoints []Endpoint, statuses []DiskStatus,
	bucket, object string, opts HealOptions) (rewritten int, size int64, err error) {

	layout, err := h.storage.GetShardLayout(ctx, set.PoolIdx, set.SetIdx, bucket, object)
	if errors.Is(err, ErrObjectNotFound) {
		glog.V(2).Infof("%s/%s is gone, nothing to heal", bucket, object)
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("shard layout: %w", err)
	}
	e, err := h.erasure(layout)
	if err != nil {
		return 0, 0, err
	}
	if e.TotalShards() != len(endpoints) {
		return 0, 0, fmt.Errorf("%w: %d+%d shards on %d disks", ErrInvalidArgument, layout.DataShards, layout.ParityShards, len(endpoints))
	}

	readers := make([]io.ReaderAt, len(endpoints))
	var targets []int
	available := 0
	for i, endpoint := range endpoints {
		switch {
		case statuses[i].needsHeal():
			targets = append(targets, i)
		case statuses[i] == DiskOk:
			reader, err := h.storage.OpenShardReader(ctx, endpoint, bucket, object)
			if err != nil {
				glog.V(2).Infof("shard of %s/%s on %s unreadable: %v", bucket, object, endpoint, err)
				continue
			}
			readers[i] = reader
			available++
		}
	}

	if opts.DryRun {
		if available < layout.DataShards {
			return 0, layout.Size, &erasure_coding.InsufficientShardsError{Need: layout.DataShards, Have: available}
		}
		glog.V(4).Infof("dry run: would heal %s/%s on %d disks", bucket, object, len(targets))
		return len(targets), layout.Size, nil
	}

	writers := make([]io.Writer, len(endpoints))
	var shardWriters []ShardWriter
	abort := func() {
		for _, w := range shardWriters {
			if abortErr := w.Abort(); abortErr != nil {
				glog.Warningf("abort shard of %s/%s: %v", bucket, object, abortErr)
			}
		}
	}
	for _, i := range targets {
		w, err := h.storage.CreateShardWriter(ctx, endpoints[i], bucket, object)
		if err != nil {
			abort()
			return 0, 0, fmt.Errorf("create shard on %s: %w", endpoints[i], err)
		}
		writers[i] = w
		shardWriters = append(shardWriters, w)
	}

	if err = e.Heal(ctx, writers, readers, layout.Size); err != nil {
		abort()
		return 0, 0, err
	}
	for _, w := range shardWriters {
		if err := w.Commit(); err != nil {
			return 0, 0, fmt.Errorf("commit shard of %s/%s: %w", bucket, object, err)
		}
	}
	glog.V(4).Infof("healed %s/%s (%s) on %d disks", bucket, object, humanize.IBytes(uint64(layout.Size)), len(targets))
	return len(targets), layout.Size, nil
}

// isObjectFailure reports errors that only affect the object at hand, the
// set heal continues with the next object.
func isObjectFailure(err error) bool {
	var insufficient *erasure_coding.InsufficientShardsError
	return errors.As(err, &insufficient) || errors.Is(err, ErrInvalidArgument) || errors.Is(err, erasure_coding.ErrInvalidArgument)
}

// HealECDecode rebuilds an object reported as undecodable and checks the result.
func (h *ErasureSetHealer) HealECDecode(ctx context.Context, task *HealTask, target ECDecodeHeal, progress progressFunc) error {
	opts := task.Request().Options
	name := target.Bucket + "/" + target.Object
	progress(func(p *HealProgress) {
		p.TotalObjects = 1
		p.CurrentBucket = target.Bucket
		p.CurrentObject = name
	})

	if !opts.DryRun {
		data, err := h.storage.ECDecodeRebuild(ctx, target.Bucket, target.Object)
		if err != nil {
			return fmt.Errorf("ec decode rebuild %s: %w", name, err)
		}
		stats.HealShardsRewrittenCounter.Add(float64(len(target.MissingShards)))
		progress(func(p *HealProgress) {
			p.BytesProcessed += uint64(len(data))
			p.ShardsRewritten += uint64(len(target.MissingShards))
		})
		glog.V(1).Infof("rebuilt %s (%s), missing shards %v", name, humanize.IBytes(uint64(len(data))), target.MissingShards)
	}

	ok, err := h.storage.VerifyObjectIntegrity(ctx, target.Bucket, target.Object)
	if err != nil {
		return fmt.Errorf("verify %s: %w", name, err)
	}
	if !ok {
		progress(func(p *HealProgress) {
			p.ObjectsScanned++
			p.ObjectsFailed++
		})
		return fmt.Errorf("%s: integrity check failed after rebuild", name)
	}
	progress(func(p *HealProgress) {
		p.ObjectsScanned++
		p.ObjectsHealed++
	})
	return nil
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[s] = true
	}
	return set
}
