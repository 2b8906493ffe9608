package heal

import (
	"context"
	"fmt"

	"github.com/golang/glog"
)

func healObject(ctx context.Context, storage HealStorageAPI, target ObjectHeal, opts HealOptions, progress progressFunc) error {
	name := target.Bucket + "/" + target.Object
	progress(func(p *HealProgress) {
		p.TotalObjects = 1
		p.CurrentBucket = target.Bucket
		p.CurrentObject = name
	})

	result, err := storage.HealObject(ctx, target.Bucket, target.Object, target.VersionID, opts)
	if err != nil {
		return fmt.Errorf("heal object %s: %w", name, err)
	}
	if result.Dangling && opts.RemoveCorrupted && !opts.DryRun {
		glog.V(0).Infof("remove dangling object %s", name)
		if err := storage.DeleteObject(ctx, target.Bucket, target.Object); err != nil {
			return fmt.Errorf("remove dangling object %s: %w", name, err)
		}
	}

	if opts.ScanMode == HealDeepScan && !opts.DryRun && !result.Dangling {
		ok, err := storage.VerifyObjectIntegrity(ctx, target.Bucket, target.Object)
		if err != nil {
			return fmt.Errorf("verify %s: %w", name, err)
		}
		if !ok {
			progress(func(p *HealProgress) {
				p.ObjectsScanned++
				p.ObjectsFailed++
			})
			return fmt.Errorf("%s: integrity check failed after heal", name)
		}
	}

	progress(func(p *HealProgress) {
		p.ObjectsScanned++
		if result.DisksHealed > 0 {
			p.ObjectsHealed++
			p.ShardsRewritten += uint64(result.DisksHealed)
		}
		if result.ObjectSize > 0 {
			p.BytesProcessed += uint64(result.ObjectSize)
		}
	})
	glog.V(2).Infof("healed object %s on %d disks", name, result.DisksHealed)
	return nil
}

func healMetadata(ctx context.Context, storage HealStorageAPI, target MetadataHeal, opts HealOptions, progress progressFunc) error {
	meta, err := storage.GetObjectMeta(ctx, target.Bucket, target.Object)
	if err != nil {
		return fmt.Errorf("metadata of %s/%s: %w", target.Bucket, target.Object, err)
	}
	if meta == nil {
		glog.V(1).Infof("object %s/%s is gone, no metadata to heal", target.Bucket, target.Object)
		progress(func(p *HealProgress) { p.ObjectsSkipped++ })
		return nil
	}
	opts.ScanMode = HealDeepScan
	return healObject(ctx, storage, ObjectHeal{Bucket: target.Bucket, Object: target.Object, VersionID: meta.VersionID}, opts, progress)
}

// healBucket heals the bucket and, when recursive, each of its objects. With a
// resume state, objects processed by an interrupted run are skipped and each
// healed object is recorded.
func healBucket(ctx context.Context, storage HealStorageAPI, target BucketHeal, opts HealOptions, progress progressFunc,
	resume *ResumeManager, state *ResumeState) error {
	progress(func(p *HealProgress) { p.CurrentBucket = target.Bucket })

	info, err := storage.GetBucketInfo(ctx, target.Bucket)
	if err != nil {
		return fmt.Errorf("bucket %s: %w", target.Bucket, err)
	}
	if info != nil && !opts.DryRun {
		if err := storage.HealBucketMetadata(ctx, target.Bucket); err != nil {
			return fmt.Errorf("heal metadata of bucket %s: %w", target.Bucket, err)
		}
	}
	if _, err := storage.HealBucket(ctx, target.Bucket, opts); err != nil {
		return fmt.Errorf("heal bucket %s: %w", target.Bucket, err)
	}
	if !opts.Recursive {
		return nil
	}

	objects, err := storage.ListObjectsForHeal(ctx, target.Bucket, "")
	if err != nil {
		return fmt.Errorf("list bucket %s: %w", target.Bucket, err)
	}
	progress(func(p *HealProgress) { p.TotalObjects = uint64(len(objects)) })
	if state != nil {
		state.TotalObjects = uint64(len(objects))
	}
	for _, object := range objects {
		if state != nil && state.IsObjectProcessed(target.Bucket, object) {
			progress(func(p *HealProgress) { p.ObjectsSkipped++ })
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		objectProgress := func(update func(p *HealProgress)) {
			progress(func(p *HealProgress) {
				// per object totals are not meaningful inside a bucket heal
				total := p.TotalObjects
				update(p)
				p.TotalObjects = total
			})
		}
		if err := healObject(ctx, storage, ObjectHeal{Bucket: target.Bucket, Object: object}, opts, objectProgress); err != nil {
			return err
		}
		if state == nil {
			continue
		}
		state.MarkObjectProcessed(target.Bucket, object)
		if err := resume.SaveState(context.WithoutCancel(ctx), state); err != nil {
			return fmt.Errorf("bucket %s: save resume state: %w", target.Bucket, err)
		}
	}
	return nil
}

func healFormat(ctx context.Context, storage HealStorageAPI, target FormatHeal, opts HealOptions) error {
	result, err := storage.HealFormat(ctx, target.DryRun || opts.DryRun)
	if err != nil {
		return fmt.Errorf("heal format: %w", err)
	}
	glog.V(0).Infof("heal format: %d disks healed %s", result.DisksHealed, result.Detail)
	return nil
}
