package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"

	"github.com/seaweedfs/ahm/weed/heal"
	"github.com/seaweedfs/ahm/weed/storage/erasure_coding"
	"github.com/seaweedfs/ahm/weed/util"
)

func objectLockKey(bucket, object string) string {
	return bucket + "/" + object
}

// readMetas reads the object metadata of every disk of the set. Disks that
// are not usable, or do not hold the object, get a nil entry.
func (s *Store) readMetas(set *erasureSet, statuses []heal.DiskStatus, bucket, object string) []*objectMeta {
	metas := make([]*objectMeta, len(set.disks))
	for i, disk := range set.disks {
		if statuses[i] != heal.DiskOk {
			continue
		}
		meta, err := disk.readMeta(bucket, object)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				glog.V(1).Infof("%s/%s on %s: %v", bucket, object, disk.Directory, err)
			}
			continue
		}
		metas[i] = meta
	}
	return metas
}

// quorumMeta picks the version of the object most disks agree on, the
// newest one on a tie.
func quorumMeta(metas []*objectMeta) (*objectMeta, int) {
	var best *objectMeta
	bestCount := 0
	for _, m := range metas {
		if m == nil {
			continue
		}
		count := 0
		for _, o := range metas {
			if o != nil && m.sameObject(o) {
				count++
			}
		}
		if count > bestCount || count == bestCount && m.ModTime.After(best.ModTime) {
			best, bestCount = m, count
		}
	}
	return best, bestCount
}

// shardReaders loads the verified shards of the quorum version.
func (s *Store) shardReaders(set *erasureSet, metas []*objectMeta, quorum *objectMeta, bucket, object string) ([]io.ReaderAt, int) {
	readers := make([]io.ReaderAt, len(set.disks))
	available := 0
	for i, disk := range set.disks {
		if metas[i] == nil || !metas[i].sameObject(quorum) {
			continue
		}
		data, err := disk.readShard(bucket, object, metas[i])
		if err != nil {
			glog.V(1).Infof("skip shard %d of %s/%s: %v", i, bucket, object, err)
			continue
		}
		readers[i] = bytes.NewReader(data)
		available++
	}
	return readers, available
}

func (s *Store) GetObjectMeta(ctx context.Context, bucket, object string) (*heal.ObjectInfo, error) {
	if err := checkObjectName(bucket, object); err != nil {
		return nil, err
	}
	set := s.setFor(bucket, object)
	statuses := s.statuses(set)
	metas := s.readMetas(set, statuses, bucket, object)
	quorum, _ := quorumMeta(metas)
	if quorum == nil {
		return nil, nil
	}
	info := &heal.ObjectInfo{
		Bucket:       bucket,
		Name:         object,
		VersionID:    quorum.VersionID,
		Size:         quorum.Size,
		ModTime:      quorum.ModTime,
		ETag:         quorum.ETag,
		DataBlocks:   quorum.DataShards,
		ParityBlocks: quorum.ParityShards,
	}
	// unusable disks are reported through their disk status
	for i, meta := range metas {
		if statuses[i] != heal.DiskOk {
			continue
		}
		switch {
		case meta == nil:
			info.MissingShards = append(info.MissingShards, i)
		case !meta.sameObject(quorum):
			info.DiskMismatch = true
			info.MissingShards = append(info.MissingShards, i)
		case !set.disks[i].hasShard(bucket, object, meta):
			info.MissingShards = append(info.MissingShards, i)
		}
	}
	return info, nil
}

func (l *DiskLocation) hasShard(bucket, object string, meta *objectMeta) bool {
	fi, err := os.Stat(filepath.Join(l.objectDir(bucket, object), shardFile))
	return err == nil && fi.Size() == meta.ShardSize
}

func (s *Store) GetObjectData(ctx context.Context, bucket, object string) (data []byte, err error) {
	if err := checkObjectName(bucket, object); err != nil {
		return nil, err
	}
	err = s.locks.WithLock("get", objectLockKey(bucket, object), util.SharedLock, func() error {
		data, err = s.readObject(ctx, bucket, object)
		return err
	})
	return data, err
}

func (s *Store) readObject(ctx context.Context, bucket, object string) ([]byte, error) {
	set := s.setFor(bucket, object)
	metas := s.readMetas(set, s.statuses(set), bucket, object)
	quorum, _ := quorumMeta(metas)
	if quorum == nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, object, ErrObjectNotFound)
	}
	e, err := s.erasure(quorum.DataShards, quorum.ParityShards, quorum.BlockSize)
	if err != nil {
		return nil, err
	}
	readers, _ := s.shardReaders(set, metas, quorum, bucket, object)
	var buf bytes.Buffer
	buf.Grow(int(quorum.Size))
	if _, err := e.Decode(ctx, &buf, readers, quorum.Size); err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, object, err)
	}
	return buf.Bytes(), nil
}

// PutObjectData erasure codes data over the usable disks of the object's
// set. The write needs as many disks as there are data shards.
func (s *Store) PutObjectData(ctx context.Context, bucket, object string, data []byte) error {
	if err := checkObjectName(bucket, object); err != nil {
		return err
	}
	info, err := s.GetBucketInfo(ctx, bucket)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("put %s/%s: %w", bucket, object, ErrBucketNotFound)
	}
	set := s.setFor(bucket, object)
	e, err := s.erasure(set.dataShards, set.parityShards, s.blockSize)
	if err != nil {
		return err
	}
	etag := md5.Sum(data)
	template := &objectMeta{
		Version:      metaVersion,
		Size:         int64(len(data)),
		ModTime:      s.nowFunc().UTC(),
		ETag:         hex.EncodeToString(etag[:]),
		DataShards:   set.dataShards,
		ParityShards: set.parityShards,
		BlockSize:    s.blockSize,
	}

	return s.locks.WithLock("put", objectLockKey(bucket, object), util.ExclusiveLock, func() error {
		statuses := s.statuses(set)
		writers := make([]io.Writer, len(set.disks))
		shardWriters := make([]*shardWriter, len(set.disks))
		for i, disk := range set.disks {
			if statuses[i] != heal.DiskOk {
				continue
			}
			w, err := newShardWriter(disk, bucket, object, template, i)
			if err != nil {
				glog.Warningf("put %s/%s on %s: %v", bucket, object, disk.Directory, err)
				continue
			}
			shardWriters[i], writers[i] = w, w
		}
		if _, err := e.Encode(ctx, bytes.NewReader(data), writers, int64(len(data)), set.dataShards); err != nil {
			abortShardWriters(shardWriters)
			return fmt.Errorf("put %s/%s: %w", bucket, object, err)
		}
		committed := 0
		for _, w := range shardWriters {
			if w == nil {
				continue
			}
			if err := w.commit(); err != nil {
				glog.Warningf("put %s/%s on %s: %v", bucket, object, w.location.Directory, err)
				continue
			}
			committed++
		}
		if committed < set.dataShards {
			return fmt.Errorf("put %s/%s: %d of %d shards committed: %w", bucket, object, committed, len(set.disks), erasure_coding.ErrWriteQuorum)
		}
		glog.V(4).Infof("put %s/%s (%s) on %d disks", bucket, object, humanize.IBytes(uint64(len(data))), committed)
		return nil
	})
}

// DeleteObject removes the object from the usable disks of its set.
func (s *Store) DeleteObject(ctx context.Context, bucket, object string) error {
	if err := checkObjectName(bucket, object); err != nil {
		return err
	}
	set := s.setFor(bucket, object)
	return s.locks.WithLock("delete", objectLockKey(bucket, object), util.ExclusiveLock, func() error {
		statuses := s.statuses(set)
		removed := 0
		var lastErr error
		for i, disk := range set.disks {
			if statuses[i] != heal.DiskOk {
				continue
			}
			if err := disk.removeObject(bucket, object); err != nil {
				glog.Warningf("delete %s/%s on %s: %v", bucket, object, disk.Directory, err)
				lastErr = err
				continue
			}
			removed++
		}
		if removed == 0 && lastErr != nil {
			return fmt.Errorf("delete %s/%s: %w", bucket, object, lastErr)
		}
		glog.V(2).Infof("deleted %s/%s from %d disks", bucket, object, removed)
		return nil
	})
}

// VerifyObjectIntegrity checks the checksum of every shard of the current
// version. Missing shards are not an integrity failure as long as the object
// can still be decoded.
func (s *Store) VerifyObjectIntegrity(ctx context.Context, bucket, object string) (ok bool, err error) {
	if err := checkObjectName(bucket, object); err != nil {
		return false, err
	}
	err = s.locks.WithLock("verify", objectLockKey(bucket, object), util.SharedLock, func() error {
		set := s.setFor(bucket, object)
		metas := s.readMetas(set, s.statuses(set), bucket, object)
		quorum, _ := quorumMeta(metas)
		if quorum == nil {
			return fmt.Errorf("verify %s/%s: %w", bucket, object, ErrObjectNotFound)
		}
		good := 0
		for i, disk := range set.disks {
			if metas[i] == nil || !metas[i].sameObject(quorum) {
				continue
			}
			if _, err := disk.readShard(bucket, object, metas[i]); err != nil {
				glog.V(1).Infof("verify %s/%s: %v", bucket, object, err)
				return nil
			}
			good++
		}
		ok = good >= quorum.DataShards
		return nil
	})
	return ok, err
}

// ECDecodeRebuild heals the object and then decodes it.
func (s *Store) ECDecodeRebuild(ctx context.Context, bucket, object string) ([]byte, error) {
	result, err := s.HealObject(ctx, bucket, object, "", heal.HealOptions{})
	if err != nil {
		return nil, err
	}
	if result.DisksHealed > 0 {
		glog.V(1).Infof("rebuilt %d shards of %s/%s", result.DisksHealed, bucket, object)
	}
	return s.GetObjectData(ctx, bucket, object)
}

func (s *Store) ObjectExists(ctx context.Context, bucket, object string) (bool, error) {
	info, err := s.GetObjectMeta(ctx, bucket, object)
	return info != nil, err
}

func (s *Store) GetObjectSize(ctx context.Context, bucket, object string) (int64, error) {
	info, err := s.GetObjectMeta(ctx, bucket, object)
	if err != nil {
		return 0, err
	}
	if info == nil {
		return 0, fmt.Errorf("size of %s/%s: %w", bucket, object, ErrObjectNotFound)
	}
	return info.Size, nil
}

// GetObjectChecksum is the md5 of the decoded object, comparable to its ETag.
func (s *Store) GetObjectChecksum(ctx context.Context, bucket, object string) (string, error) {
	data, err := s.GetObjectData(ctx, bucket, object)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// HealObject rewrites the shards of the current version that are missing,
// stale or damaged on the usable disks of the set.
func (s *Store) HealObject(ctx context.Context, bucket, object, versionID string, opts heal.HealOptions) (result heal.HealResultItem, err error) {
	result = heal.HealResultItem{Type: "object", Bucket: bucket, Object: object, VersionID: versionID}
	if err := checkObjectName(bucket, object); err != nil {
		return result, fmt.Errorf("%w: %w", heal.ErrInvalidArgument, err)
	}
	set := s.setFor(bucket, object)
	err = s.locks.WithLock("heal", objectLockKey(bucket, object), util.ExclusiveLock, func() error {
		statuses := s.statuses(set)
		metas := s.readMetas(set, statuses, bucket, object)
		quorum, _ := quorumMeta(metas)
		if quorum == nil || versionID != "" && quorum.VersionID != versionID {
			result.Detail = "object not found"
			return nil
		}
		result.ObjectSize = quorum.Size
		e, err := s.erasure(quorum.DataShards, quorum.ParityShards, quorum.BlockSize)
		if err != nil {
			return err
		}
		if e.TotalShards() != len(set.disks) {
			return fmt.Errorf("%w: %d+%d shards on %d disks", heal.ErrInvalidArgument, quorum.DataShards, quorum.ParityShards, len(set.disks))
		}

		readers, available := s.shardReaders(set, metas, quorum, bucket, object)
		var targets []int
		unusable := 0
		for i := range set.disks {
			switch {
			case statuses[i] != heal.DiskOk:
				unusable++
			case readers[i] == nil:
				targets = append(targets, i)
			}
		}
		if available < quorum.DataShards {
			if available+unusable >= quorum.DataShards {
				return fmt.Errorf("heal %s/%s: %d of %d shards readable, %d disks unusable: %w",
					bucket, object, available, quorum.DataShards, unusable, heal.ErrDiskOffline)
			}
			result.Dangling = true
			result.Detail = fmt.Sprintf("%d of %d shards readable", available, quorum.DataShards)
			return nil
		}
		if len(targets) == 0 {
			return nil
		}
		if opts.DryRun {
			result.Detail = fmt.Sprintf("dry run: %d shards to rewrite", len(targets))
			return nil
		}

		writers := make([]io.Writer, len(set.disks))
		shardWriters := make([]*shardWriter, len(set.disks))
		for _, i := range targets {
			w, err := newShardWriter(set.disks[i], bucket, object, quorum, i)
			if err != nil {
				abortShardWriters(shardWriters)
				return err
			}
			shardWriters[i], writers[i] = w, w
		}
		if err := e.Heal(ctx, writers, readers, quorum.Size); err != nil {
			abortShardWriters(shardWriters)
			return err
		}
		for _, i := range targets {
			if err := shardWriters[i].commit(); err != nil {
				abortShardWriters(shardWriters)
				return err
			}
			result.DisksHealed++
		}
		glog.V(2).Infof("healed %s/%s on %d disks", bucket, object, result.DisksHealed)
		return nil
	})
	return result, err
}

func (s *Store) GetShardLayout(ctx context.Context, poolIdx, setIdx int, bucket, object string) (heal.ShardLayout, error) {
	set, err := s.set(poolIdx, setIdx)
	if err != nil {
		return heal.ShardLayout{}, err
	}
	quorum, _ := quorumMeta(s.readMetas(set, s.statuses(set), bucket, object))
	if quorum == nil {
		return heal.ShardLayout{}, fmt.Errorf("layout of %s/%s: %w", bucket, object, ErrObjectNotFound)
	}
	return quorum.layout(), nil
}

// OpenShardReader returns the verified shard of the current version held by
// the disk. Stale or damaged shards are refused.
func (s *Store) OpenShardReader(ctx context.Context, endpoint heal.Endpoint, bucket, object string) (io.ReaderAt, error) {
	location, err := s.location(endpoint)
	if err != nil {
		return nil, err
	}
	set, err := s.set(endpoint.PoolIdx, endpoint.SetIdx)
	if err != nil {
		return nil, err
	}
	quorum, _ := quorumMeta(s.readMetas(set, s.statuses(set), bucket, object))
	if quorum == nil {
		return nil, fmt.Errorf("shard of %s/%s: %w", bucket, object, ErrObjectNotFound)
	}
	meta, err := location.readMeta(bucket, object)
	if err != nil {
		return nil, err
	}
	if !meta.sameObject(quorum) {
		return nil, fmt.Errorf("shard of %s/%s on %s is stale", bucket, object, location.Directory)
	}
	data, err := location.readShard(bucket, object, meta)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// CreateShardWriter starts a new shard of the current version on the disk.
func (s *Store) CreateShardWriter(ctx context.Context, endpoint heal.Endpoint, bucket, object string) (heal.ShardWriter, error) {
	location, err := s.location(endpoint)
	if err != nil {
		return nil, err
	}
	set, err := s.set(endpoint.PoolIdx, endpoint.SetIdx)
	if err != nil {
		return nil, err
	}
	quorum, _ := quorumMeta(s.readMetas(set, s.statuses(set), bucket, object))
	if quorum == nil {
		return nil, fmt.Errorf("shard of %s/%s: %w", bucket, object, ErrObjectNotFound)
	}
	w, err := newShardWriter(location, bucket, object, quorum, endpoint.DiskIdx)
	if err != nil {
		return nil, err
	}
	w.locks = s.locks
	return w, nil
}

// shardWriter streams a shard into a temporary file that replaces the shard
// of the disk on commit.
type shardWriter struct {
	location *DiskLocation
	bucket   string
	object   string
	meta     objectMeta
	file     *os.File
	digest   *xxhash.Digest
	written  int64
	err      error
	done     bool
	// set when the writer is handed out, commit then takes the object lock
	locks *util.LockTable[string]
}

func newShardWriter(location *DiskLocation, bucket, object string, template *objectMeta, index int) (*shardWriter, error) {
	if location.offline.Load() {
		return nil, fmt.Errorf("shard on %s: %w", location.Directory, heal.ErrDiskOffline)
	}
	dir := location.objectDir(bucket, object)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	file, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return nil, err
	}
	meta := *template
	meta.Version = metaVersion
	meta.ShardIndex = index
	return &shardWriter{
		location: location,
		bucket:   bucket,
		object:   object,
		meta:     meta,
		file:     file,
		digest:   xxhash.New(),
	}, nil
}

func (w *shardWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.file.Write(p)
	w.digest.Write(p[:n])
	w.written += int64(n)
	if err != nil {
		w.err = err
	}
	return n, err
}

func (w *shardWriter) Commit() error {
	if w.locks == nil {
		return w.commit()
	}
	return w.locks.WithLock("commit shard", objectLockKey(w.bucket, w.object), util.ExclusiveLock, w.commit)
}

func (w *shardWriter) commit() error {
	if w.done {
		return fmt.Errorf("shard of %s/%s on %s already finished", w.bucket, w.object, w.location.Directory)
	}
	if w.err != nil {
		w.Abort()
		return w.err
	}
	w.done = true
	tmp := w.file.Name()
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filepath.Join(w.location.objectDir(w.bucket, w.object), shardFile)); err != nil {
		os.Remove(tmp)
		return err
	}
	w.meta.ShardSize = w.written
	w.meta.Checksum = w.digest.Sum64()
	return w.location.writeMeta(w.bucket, w.object, &w.meta)
}

func (w *shardWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.file.Close()
	if err := os.Remove(w.file.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func abortShardWriters(writers []*shardWriter) {
	for _, w := range writers {
		if w == nil {
			continue
		}
		if err := w.Abort(); err != nil {
			glog.Warningf("abort shard of %s/%s on %s: %v", w.bucket, w.object, w.location.Directory, err)
		}
	}
}

var _ heal.HealStorageAPI = (*Store)(nil)
