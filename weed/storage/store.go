package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/seaweedfs/ahm/weed/heal"
	"github.com/seaweedfs/ahm/weed/storage/erasure_coding"
	"github.com/seaweedfs/ahm/weed/util"
)

const (
	DefaultParityShards = 2
	DefaultBlockSize    = 1 << 20
)

type StoreOption struct {
	// DeploymentID is read back from the formatted disks when empty
	DeploymentID string
	ParityShards int
	BlockSize    int
}

type erasureSet struct {
	poolIdx, setIdx int
	disks           []*DiskLocation
	dataShards      int
	parityShards    int
}

func (set *erasureSet) endpoints() []heal.Endpoint {
	endpoints := make([]heal.Endpoint, len(set.disks))
	for i, disk := range set.disks {
		endpoints[i] = disk.Endpoint
	}
	return endpoints
}

// Store is an erasure coded object store over local disks. Disks are grouped
// into erasure sets, and erasure sets into pools; every object lives on
// exactly one set, picked by hashing its name.
type Store struct {
	deploymentID string
	blockSize    int

	pools     [][]*erasureSet
	sets      []*erasureSet
	locations map[string]*DiskLocation
	locks     *util.LockTable[string]

	erasureLock sync.Mutex
	erasures    map[erasureKey]*erasure_coding.Erasure

	nowFunc func() time.Time
}

type erasureKey struct {
	data, parity, blockSize int
}

// NewStore opens the disks given as pools of sets of directories. A store
// whose disks are all unformatted is a new deployment and gets formatted.
func NewStore(pools [][][]string, option StoreOption) (*Store, error) {
	if option.ParityShards < 0 {
		return nil, fmt.Errorf("%w: %d parity shards", heal.ErrInvalidArgument, option.ParityShards)
	}
	if option.BlockSize <= 0 {
		option.BlockSize = DefaultBlockSize
	}
	s := &Store{
		blockSize: option.BlockSize,
		locations: make(map[string]*DiskLocation),
		locks:     util.NewLockTable[string](),
		erasures:  make(map[erasureKey]*erasure_coding.Erasure),
		nowFunc:   time.Now,
	}
	for poolIdx, pool := range pools {
		var sets []*erasureSet
		for setIdx, dirs := range pool {
			if len(dirs) <= option.ParityShards {
				return nil, fmt.Errorf("%w: pool %d set %d has %d disks for %d parity shards",
					heal.ErrInvalidArgument, poolIdx, setIdx, len(dirs), option.ParityShards)
			}
			set := &erasureSet{
				poolIdx:      poolIdx,
				setIdx:       setIdx,
				dataShards:   len(dirs) - option.ParityShards,
				parityShards: option.ParityShards,
			}
			for diskIdx, dir := range dirs {
				location := NewDiskLocation(dir, heal.Endpoint{PoolIdx: poolIdx, SetIdx: setIdx, DiskIdx: diskIdx})
				location.Endpoint.URL = location.Directory
				if _, found := s.locations[location.Directory]; found {
					return nil, fmt.Errorf("%w: disk %s is used twice", heal.ErrInvalidArgument, dir)
				}
				s.locations[location.Directory] = location
				set.disks = append(set.disks, location)
			}
			sets = append(sets, set)
			s.sets = append(s.sets, set)
		}
		s.pools = append(s.pools, sets)
	}
	if len(s.sets) == 0 {
		return nil, fmt.Errorf("%w: no disks", heal.ErrInvalidArgument)
	}

	s.deploymentID = option.DeploymentID
	formatted := s.discoverDeployment()
	if s.deploymentID == "" {
		s.deploymentID = uuid.NewString()
	}
	if !formatted {
		for _, set := range s.sets {
			for _, disk := range set.disks {
				if err := disk.Format(s.deploymentID); err != nil {
					return nil, err
				}
			}
		}
	}
	glog.V(0).Infof("store %s: %d pools, %d sets, %d disks", s.deploymentID, len(s.pools), len(s.sets), len(s.locations))
	return s, nil
}

// discoverDeployment reports whether any disk is formatted, and adopts its
// deployment id when none was configured.
func (s *Store) discoverDeployment() bool {
	for _, set := range s.sets {
		for _, disk := range set.disks {
			format, err := disk.readFormat()
			if err != nil || format == nil {
				continue
			}
			if s.deploymentID == "" {
				s.deploymentID = format.DeploymentID
			}
			return true
		}
	}
	return false
}

func (s *Store) DeploymentID() string {
	return s.deploymentID
}

// Location finds a disk by its directory.
func (s *Store) Location(dir string) (*DiskLocation, bool) {
	location, found := s.locations[dir]
	return location, found
}

// Endpoints lists every disk of the store, set by set in shard order.
func (s *Store) Endpoints() []heal.Endpoint {
	var endpoints []heal.Endpoint
	for _, set := range s.sets {
		endpoints = append(endpoints, set.endpoints()...)
	}
	return endpoints
}

func (s *Store) erasure(data, parity, blockSize int) (*erasure_coding.Erasure, error) {
	key := erasureKey{data, parity, blockSize}
	s.erasureLock.Lock()
	defer s.erasureLock.Unlock()
	if e, found := s.erasures[key]; found {
		return e, nil
	}
	e, err := erasure_coding.NewErasure(data, parity, blockSize)
	if err != nil {
		return nil, err
	}
	s.erasures[key] = e
	return e, nil
}

func (s *Store) setFor(bucket, object string) *erasureSet {
	return s.sets[xxhash.Sum64String(bucket+"/"+object)%uint64(len(s.sets))]
}

func (s *Store) set(poolIdx, setIdx int) (*erasureSet, error) {
	if poolIdx < 0 || poolIdx >= len(s.pools) || setIdx < 0 || setIdx >= len(s.pools[poolIdx]) {
		return nil, fmt.Errorf("%w: no pool %d set %d", heal.ErrInvalidArgument, poolIdx, setIdx)
	}
	return s.pools[poolIdx][setIdx], nil
}

func (s *Store) location(endpoint heal.Endpoint) (*DiskLocation, error) {
	location, found := s.locations[endpoint.URL]
	if !found {
		return nil, fmt.Errorf("%w: %s", heal.ErrDiskNotFound, endpoint.URL)
	}
	return location, nil
}

func (s *Store) statuses(set *erasureSet) []heal.DiskStatus {
	statuses := make([]heal.DiskStatus, len(set.disks))
	for i, disk := range set.disks {
		statuses[i] = disk.Status(s.deploymentID)
	}
	return statuses
}

// onlineDisks lists the usable disks of every set, in set order.
func (s *Store) onlineDisks() []*DiskLocation {
	var disks []*DiskLocation
	for _, set := range s.sets {
		for _, disk := range set.disks {
			if disk.Status(s.deploymentID) == heal.DiskOk {
				disks = append(disks, disk)
			}
		}
	}
	return disks
}

func (s *Store) GetDiskStatus(ctx context.Context, endpoint heal.Endpoint) (heal.DiskStatus, error) {
	location, err := s.location(endpoint)
	if err != nil {
		return heal.DiskOffline, err
	}
	return location.Status(s.deploymentID), nil
}

func (s *Store) FormatDisk(ctx context.Context, endpoint heal.Endpoint) error {
	location, err := s.location(endpoint)
	if err != nil {
		return err
	}
	return location.Format(s.deploymentID)
}

func (s *Store) GetSetEndpoints(ctx context.Context, poolIdx, setIdx int) ([]heal.Endpoint, error) {
	set, err := s.set(poolIdx, setIdx)
	if err != nil {
		return nil, err
	}
	return set.endpoints(), nil
}

// GetDiskForResume picks the first usable disk of the set.
func (s *Store) GetDiskForResume(ctx context.Context, setDiskID string) (heal.Endpoint, error) {
	poolIdx, setIdx, err := heal.ParseSetDiskID(setDiskID)
	if err != nil {
		return heal.Endpoint{}, err
	}
	set, err := s.set(poolIdx, setIdx)
	if err != nil {
		return heal.Endpoint{}, err
	}
	for _, disk := range set.disks {
		if disk.Status(s.deploymentID) == heal.DiskOk {
			return disk.Endpoint, nil
		}
	}
	return heal.Endpoint{}, fmt.Errorf("set %s: no usable disk: %w", setDiskID, heal.ErrDiskOffline)
}

// MakeBucket creates the bucket on every usable disk. Existing buckets are
// left alone.
func (s *Store) MakeBucket(ctx context.Context, bucket string) error {
	if err := checkBucketName(bucket); err != nil {
		return err
	}
	info, err := s.GetBucketInfo(ctx, bucket)
	if err != nil {
		return err
	}
	if info != nil {
		return nil
	}
	meta := &bucketMeta{Name: bucket, Created: s.nowFunc().UTC()}
	created := 0
	var lastErr error
	for _, disk := range s.onlineDisks() {
		if err := disk.writeBucket(meta); err != nil {
			glog.Warningf("make bucket %s on %s: %v", bucket, disk.Directory, err)
			lastErr = err
			continue
		}
		created++
	}
	if created == 0 {
		if lastErr == nil {
			lastErr = heal.ErrDiskOffline
		}
		return fmt.Errorf("make bucket %s: %w", bucket, lastErr)
	}
	glog.V(1).Infof("made bucket %s on %d disks", bucket, created)
	return nil
}

// GetBucketInfo returns the metadata of the first disk that has it.
func (s *Store) GetBucketInfo(ctx context.Context, bucket string) (*heal.BucketInfo, error) {
	if err := checkBucketName(bucket); err != nil {
		return nil, err
	}
	for _, disk := range s.onlineDisks() {
		meta, err := disk.readBucket(bucket)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				glog.V(1).Infof("bucket %s on %s: %v", bucket, disk.Directory, err)
			}
			continue
		}
		return &heal.BucketInfo{Name: meta.Name, Created: meta.Created}, nil
	}
	return nil, nil
}

// HealBucketMetadata copies the bucket metadata to the usable disks that
// lost it or hold a damaged copy.
func (s *Store) HealBucketMetadata(ctx context.Context, bucket string) error {
	_, err := s.healBucket(ctx, bucket, false)
	return err
}

func (s *Store) healBucket(ctx context.Context, bucket string, dryRun bool) (int, error) {
	info, err := s.GetBucketInfo(ctx, bucket)
	if err != nil {
		return 0, err
	}
	if info == nil {
		return 0, fmt.Errorf("heal bucket %s: %w", bucket, ErrBucketNotFound)
	}
	meta := &bucketMeta{Name: info.Name, Created: info.Created}
	healed := 0
	for _, disk := range s.onlineDisks() {
		if _, err := disk.readBucket(bucket); err == nil {
			continue
		}
		healed++
		if dryRun {
			continue
		}
		if err := disk.writeBucket(meta); err != nil {
			return healed - 1, fmt.Errorf("heal bucket %s on %s: %w", bucket, disk.Directory, err)
		}
		glog.V(2).Infof("healed bucket %s on %s", bucket, disk.Directory)
	}
	return healed, nil
}

// HealBucket restores the bucket on the usable disks. Buckets that exist on
// some disk without metadata get fresh metadata.
func (s *Store) HealBucket(ctx context.Context, bucket string, opts heal.HealOptions) (heal.HealResultItem, error) {
	result := heal.HealResultItem{Type: "bucket", Bucket: bucket}
	info, err := s.GetBucketInfo(ctx, bucket)
	if err != nil {
		return result, err
	}
	if info == nil {
		if !s.bucketDirExists(bucket) {
			result.Detail = "bucket not found"
			return result, nil
		}
		if opts.DryRun {
			result.Detail = "bucket metadata missing on every disk"
			return result, nil
		}
		if err := s.MakeBucket(ctx, bucket); err != nil {
			return result, err
		}
	}
	healed, err := s.healBucket(ctx, bucket, opts.DryRun)
	if !opts.DryRun {
		result.DisksHealed = healed
	} else if healed > 0 {
		result.Detail = fmt.Sprintf("dry run: bucket missing on %d disks", healed)
	}
	return result, err
}

func (s *Store) bucketDirExists(bucket string) bool {
	for _, disk := range s.onlineDisks() {
		buckets, err := disk.listBuckets()
		if err != nil {
			continue
		}
		for _, name := range buckets {
			if name == bucket {
				return true
			}
		}
	}
	return false
}

// ListBuckets merges the buckets of every usable disk.
func (s *Store) ListBuckets(ctx context.Context) ([]heal.BucketInfo, error) {
	seen := make(map[string]heal.BucketInfo)
	var lastErr error
	listed := 0
	for _, disk := range s.onlineDisks() {
		names, err := disk.listBuckets()
		if err != nil {
			lastErr = err
			continue
		}
		listed++
		for _, name := range names {
			if _, found := seen[name]; found {
				continue
			}
			info := heal.BucketInfo{Name: name}
			if meta, err := disk.readBucket(name); err == nil {
				info.Created = meta.Created
			}
			seen[name] = info
		}
	}
	if listed == 0 && lastErr != nil {
		return nil, fmt.Errorf("list buckets: %w", lastErr)
	}
	buckets := make([]heal.BucketInfo, 0, len(seen))
	for _, info := range seen {
		buckets = append(buckets, info)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

// ListObjectsForHeal merges the object names of every usable disk, so
// objects that survive on a single disk are listed too.
func (s *Store) ListObjectsForHeal(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := checkBucketName(bucket); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, disk := range s.onlineDisks() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		objects, err := disk.listObjects(bucket, prefix)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				glog.V(1).Infof("list %s on %s: %v", bucket, disk.Directory, err)
			}
			continue
		}
		for _, object := range objects {
			seen[object] = struct{}{}
		}
	}
	objects := make([]string, 0, len(seen))
	for object := range seen {
		objects = append(objects, object)
	}
	sort.Strings(objects)
	return objects, nil
}

// HealFormat formats the disks that are unformatted or carry a format of
// another deployment or position.
func (s *Store) HealFormat(ctx context.Context, dryRun bool) (heal.HealResultItem, error) {
	result := heal.HealResultItem{Type: "format"}
	var pending []*DiskLocation
	for _, set := range s.sets {
		for _, disk := range set.disks {
			switch disk.Status(s.deploymentID) {
			case heal.DiskMissing, heal.DiskCorrupt:
				pending = append(pending, disk)
			}
		}
	}
	if dryRun {
		if len(pending) > 0 {
			result.Detail = fmt.Sprintf("dry run: %d disks to format", len(pending))
		}
		return result, nil
	}
	for _, disk := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := disk.Format(s.deploymentID); err != nil {
			return result, err
		}
		result.DisksHealed++
	}
	return result, nil
}
