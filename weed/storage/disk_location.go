package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/seaweedfs/ahm/weed/heal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// every file the store keeps next to user data starts with this prefix
	reservedPrefix = ".ahm"
	formatFile     = ".ahm.format"
	bucketFile     = ".ahm.bucket"
	metaFile       = ".ahm.meta"
	shardFile      = ".ahm.shard"
	tempPrefix     = ".ahm.tmp-"

	formatVersion = 1
	metaVersion   = 1
)

var (
	ErrBitrot         = errors.New("shard checksum mismatch")
	ErrInvalidName    = errors.New("invalid bucket or object name")
	ErrObjectNotFound = heal.ErrObjectNotFound
	ErrBucketNotFound = errors.New("bucket not found")
)

type diskFormat struct {
	Version      int    `json:"version"`
	DeploymentID string `json:"deployment_id"`
	DiskID       string `json:"disk_id"`
	PoolIdx      int    `json:"pool"`
	SetIdx       int    `json:"set"`
	DiskIdx      int    `json:"disk"`
}

type bucketMeta struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

// objectMeta is kept on every disk of the set next to the shard it describes.
type objectMeta struct {
	Version      int       `json:"version"`
	VersionID    string    `json:"version_id,omitempty"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mod_time"`
	ETag         string    `json:"etag"`
	DataShards   int       `json:"data_shards"`
	ParityShards int       `json:"parity_shards"`
	BlockSize    int       `json:"block_size"`
	ShardIndex   int       `json:"shard_index"`
	ShardSize    int64     `json:"shard_size"`
	Checksum     uint64    `json:"checksum"`
}

// sameObject reports whether both disks hold shards of the same write.
func (m *objectMeta) sameObject(o *objectMeta) bool {
	return m.VersionID == o.VersionID &&
		m.Size == o.Size &&
		m.ModTime.Equal(o.ModTime) &&
		m.ETag == o.ETag &&
		m.DataShards == o.DataShards &&
		m.ParityShards == o.ParityShards &&
		m.BlockSize == o.BlockSize
}

func (m *objectMeta) layout() heal.ShardLayout {
	return heal.ShardLayout{
		DataShards:   m.DataShards,
		ParityShards: m.ParityShards,
		BlockSize:    m.BlockSize,
		Size:         m.Size,
	}
}

// DiskLocation is one disk of an erasure set, a directory on this machine.
// It is concurrent safe; object level exclusion is left to the Store.
type DiskLocation struct {
	Directory string
	Endpoint  heal.Endpoint
	offline   atomic.Bool
}

func NewDiskLocation(dir string, endpoint heal.Endpoint) *DiskLocation {
	return &DiskLocation{
		Directory: filepath.Clean(dir),
		Endpoint:  endpoint,
	}
}

// SetOffline takes the disk out of service without touching its data.
func (l *DiskLocation) SetOffline(offline bool) {
	if l.offline.Swap(offline) != offline {
		glog.V(0).Infof("disk %s offline: %v", l.Directory, offline)
	}
}

// Status checks the disk is present, readable and formatted for this
// deployment at this position.
func (l *DiskLocation) Status(deploymentID string) heal.DiskStatus {
	if l.offline.Load() {
		return heal.DiskOffline
	}
	fi, err := os.Stat(l.Directory)
	if status, failed := statusOf(err); failed {
		return status
	}
	if !fi.IsDir() {
		return heal.DiskFaulty
	}
	format, err := l.readFormat()
	if status, failed := statusOf(err); failed {
		return status
	}
	if format == nil {
		return heal.DiskCorrupt
	}
	if format.Version != formatVersion ||
		format.DeploymentID != deploymentID ||
		format.PoolIdx != l.Endpoint.PoolIdx ||
		format.SetIdx != l.Endpoint.SetIdx ||
		format.DiskIdx != l.Endpoint.DiskIdx {
		return heal.DiskCorrupt
	}
	return heal.DiskOk
}

func statusOf(err error) (heal.DiskStatus, bool) {
	switch {
	case err == nil:
		return heal.DiskOk, false
	case errors.Is(err, fs.ErrNotExist):
		return heal.DiskMissing, true
	case errors.Is(err, fs.ErrPermission):
		return heal.DiskPermissionDenied, true
	}
	return heal.DiskFaulty, true
}

// readFormat returns a nil format for an unparsable format file.
func (l *DiskLocation) readFormat() (*diskFormat, error) {
	data, err := os.ReadFile(filepath.Join(l.Directory, formatFile))
	if err != nil {
		return nil, err
	}
	format := &diskFormat{}
	if err := json.Unmarshal(data, format); err != nil {
		glog.V(1).Infof("disk %s: unreadable format: %v", l.Directory, err)
		return nil, nil
	}
	return format, nil
}

// Format creates the disk directory if needed and writes a new format.
// Data already on the disk is kept.
func (l *DiskLocation) Format(deploymentID string) error {
	if l.offline.Load() {
		return fmt.Errorf("format %s: %w", l.Directory, heal.ErrDiskOffline)
	}
	if err := os.MkdirAll(l.Directory, 0755); err != nil {
		return fmt.Errorf("format %s: %w", l.Directory, err)
	}
	data, err := json.Marshal(&diskFormat{
		Version:      formatVersion,
		DeploymentID: deploymentID,
		DiskID:       uuid.NewString(),
		PoolIdx:      l.Endpoint.PoolIdx,
		SetIdx:       l.Endpoint.SetIdx,
		DiskIdx:      l.Endpoint.DiskIdx,
	})
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(l.Directory, formatFile), data); err != nil {
		return fmt.Errorf("format %s: %w", l.Directory, err)
	}
	glog.V(0).Infof("formatted disk %s as %s", l.Directory, l.Endpoint)
	return nil
}

func (l *DiskLocation) bucketDir(bucket string) string {
	return filepath.Join(l.Directory, bucket)
}

func (l *DiskLocation) objectDir(bucket, object string) string {
	return filepath.Join(l.Directory, bucket, filepath.FromSlash(object))
}

func (l *DiskLocation) listBuckets() ([]string, error) {
	entries, err := os.ReadDir(l.Directory)
	if err != nil {
		return nil, err
	}
	var buckets []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			buckets = append(buckets, entry.Name())
		}
	}
	return buckets, nil
}

func (l *DiskLocation) readBucket(bucket string) (*bucketMeta, error) {
	data, err := os.ReadFile(filepath.Join(l.bucketDir(bucket), bucketFile))
	if err != nil {
		return nil, err
	}
	meta := &bucketMeta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("bucket %s on %s: %w", bucket, l.Directory, err)
	}
	return meta, nil
}

func (l *DiskLocation) writeBucket(meta *bucketMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(l.bucketDir(meta.Name), bucketFile), data)
}

// listObjects walks the bucket for directories holding object metadata.
func (l *DiskLocation) listObjects(bucket, prefix string) ([]string, error) {
	root := l.bucketDir(bucket)
	var objects []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			glog.V(1).Infof("disk %s: skip %s: %v", l.Directory, path, err)
			return nil
		}
		if d.IsDir() || d.Name() != metaFile {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil || rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			objects = append(objects, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(objects)
	return objects, nil
}

func (l *DiskLocation) readMeta(bucket, object string) (*objectMeta, error) {
	data, err := os.ReadFile(filepath.Join(l.objectDir(bucket, object), metaFile))
	if err != nil {
		return nil, err
	}
	meta := &objectMeta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("metadata of %s/%s on %s: %w", bucket, object, l.Directory, err)
	}
	if meta.Version > metaVersion {
		return nil, fmt.Errorf("metadata of %s/%s on %s: unknown version %d", bucket, object, l.Directory, meta.Version)
	}
	return meta, nil
}

func (l *DiskLocation) writeMeta(bucket, object string, meta *objectMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(l.objectDir(bucket, object), metaFile), data)
}

// readShard reads a whole shard file and checks it against its metadata.
func (l *DiskLocation) readShard(bucket, object string, meta *objectMeta) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.objectDir(bucket, object), shardFile))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != meta.ShardSize {
		return nil, fmt.Errorf("shard of %s/%s on %s: %d bytes, expected %d: %w", bucket, object, l.Directory, len(data), meta.ShardSize, ErrBitrot)
	}
	if xxhash.Sum64(data) != meta.Checksum {
		return nil, fmt.Errorf("shard of %s/%s on %s: %w", bucket, object, l.Directory, ErrBitrot)
	}
	return data, nil
}

// removeObject deletes the files of an object and the directories it leaves
// empty, up to the bucket.
func (l *DiskLocation) removeObject(bucket, object string) error {
	dir := l.objectDir(bucket, object)
	for _, name := range []string{metaFile, shardFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	stop := l.bucketDir(bucket)
	for dir != stop && strings.HasPrefix(dir, stop) {
		if err := os.Remove(dir); err != nil {
			// not empty, or already gone
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, tempPrefix+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func checkBucketName(bucket string) error {
	if bucket == "" || bucket == ".." || strings.HasPrefix(bucket, ".") || strings.ContainsAny(bucket, `/\`) {
		return fmt.Errorf("%w: bucket %q", ErrInvalidName, bucket)
	}
	return nil
}

func checkObjectName(bucket, object string) error {
	if err := checkBucketName(bucket); err != nil {
		return err
	}
	if object == "" || strings.Contains(object, `\`) {
		return fmt.Errorf("%w: object %q", ErrInvalidName, object)
	}
	for _, element := range strings.Split(object, "/") {
		if element == "" || element == "." || element == ".." || strings.HasPrefix(element, reservedPrefix) {
			return fmt.Errorf("%w: object %q", ErrInvalidName, object)
		}
	}
	return nil
}
