package heal

import (
	"context"
	"fmt"
	"io"
	"time"
)

type DiskStatus int

const (
	DiskOk DiskStatus = iota
	DiskOffline
	DiskCorrupt
	DiskMissing
	DiskPermissionDenied
	DiskFaulty
	DiskRecovering
	DiskHealing
)

func (s DiskStatus) String() string {
	switch s {
	case DiskOk:
		return "ok"
	case DiskOffline:
		return "offline"
	case DiskCorrupt:
		return "corrupt"
	case DiskMissing:
		return "missing"
	case DiskPermissionDenied:
		return "permission_denied"
	case DiskFaulty:
		return "faulty"
	case DiskRecovering:
		return "recovering"
	case DiskHealing:
		return "healing"
	}
	return "unknown"
}

func (s DiskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DiskStatus) UnmarshalText(text []byte) error {
	for status := DiskOk; status <= DiskHealing; status++ {
		if status.String() == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("%w: disk status %q", ErrInvalidArgument, text)
}

// needsHeal reports whether the disk is reachable but lost its shards.
func (s DiskStatus) needsHeal() bool {
	switch s {
	case DiskCorrupt, DiskMissing, DiskFaulty, DiskHealing:
		return true
	}
	return false
}

// unreachable disks can neither serve nor receive shards.
func (s DiskStatus) unreachable() bool {
	return s == DiskOffline || s == DiskPermissionDenied || s == DiskRecovering
}

type ObjectInfo struct {
	Bucket       string    `json:"bucket"`
	Name         string    `json:"name"`
	VersionID    string    `json:"version_id,omitempty"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mod_time"`
	ETag         string    `json:"etag,omitempty"`
	DataBlocks   int       `json:"data_blocks"`
	ParityBlocks int       `json:"parity_blocks"`
	// DiskMismatch is set when not every disk of the set agrees on the metadata
	DiskMismatch bool `json:"disk_mismatch,omitempty"`
	// MissingShards lists the indices of disks without a shard of this object
	MissingShards []int `json:"missing_shards,omitempty"`
}

type BucketInfo struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

type HealResultItem struct {
	Type        string `json:"type"`
	Bucket      string `json:"bucket,omitempty"`
	Object      string `json:"object,omitempty"`
	VersionID   string `json:"version_id,omitempty"`
	ObjectSize  int64  `json:"object_size,omitempty"`
	DisksHealed int    `json:"disks_healed"`
	// Dangling is set for objects that can not be recovered from any quorum
	Dangling bool   `json:"dangling,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// ShardLayout is how an object is striped over the disks of its set.
type ShardLayout struct {
	DataShards   int
	ParityShards int
	BlockSize    int
	Size         int64
}

// HealStorageAPI is everything the heal manager needs from the storage layer.
// Implementations return errors, never panic, including for unimplemented
// operations (ErrNotImplemented). A missing object or bucket is reported by a
// nil info and a nil error.
type HealStorageAPI interface {
	GetObjectMeta(ctx context.Context, bucket, object string) (*ObjectInfo, error)
	GetObjectData(ctx context.Context, bucket, object string) ([]byte, error)
	PutObjectData(ctx context.Context, bucket, object string, data []byte) error
	DeleteObject(ctx context.Context, bucket, object string) error
	VerifyObjectIntegrity(ctx context.Context, bucket, object string) (bool, error)
	// ECDecodeRebuild reconstructs the object from its surviving shards and
	// rewrites the missing ones, returning the decoded data.
	ECDecodeRebuild(ctx context.Context, bucket, object string) ([]byte, error)
	ObjectExists(ctx context.Context, bucket, object string) (bool, error)
	GetObjectSize(ctx context.Context, bucket, object string) (int64, error)
	GetObjectChecksum(ctx context.Context, bucket, object string) (string, error)

	GetDiskStatus(ctx context.Context, endpoint Endpoint) (DiskStatus, error)
	FormatDisk(ctx context.Context, endpoint Endpoint) error
	// GetSetEndpoints returns the disks of an erasure set in shard order
	GetSetEndpoints(ctx context.Context, poolIdx, setIdx int) ([]Endpoint, error)
	// GetDiskForResume picks the disk that keeps the resume data of a set
	GetDiskForResume(ctx context.Context, setDiskID string) (Endpoint, error)

	GetBucketInfo(ctx context.Context, bucket string) (*BucketInfo, error)
	HealBucketMetadata(ctx context.Context, bucket string) error
	ListBuckets(ctx context.Context) ([]BucketInfo, error)
	ListObjectsForHeal(ctx context.Context, bucket, prefix string) ([]string, error)

	HealObject(ctx context.Context, bucket, object, versionID string, opts HealOptions) (HealResultItem, error)
	HealBucket(ctx context.Context, bucket string, opts HealOptions) (HealResultItem, error)
	HealFormat(ctx context.Context, dryRun bool) (HealResultItem, error)

	// GetShardLayout describes how object is striped over the set.
	GetShardLayout(ctx context.Context, poolIdx, setIdx int, bucket, object string) (ShardLayout, error)
	OpenShardReader(ctx context.Context, endpoint Endpoint, bucket, object string) (io.ReaderAt, error)
	CreateShardWriter(ctx context.Context, endpoint Endpoint, bucket, object string) (ShardWriter, error)
}

// ShardWriter replaces the shard of one object on one disk. The new shard
// becomes visible on Commit; Abort discards it.
type ShardWriter interface {
	io.Writer
	Commit() error
	Abort() error
}
