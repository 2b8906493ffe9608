package heal

import (
	"fmt"
	"strings"
)

// HealType names what a heal task repairs. The concrete types below are the
// only implementations.
type HealType interface {
	// Kind is a short stable tag, used in logs, metrics and resume records.
	Kind() string
	// Key identifies the repaired target; two tasks with the same key never
	// run at the same time.
	Key() string
	Validate() error
	isHealType()
}

type ErasureSetHeal struct {
	PoolIdx int
	SetIdx  int
	// Buckets restricts the heal to these buckets, all buckets when empty.
	Buckets []string
}

type ObjectHeal struct {
	Bucket    string
	Object    string
	VersionID string // empty for the latest version
}

type BucketHeal struct {
	Bucket string
}

type FormatHeal struct {
	DryRun bool
}

type ECDecodeHeal struct {
	Bucket          string
	Object          string
	VersionID       string
	MissingShards   []int
	AvailableShards []int
}

type MetadataHeal struct {
	Bucket string
	Object string
}

const (
	KindErasureSet = "erasure_set"
	KindObject     = "object"
	KindBucket     = "bucket"
	KindFormat     = "format"
	KindECDecode   = "ec_decode"
	KindMetadata   = "metadata"
)

func (ErasureSetHeal) isHealType() {}
func (ObjectHeal) isHealType()     {}
func (BucketHeal) isHealType()     {}
func (FormatHeal) isHealType()     {}
func (ECDecodeHeal) isHealType()   {}
func (MetadataHeal) isHealType()   {}

func (h ErasureSetHeal) Kind() string { return KindErasureSet }
func (h ObjectHeal) Kind() string     { return KindObject }
func (h BucketHeal) Kind() string     { return KindBucket }
func (h FormatHeal) Kind() string     { return KindFormat }
func (h ECDecodeHeal) Kind() string   { return KindECDecode }
func (h MetadataHeal) Kind() string   { return KindMetadata }

func (h ErasureSetHeal) Key() string {
	return FormatSetDiskID(h.PoolIdx, h.SetIdx)
}

func (h ObjectHeal) Key() string {
	return objectKey(KindObject, h.Bucket, h.Object, h.VersionID)
}

func (h BucketHeal) Key() string {
	return KindBucket + "/" + h.Bucket
}

func (h FormatHeal) Key() string {
	if h.DryRun {
		return KindFormat + "/dry_run"
	}
	return KindFormat
}

func (h ECDecodeHeal) Key() string {
	return objectKey(KindECDecode, h.Bucket, h.Object, h.VersionID)
}

func (h MetadataHeal) Key() string {
	return objectKey(KindMetadata, h.Bucket, h.Object, "")
}

func objectKey(kind, bucket, object, versionID string) string {
	key := kind + "/" + bucket + "/" + object
	if versionID != "" {
		key += "@" + versionID
	}
	return key
}

func (h ErasureSetHeal) Validate() error {
	if h.PoolIdx < 0 || h.SetIdx < 0 {
		return fmt.Errorf("%w: erasure set pool %d set %d", ErrInvalidHealType, h.PoolIdx, h.SetIdx)
	}
	for _, bucket := range h.Buckets {
		if strings.TrimSpace(bucket) == "" {
			return fmt.Errorf("%w: empty bucket name in erasure set heal", ErrInvalidArgument)
		}
	}
	return nil
}

func (h ObjectHeal) Validate() error {
	return validateObject(h.Bucket, h.Object)
}

func (h BucketHeal) Validate() error {
	if strings.TrimSpace(h.Bucket) == "" {
		return fmt.Errorf("%w: empty bucket name", ErrInvalidArgument)
	}
	return nil
}

func (h FormatHeal) Validate() error {
	return nil
}

func (h ECDecodeHeal) Validate() error {
	if err := validateObject(h.Bucket, h.Object); err != nil {
		return err
	}
	for _, idx := range append(append([]int(nil), h.MissingShards...), h.AvailableShards...) {
		if idx < 0 {
			return fmt.Errorf("%w: negative shard index %d", ErrInvalidArgument, idx)
		}
	}
	return nil
}

func (h MetadataHeal) Validate() error {
	return validateObject(h.Bucket, h.Object)
}

func validateObject(bucket, object string) error {
	if strings.TrimSpace(bucket) == "" {
		return fmt.Errorf("%w: empty bucket name", ErrInvalidArgument)
	}
	if strings.TrimSpace(object) == "" {
		return fmt.Errorf("%w: empty object name", ErrInvalidArgument)
	}
	return nil
}

// healTypeRecord is the serialized form of a HealType inside resume records.
type healTypeRecord struct {
	Kind            string   `json:"kind"`
	PoolIdx         int      `json:"pool_idx,omitempty"`
	SetIdx          int      `json:"set_idx,omitempty"`
	Buckets         []string `json:"buckets,omitempty"`
	Bucket          string   `json:"bucket,omitempty"`
	Object          string   `json:"object,omitempty"`
	VersionID       string   `json:"version_id,omitempty"`
	DryRun          bool     `json:"dry_run,omitempty"`
	MissingShards   []int    `json:"missing_shards,omitempty"`
	AvailableShards []int    `json:"available_shards,omitempty"`
}

func toHealTypeRecord(ht HealType) *healTypeRecord {
	switch h := ht.(type) {
	case ErasureSetHeal:
		return &healTypeRecord{Kind: KindErasureSet, PoolIdx: h.PoolIdx, SetIdx: h.SetIdx, Buckets: h.Buckets}
	case ObjectHeal:
		return &healTypeRecord{Kind: KindObject, Bucket: h.Bucket, Object: h.Object, VersionID: h.VersionID}
	case BucketHeal:
		return &healTypeRecord{Kind: KindBucket, Bucket: h.Bucket}
	case FormatHeal:
		return &healTypeRecord{Kind: KindFormat, DryRun: h.DryRun}
	case ECDecodeHeal:
		return &healTypeRecord{Kind: KindECDecode, Bucket: h.Bucket, Object: h.Object, VersionID: h.VersionID,
			MissingShards: h.MissingShards, AvailableShards: h.AvailableShards}
	case MetadataHeal:
		return &healTypeRecord{Kind: KindMetadata, Bucket: h.Bucket, Object: h.Object}
	}
	return nil
}

func (r *healTypeRecord) healType() (HealType, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: missing heal type", ErrInvalidHealType)
	}
	var ht HealType
	switch r.Kind {
	case KindErasureSet:
		ht = ErasureSetHeal{PoolIdx: r.PoolIdx, SetIdx: r.SetIdx, Buckets: r.Buckets}
	case KindObject:
		ht = ObjectHeal{Bucket: r.Bucket, Object: r.Object, VersionID: r.VersionID}
	case KindBucket:
		ht = BucketHeal{Bucket: r.Bucket}
	case KindFormat:
		ht = FormatHeal{DryRun: r.DryRun}
	case KindECDecode:
		ht = ECDecodeHeal{Bucket: r.Bucket, Object: r.Object, VersionID: r.VersionID,
			MissingShards: r.MissingShards, AvailableShards: r.AvailableShards}
	case KindMetadata:
		ht = MetadataHeal{Bucket: r.Bucket, Object: r.Object}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidHealType, r.Kind)
	}
	return ht, ht.Validate()
}
