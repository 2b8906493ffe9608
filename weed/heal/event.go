package heal

import (
	"fmt"
	"strings"
)

// Endpoint locates one disk of an erasure set.
type Endpoint struct {
	URL     string `json:"url"`
	PoolIdx int    `json:"pool_idx"`
	SetIdx  int    `json:"set_idx"`
	DiskIdx int    `json:"disk_idx"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s(pool %d set %d disk %d)", e.URL, e.PoolIdx, e.SetIdx, e.DiskIdx)
}

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// healPriority maps an object corruption severity onto the queue order.
func (s Severity) healPriority() HealPriority {
	switch s {
	case SeverityLow:
		return PriorityLow
	case SeverityMedium:
		return PriorityNormal
	}
	return PriorityHigh
}

type CorruptionType int

const (
	DataCorruption CorruptionType = iota
	MetadataCorruption
	PartialCorruption
	CompleteCorruption
)

func (c CorruptionType) String() string {
	switch c {
	case DataCorruption:
		return "data"
	case MetadataCorruption:
		return "metadata"
	case PartialCorruption:
		return "partial"
	case CompleteCorruption:
		return "complete"
	}
	return fmt.Sprintf("corruption(%d)", int(c))
}

// HealEvent is something the scanner found that may need a heal.
type HealEvent interface {
	// Type is a short stable tag, used as metric label.
	Type() string
	Severity() Severity
	Description() string
	ToHealRequest() (*HealRequest, error)
	isHealEvent()
}

type DiskStatusChangeEvent struct {
	Endpoint  Endpoint
	OldStatus string
	NewStatus string
}

type ObjectCorruptionEvent struct {
	Bucket         string
	Object         string
	VersionID      string
	CorruptionType CorruptionType
	Level          Severity
}

type ObjectMissingEvent struct {
	Bucket        string
	Object        string
	VersionID     string
	ExpectedSize  int64
	MissingShards []int
}

type MetadataInconsistencyEvent struct {
	Bucket string
	Object string
	Detail string
}

type ECDecodeFailureEvent struct {
	Bucket          string
	Object          string
	VersionID       string
	MissingShards   []int
	AvailableShards []int
}

type ChecksumMismatchEvent struct {
	Bucket           string
	Object           string
	VersionID        string
	ExpectedChecksum string
	ActualChecksum   string
}

type BucketMetadataCorruptionEvent struct {
	Bucket         string
	CorruptionType CorruptionType
}

func (DiskStatusChangeEvent) isHealEvent()         {}
func (ObjectCorruptionEvent) isHealEvent()         {}
func (ObjectMissingEvent) isHealEvent()            {}
func (MetadataInconsistencyEvent) isHealEvent()    {}
func (ECDecodeFailureEvent) isHealEvent()          {}
func (ChecksumMismatchEvent) isHealEvent()         {}
func (BucketMetadataCorruptionEvent) isHealEvent() {}

func (e DiskStatusChangeEvent) Type() string         { return "disk_status_change" }
func (e ObjectCorruptionEvent) Type() string         { return "object_corruption" }
func (e ObjectMissingEvent) Type() string            { return "object_missing" }
func (e MetadataInconsistencyEvent) Type() string    { return "metadata_inconsistency" }
func (e ECDecodeFailureEvent) Type() string          { return "ec_decode_failure" }
func (e ChecksumMismatchEvent) Type() string         { return "checksum_mismatch" }
func (e BucketMetadataCorruptionEvent) Type() string { return "bucket_metadata_corruption" }

func (e DiskStatusChangeEvent) Severity() Severity {
	if strings.EqualFold(e.NewStatus, "ok") {
		return SeverityLow
	}
	return SeverityHigh
}
func (e ObjectCorruptionEvent) Severity() Severity         { return e.Level }
func (e ObjectMissingEvent) Severity() Severity            { return SeverityHigh }
func (e MetadataInconsistencyEvent) Severity() Severity    { return SeverityMedium }
func (e ECDecodeFailureEvent) Severity() Severity          { return SeverityCritical }
func (e ChecksumMismatchEvent) Severity() Severity         { return SeverityHigh }
func (e BucketMetadataCorruptionEvent) Severity() Severity { return SeverityHigh }

func (e DiskStatusChangeEvent) Description() string {
	return fmt.Sprintf("disk %s status changed from %s to %s", e.Endpoint, e.OldStatus, e.NewStatus)
}

func (e ObjectCorruptionEvent) Description() string {
	return fmt.Sprintf("object %s/%s has %s corruption", e.Bucket, e.Object, e.CorruptionType)
}

func (e ObjectMissingEvent) Description() string {
	return fmt.Sprintf("object %s/%s is missing shards %v", e.Bucket, e.Object, e.MissingShards)
}

func (e MetadataInconsistencyEvent) Description() string {
	return fmt.Sprintf("object %s/%s metadata is inconsistent: %s", e.Bucket, e.Object, e.Detail)
}

func (e ECDecodeFailureEvent) Description() string {
	return fmt.Sprintf("object %s/%s can not be decoded, missing shards %v available shards %v",
		e.Bucket, e.Object, e.MissingShards, e.AvailableShards)
}

func (e ChecksumMismatchEvent) Description() string {
	return fmt.Sprintf("object %s/%s checksum mismatch, expected %s actual %s",
		e.Bucket, e.Object, e.ExpectedChecksum, e.ActualChecksum)
}

func (e BucketMetadataCorruptionEvent) Description() string {
	return fmt.Sprintf("bucket %s has %s metadata corruption", e.Bucket, e.CorruptionType)
}

func (e DiskStatusChangeEvent) ToHealRequest() (*HealRequest, error) {
	// the endpoint indices are unset (negative) for disks outside any set
	if _, ok := FormatSetDiskIDFromInt32(int32(e.Endpoint.PoolIdx), int32(e.Endpoint.SetIdx)); !ok {
		return nil, fmt.Errorf("%w: disk %s has pool %d set %d", ErrInvalidHealType,
			e.Endpoint.URL, e.Endpoint.PoolIdx, e.Endpoint.SetIdx)
	}
	return NewHealRequest(ErasureSetHeal{PoolIdx: e.Endpoint.PoolIdx, SetIdx: e.Endpoint.SetIdx},
		HealOptions{}, PriorityNormal)
}

func (e ObjectCorruptionEvent) ToHealRequest() (*HealRequest, error) {
	return NewHealRequest(ObjectHeal{Bucket: e.Bucket, Object: e.Object, VersionID: e.VersionID},
		HealOptions{}, e.Level.healPriority())
}

func (e ObjectMissingEvent) ToHealRequest() (*HealRequest, error) {
	return NewHealRequest(ObjectHeal{Bucket: e.Bucket, Object: e.Object, VersionID: e.VersionID},
		HealOptions{}, PriorityHigh)
}

func (e MetadataInconsistencyEvent) ToHealRequest() (*HealRequest, error) {
	return NewHealRequest(MetadataHeal{Bucket: e.Bucket, Object: e.Object},
		HealOptions{}, PriorityNormal)
}

func (e ECDecodeFailureEvent) ToHealRequest() (*HealRequest, error) {
	return NewHealRequest(ECDecodeHeal{
		Bucket:          e.Bucket,
		Object:          e.Object,
		VersionID:       e.VersionID,
		MissingShards:   e.MissingShards,
		AvailableShards: e.AvailableShards,
	}, HealOptions{}, PriorityUrgent)
}

func (e ChecksumMismatchEvent) ToHealRequest() (*HealRequest, error) {
	return NewHealRequest(ObjectHeal{Bucket: e.Bucket, Object: e.Object, VersionID: e.VersionID},
		HealOptions{ScanMode: HealDeepScan}, PriorityHigh)
}

func (e BucketMetadataCorruptionEvent) ToHealRequest() (*HealRequest, error) {
	return NewHealRequest(BucketHeal{Bucket: e.Bucket}, HealOptions{}, PriorityHigh)
}
