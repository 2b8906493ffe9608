package scanner

import (
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	// upper bounds, the last bucket is open ended
	sizeBounds = []int64{0, 1 << 10, 64 << 10, 1 << 20, 16 << 20, 128 << 20, 1 << 30}
	ageBounds  = []time.Duration{time.Hour, 24 * time.Hour, 7 * 24 * time.Hour, 30 * 24 * time.Hour, 365 * 24 * time.Hour}
)

type HistogramBucket struct {
	Label string `json:"label"`
	Lower int64  `json:"lower"`
	// Upper is -1 for the open ended last bucket
	Upper int64  `json:"upper"`
	Count uint64 `json:"count"`
}

type HistogramSnapshot struct {
	Sizes        []HistogramBucket `json:"sizes"`
	Ages         []HistogramBucket `json:"ages"`
	TotalObjects uint64            `json:"total_objects"`
	TotalBytes   uint64            `json:"total_bytes"`
}

// SizeHistogram counts objects by size and by age.
type SizeHistogram struct {
	mu     sync.Mutex
	sizes  []uint64
	ages   []uint64
	total  uint64
	bytes  uint64
	nowFun func() time.Time
}

func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{
		sizes:  make([]uint64, len(sizeBounds)+1),
		ages:   make([]uint64, len(ageBounds)+1),
		nowFun: time.Now,
	}
}

func sizeIndex(size int64) int {
	return sort.Search(len(sizeBounds), func(i int) bool { return size <= sizeBounds[i] })
}

func ageIndex(age time.Duration) int {
	return sort.Search(len(ageBounds), func(i int) bool { return age <= ageBounds[i] })
}

// Add records one object. A zero modTime is counted by size only.
func (h *SizeHistogram) Add(size int64, modTime time.Time) {
	if size < 0 {
		size = 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sizes[sizeIndex(size)]++
	h.total++
	h.bytes += uint64(size)
	if !modTime.IsZero() {
		age := h.nowFun().Sub(modTime)
		if age < 0 {
			age = 0
		}
		h.ages[ageIndex(age)]++
	}
}

func (h *SizeHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.sizes)
	clear(h.ages)
	h.total, h.bytes = 0, 0
}

func (h *SizeHistogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HistogramSnapshot{
		Sizes:        make([]HistogramBucket, len(h.sizes)),
		Ages:         make([]HistogramBucket, len(h.ages)),
		TotalObjects: h.total,
		TotalBytes:   h.bytes,
	}
	for i, count := range h.sizes {
		lower, upper := int64(0), int64(-1)
		if i > 0 {
			lower = sizeBounds[i-1] + 1
		}
		if i < len(sizeBounds) {
			upper = sizeBounds[i]
		}
		snap.Sizes[i] = HistogramBucket{Label: sizeLabel(i), Lower: lower, Upper: upper, Count: count}
	}
	for i, count := range h.ages {
		lower, upper := int64(0), int64(-1)
		if i > 0 {
			lower = int64(ageBounds[i-1])
		}
		if i < len(ageBounds) {
			upper = int64(ageBounds[i])
		}
		snap.Ages[i] = HistogramBucket{Label: ageLabel(i), Lower: lower, Upper: upper, Count: count}
	}
	return snap
}

func sizeLabel(i int) string {
	switch {
	case i == 0:
		return "empty"
	case i == len(sizeBounds):
		return "> " + humanize.IBytes(uint64(sizeBounds[i-1]))
	}
	return "<= " + humanize.IBytes(uint64(sizeBounds[i]))
}

func ageLabel(i int) string {
	if i == len(ageBounds) {
		return "> " + ageBounds[i-1].String()
	}
	return "<= " + ageBounds[i].String()
}

// Merge adds the counts of other, used when rolling up node snapshots.
func (s *HistogramSnapshot) Merge(other HistogramSnapshot) {
	if len(s.Sizes) == 0 {
		s.Sizes = append([]HistogramBucket(nil), other.Sizes...)
		s.Ages = append([]HistogramBucket(nil), other.Ages...)
		s.TotalObjects = other.TotalObjects
		s.TotalBytes = other.TotalBytes
		return
	}
	for i := range s.Sizes {
		if i < len(other.Sizes) {
			s.Sizes[i].Count += other.Sizes[i].Count
		}
	}
	for i := range s.Ages {
		if i < len(other.Ages) {
			s.Ages[i].Count += other.Ages[i].Count
		}
	}
	s.TotalObjects += other.TotalObjects
	s.TotalBytes += other.TotalBytes
}
