package util

import (
	"time"
)

// UnixSeconds converts t to seconds since the epoch, clamping instants
// before the epoch to 0 instead of wrapping around.
func UnixSeconds(t time.Time) uint64 {
	secs := t.Unix()
	if secs < 0 {
		return 0
	}
	return uint64(secs)
}

// NowUnixSeconds is UnixSeconds(time.Now()).
func NowUnixSeconds() uint64 {
	return UnixSeconds(time.Now())
}
