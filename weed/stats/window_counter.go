package stats

import (
	"sync"
	"time"
)

// WindowCounter keeps per second sums and counts over a sliding window.
type WindowCounter struct {
	mutex   sync.RWMutex
	window  int
	last    int64 // unix second of the newest slot
	values  []int64
	counts  []int64
	nowFunc func() time.Time
}

func NewWindowCounter(window time.Duration) *WindowCounter {
	slots := int(window / time.Second)
	if slots < 1 {
		slots = 1
	}
	return &WindowCounter{
		window:  slots,
		values:  make([]int64, slots),
		counts:  make([]int64, slots),
		nowFunc: time.Now,
	}
}

// advance clears the slots between the last write and now.
func (wc *WindowCounter) advance(now int64) {
	if wc.last == 0 || now-wc.last >= int64(wc.window) {
		for i := range wc.values {
			wc.values[i] = 0
			wc.counts[i] = 0
		}
		wc.last = now
		return
	}
	for wc.last < now {
		wc.last++
		index := int(wc.last % int64(wc.window))
		wc.values[index] = 0
		wc.counts[index] = 0
	}
}

func (wc *WindowCounter) Add(val int64) {
	wc.mutex.Lock()
	defer wc.mutex.Unlock()
	now := wc.nowFunc().Unix()
	if now < wc.last {
		// clock stepped back, account to the newest slot
		now = wc.last
	}
	wc.advance(now)
	index := int(now % int64(wc.window))
	wc.values[index] += val
	wc.counts[index]++
}

// Snapshot returns the sum and count of the values inside the window.
func (wc *WindowCounter) Snapshot() (sum, count int64) {
	wc.mutex.Lock()
	defer wc.mutex.Unlock()
	now := wc.nowFunc().Unix()
	if now > wc.last {
		wc.advance(now)
	}
	for i := range wc.values {
		sum += wc.values[i]
		count += wc.counts[i]
	}
	return
}

func (wc *WindowCounter) Average() float64 {
	sum, count := wc.Snapshot()
	if count == 0 {
		return 0
	}
	return float64(sum) / float64(count)
}

// Rate is the number of Add calls per second over the window.
func (wc *WindowCounter) Rate() float64 {
	_, count := wc.Snapshot()
	return float64(count) / float64(wc.window)
}
