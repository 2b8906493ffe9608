package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/seaweedfs/ahm/weed/heal"
)

type fakeStorage struct {
	mu         sync.Mutex
	buckets    []string
	noInfo     map[string]bool
	objects    map[string]map[string]*heal.ObjectInfo
	corrupt    map[string]bool
	checksums  map[string]string
	diskStatus map[string]heal.DiskStatus
	diskErr    map[string]error

	visited     []string
	verifyCalls int
	// onMeta runs before every GetObjectMeta
	onMeta func(bucket, object string)
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		noInfo:     make(map[string]bool),
		objects:    make(map[string]map[string]*heal.ObjectInfo),
		corrupt:    make(map[string]bool),
		checksums:  make(map[string]string),
		diskStatus: make(map[string]heal.DiskStatus),
		diskErr:    make(map[string]error),
	}
}

// addObject stores a healthy 4+2 object.
func (f *fakeStorage) addObject(bucket, object string, size int64) *heal.ObjectInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[bucket]; !ok {
		f.objects[bucket] = make(map[string]*heal.ObjectInfo)
		f.buckets = append(f.buckets, bucket)
	}
	info := &heal.ObjectInfo{
		Bucket:       bucket,
		Name:         object,
		Size:         size,
		ModTime:      time.Now().Add(-2 * time.Hour),
		DataBlocks:   4,
		ParityBlocks: 2,
	}
	f.objects[bucket][object] = info
	return info
}

func (f *fakeStorage) setDisk(url string, status heal.DiskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diskStatus[url] = status
}

func (f *fakeStorage) takeVisited() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	visited := f.visited
	f.visited = nil
	return visited
}

func (f *fakeStorage) ListBuckets(ctx context.Context) ([]heal.BucketInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var buckets []heal.BucketInfo
	for _, b := range f.buckets {
		buckets = append(buckets, heal.BucketInfo{Name: b})
	}
	return buckets, nil
}

func (f *fakeStorage) GetBucketInfo(ctx context.Context, bucket string) (*heal.BucketInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noInfo[bucket] {
		return nil, nil
	}
	return &heal.BucketInfo{Name: bucket}, nil
}

func (f *fakeStorage) ListObjectsForHeal(ctx context.Context, bucket, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.objects[bucket] {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeStorage) GetObjectMeta(ctx context.Context, bucket, object string) (*heal.ObjectInfo, error) {
	f.mu.Lock()
	hook := f.onMeta
	f.mu.Unlock()
	if hook != nil {
		hook(bucket, object)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visited = append(f.visited, bucket+"/"+object)
	info, ok := f.objects[bucket][object]
	if !ok {
		return nil, nil
	}
	c := *info
	return &c, nil
}

func (f *fakeStorage) VerifyObjectIntegrity(ctx context.Context, bucket, object string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	return !f.corrupt[bucket+"/"+object], nil
}

func (f *fakeStorage) GetObjectChecksum(ctx context.Context, bucket, object string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sum, ok := f.checksums[bucket+"/"+object]; ok {
		return sum, nil
	}
	if info, ok := f.objects[bucket][object]; ok {
		return info.ETag, nil
	}
	return "", errors.New("no such object")
}

func (f *fakeStorage) GetDiskStatus(ctx context.Context, endpoint heal.Endpoint) (heal.DiskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.diskErr[endpoint.URL]; err != nil {
		return heal.DiskOffline, err
	}
	return f.diskStatus[endpoint.URL], nil
}

// drainEvents returns the events queued on ch without blocking.
func drainEvents(ch *heal.EventChannel) []heal.HealEvent {
	var events []heal.HealEvent
	for ch.Len() > 0 {
		ev, ok := ch.Receive(context.Background())
		if !ok {
			break
		}
		events = append(events, ev)
	}
	return events
}
