package heal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// mockStorage returns zero values for every call unless a field says otherwise.
type mockStorage struct {
	mu sync.Mutex

	endpoints  []Endpoint
	diskStatus map[string]DiskStatus // by endpoint url, DiskOk when absent
	buckets    []BucketInfo
	objects    map[string][]string
	layout     ShardLayout
	// shards[url]["bucket/object"] is the shard file on that disk
	shards map[string]map[string][]byte
	sizes  map[string]int64

	verifyResult   bool
	healObjectErrs []error // returned by successive HealObject calls
	healObjectHook func(ctx context.Context, bucket, object string) error

	healObjectCalls []string
	committed       map[string]map[string][]byte
	aborted         int
	formatted       []string
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		diskStatus: make(map[string]DiskStatus),
		objects:    make(map[string][]string),
		shards:     make(map[string]map[string][]byte),
		sizes:      make(map[string]int64),
		committed:  make(map[string]map[string][]byte),
	}
}

func (s *mockStorage) GetObjectMeta(ctx context.Context, bucket, object string) (*ObjectInfo, error) {
	return nil, nil
}

func (s *mockStorage) GetObjectData(ctx context.Context, bucket, object string) ([]byte, error) {
	return nil, nil
}

func (s *mockStorage) PutObjectData(ctx context.Context, bucket, object string, data []byte) error {
	return nil
}

func (s *mockStorage) DeleteObject(ctx context.Context, bucket, object string) error {
	return nil
}

func (s *mockStorage) VerifyObjectIntegrity(ctx context.Context, bucket, object string) (bool, error) {
	return s.verifyResult, nil
}

func (s *mockStorage) ECDecodeRebuild(ctx context.Context, bucket, object string) ([]byte, error) {
	return nil, nil
}

func (s *mockStorage) ObjectExists(ctx context.Context, bucket, object string) (bool, error) {
	return false, nil
}

func (s *mockStorage) GetObjectSize(ctx context.Context, bucket, object string) (int64, error) {
	return 0, nil
}

func (s *mockStorage) GetObjectChecksum(ctx context.Context, bucket, object string) (string, error) {
	return "", nil
}

func (s *mockStorage) GetDiskStatus(ctx context.Context, endpoint Endpoint) (DiskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diskStatus[endpoint.URL], nil
}

func (s *mockStorage) FormatDisk(ctx context.Context, endpoint Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formatted = append(s.formatted, endpoint.URL)
	return nil
}

func (s *mockStorage) GetSetEndpoints(ctx context.Context, poolIdx, setIdx int) ([]Endpoint, error) {
	return s.endpoints, nil
}

func (s *mockStorage) GetDiskForResume(ctx context.Context, setDiskID string) (Endpoint, error) {
	return Endpoint{}, nil
}

func (s *mockStorage) GetBucketInfo(ctx context.Context, bucket string) (*BucketInfo, error) {
	return nil, nil
}

func (s *mockStorage) HealBucketMetadata(ctx context.Context, bucket string) error {
	return nil
}

func (s *mockStorage) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	return s.buckets, nil
}

func (s *mockStorage) ListObjectsForHeal(ctx context.Context, bucket, prefix string) ([]string, error) {
	return s.objects[bucket], nil
}

func (s *mockStorage) HealObject(ctx context.Context, bucket, object, versionID string, opts HealOptions) (HealResultItem, error) {
	s.mu.Lock()
	call := len(s.healObjectCalls)
	s.healObjectCalls = append(s.healObjectCalls, bucket+"/"+object)
	hook := s.healObjectHook
	var err error
	if call < len(s.healObjectErrs) {
		err = s.healObjectErrs[call]
	}
	s.mu.Unlock()

	if hook != nil {
		if hookErr := hook(ctx, bucket, object); hookErr != nil {
			return HealResultItem{}, hookErr
		}
	}
	return HealResultItem{}, err
}

func (s *mockStorage) HealBucket(ctx context.Context, bucket string, opts HealOptions) (HealResultItem, error) {
	return HealResultItem{}, nil
}

func (s *mockStorage) HealFormat(ctx context.Context, dryRun bool) (HealResultItem, error) {
	return HealResultItem{}, nil
}

func (s *mockStorage) GetShardLayout(ctx context.Context, poolIdx, setIdx int, bucket, object string) (ShardLayout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	layout := s.layout
	layout.Size = s.sizes[bucket+"/"+object]
	return layout, nil
}

func (s *mockStorage) OpenShardReader(ctx context.Context, endpoint Endpoint, bucket, object string) (io.ReaderAt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shard, found := s.shards[endpoint.URL][bucket+"/"+object]
	if !found {
		return nil, fmt.Errorf("shard of %s/%s on %s: %w", bucket, object, endpoint.URL, ErrDiskNotFound)
	}
	return bytes.NewReader(shard), nil
}

func (s *mockStorage) CreateShardWriter(ctx context.Context, endpoint Endpoint, bucket, object string) (ShardWriter, error) {
	return &mockShardWriter{storage: s, url: endpoint.URL, name: bucket + "/" + object}, nil
}

func (s *mockStorage) committedShards(url string) map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[url]
}

type mockShardWriter struct {
	bytes.Buffer
	storage *mockStorage
	url     string
	name    string
}

func (w *mockShardWriter) Commit() error {
	w.storage.mu.Lock()
	defer w.storage.mu.Unlock()
	if w.storage.committed[w.url] == nil {
		w.storage.committed[w.url] = make(map[string][]byte)
	}
	w.storage.committed[w.url][w.name] = append([]byte(nil), w.Bytes()...)
	return nil
}

func (w *mockShardWriter) Abort() error {
	w.storage.mu.Lock()
	defer w.storage.mu.Unlock()
	w.storage.aborted++
	return nil
}
