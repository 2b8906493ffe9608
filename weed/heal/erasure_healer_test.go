package heal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/ahm/weed/kv/memory"
	"github.com/seaweedfs/ahm/weed/storage/erasure_coding"
)

const testBlockSize = 64

// newErasureSetStorage stripes objects of bucket "b" over a 4+2 set.
func newErasureSetStorage(t *testing.T, objects map[string]int) (*mockStorage, map[string]map[string][]byte) {
	t.Helper()
	s := newMockStorage()
	s.layout = ShardLayout{DataShards: 4, ParityShards: 2, BlockSize: testBlockSize}
	s.buckets = []BucketInfo{{Name: "b"}}
	for i := 0; i < 6; i++ {
		url := fmt.Sprintf("http://node%d:9000/disk", i)
		s.endpoints = append(s.endpoints, Endpoint{URL: url, PoolIdx: 0, SetIdx: 0, DiskIdx: i})
		s.shards[url] = make(map[string][]byte)
	}

	e, err := erasure_coding.NewErasure(4, 2, testBlockSize)
	require.NoError(t, err)

	original := make(map[string]map[string][]byte)
	for name, size := range objects {
		data := make([]byte, size)
		rand.New(rand.NewSource(int64(size))).Read(data)

		buffers := make([]*bytes.Buffer, 6)
		writers := make([]io.Writer, 6)
		for i := range buffers {
			buffers[i] = new(bytes.Buffer)
			writers[i] = buffers[i]
		}
		_, err := e.Encode(context.Background(), bytes.NewReader(data), writers, int64(size), 6)
		require.NoError(t, err)

		key := "b/" + name
		for i, endpoint := range s.endpoints {
			s.shards[endpoint.URL][key] = buffers[i].Bytes()
			if original[endpoint.URL] == nil {
				original[endpoint.URL] = make(map[string][]byte)
			}
			original[endpoint.URL][key] = buffers[i].Bytes()
		}
		s.sizes[key] = int64(size)
		s.objects["b"] = append(s.objects["b"], name)
	}
	sort.Strings(s.objects["b"])
	return s, original
}

// breakDisk marks disk i with status and drops its shards.
func breakDisk(s *mockStorage, i int, status DiskStatus) string {
	url := s.endpoints[i].URL
	s.diskStatus[url] = status
	s.shards[url] = make(map[string][]byte)
	return url
}

func newSetTask(t *testing.T, opts HealOptions) (*HealTask, ErasureSetHeal) {
	set := ErasureSetHeal{PoolIdx: 0, SetIdx: 0}
	req, err := NewHealRequest(set, opts, PriorityNormal)
	require.NoError(t, err)
	return newHealTask(req, 1, nil), set
}

func TestHealErasureSetRebuildsCorruptDisk(t *testing.T) {
	s, original := newErasureSetStorage(t, map[string]int{"o1": 3*testBlockSize + 5, "o2": 17})
	url := breakDisk(s, 1, DiskCorrupt)

	rm := NewResumeManager(memory.NewMemoryStore())
	healer := NewErasureSetHealer(s, rm, 0)
	task, set := newSetTask(t, HealOptions{})

	require.NoError(t, healer.HealErasureSet(context.Background(), task, set, task.updateProgress))

	assert.Equal(t, original[url], s.committedShards(url))
	for i, endpoint := range s.endpoints {
		if i != 1 {
			assert.Empty(t, s.committedShards(endpoint.URL), "disk %d must not be rewritten", i)
		}
	}

	progress := task.Progress()
	assert.Equal(t, uint64(2), progress.ObjectsHealed)
	assert.Equal(t, uint64(2), progress.ShardsRewritten)
	assert.Equal(t, uint64(2), progress.TotalObjects)
	assert.Equal(t, float64(100), progress.PercentComplete())

	state, err := rm.LoadState(context.Background(), "pool_0_set_0")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/o1", "b/o2"}, state.ProcessedObjects)
	assert.Equal(t, []string{"b"}, state.ProcessedBuckets)
	assert.Equal(t, uint64(2), state.ShardsRewritten)
}

func TestHealErasureSetInsufficientShards(t *testing.T) {
	s, _ := newErasureSetStorage(t, map[string]int{"o1": 2 * testBlockSize})
	for i := 0; i < 3; i++ {
		breakDisk(s, i, DiskCorrupt)
	}

	rm := NewResumeManager(memory.NewMemoryStore())
	healer := NewErasureSetHealer(s, rm, 0)
	task, set := newSetTask(t, HealOptions{})

	err := healer.HealErasureSet(context.Background(), task, set, task.updateProgress)
	require.Error(t, err)
	var insufficient *erasure_coding.InsufficientShardsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 4, insufficient.Need)
	assert.Equal(t, 3, insufficient.Have)
	assert.False(t, IsTransient(err))

	for _, endpoint := range s.endpoints {
		assert.Empty(t, s.committedShards(endpoint.URL))
	}
	assert.Equal(t, 3, s.aborted)
	assert.Equal(t, uint64(1), task.Progress().ObjectsFailed)

	state, err := rm.LoadState(context.Background(), "pool_0_set_0")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/o1"}, state.FailedObjects)
	assert.Empty(t, state.ProcessedObjects)
}

func TestHealErasureSetOfflineDiskIsTransient(t *testing.T) {
	s, _ := newErasureSetStorage(t, map[string]int{"o1": 10})
	breakDisk(s, 2, DiskOffline)

	healer := NewErasureSetHealer(s, NewResumeManager(memory.NewMemoryStore()), 0)
	task, set := newSetTask(t, HealOptions{})

	err := healer.HealErasureSet(context.Background(), task, set, task.updateProgress)
	assert.True(t, errors.Is(err, ErrDiskOffline))
	assert.True(t, IsTransient(err))
}

func TestHealErasureSetFormatsReplacedDisk(t *testing.T) {
	s, original := newErasureSetStorage(t, map[string]int{"o1": 100})
	url := breakDisk(s, 5, DiskMissing)

	healer := NewErasureSetHealer(s, NewResumeManager(memory.NewMemoryStore()), 0)
	task, set := newSetTask(t, HealOptions{})

	require.NoError(t, healer.HealErasureSet(context.Background(), task, set, task.updateProgress))
	assert.Equal(t, []string{url}, s.formatted)
	assert.Equal(t, original[url], s.committedShards(url))
}

func TestHealErasureSetDryRun(t *testing.T) {
	s, _ := newErasureSetStorage(t, map[string]int{"o1": 100, "o2": 200})
	url := breakDisk(s, 0, DiskMissing)

	healer := NewErasureSetHealer(s, NewResumeManager(memory.NewMemoryStore()), 0)
	task, set := newSetTask(t, HealOptions{DryRun: true})

	require.NoError(t, healer.HealErasureSet(context.Background(), task, set, task.updateProgress))
	assert.Empty(t, s.committedShards(url))
	assert.Empty(t, s.formatted)
	assert.Equal(t, uint64(2), task.Progress().ShardsRewritten)
}

func TestHealErasureSetSkipsProcessedObjects(t *testing.T) {
	s, original := newErasureSetStorage(t, map[string]int{"o1": 100, "o2": 200})
	url := breakDisk(s, 3, DiskCorrupt)

	ctx := context.Background()
	rm := NewResumeManager(memory.NewMemoryStore())
	previous := NewResumeState("earlier-task", KindErasureSet, "pool_0_set_0", []string{"b"})
	previous.MarkObjectProcessed("b", "o1")
	require.NoError(t, rm.SaveState(ctx, previous))

	healer := NewErasureSetHealer(s, rm, 0)
	task, set := newSetTask(t, HealOptions{})
	require.NoError(t, healer.HealErasureSet(ctx, task, set, task.updateProgress))

	committed := s.committedShards(url)
	assert.Len(t, committed, 1)
	assert.Equal(t, original[url]["b/o2"], committed["b/o2"])
	assert.Equal(t, uint64(1), task.Progress().ObjectsSkipped)

	state, err := rm.LoadState(ctx, "pool_0_set_0")
	require.NoError(t, err)
	assert.Equal(t, "earlier-task", state.TaskID)
	assert.Equal(t, []string{"b/o1", "b/o2"}, state.ProcessedObjects)
}

func TestHealErasureSetStopsWhenCancelled(t *testing.T) {
	s, _ := newErasureSetStorage(t, map[string]int{"o1": 100})
	url := breakDisk(s, 3, DiskCorrupt)

	healer := NewErasureSetHealer(s, NewResumeManager(memory.NewMemoryStore()), 0)
	task, set := newSetTask(t, HealOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := healer.HealErasureSet(ctx, task, set, task.updateProgress)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, s.committedShards(url))
}

func TestHealECDecode(t *testing.T) {
	s := newMockStorage()
	healer := NewErasureSetHealer(s, NewResumeManager(memory.NewMemoryStore()), 0)
	target := ECDecodeHeal{Bucket: "b", Object: "o", MissingShards: []int{0, 1}, AvailableShards: []int{2, 3, 4, 5}}
	req, err := NewHealRequest(target, HealOptions{}, PriorityUrgent)
	require.NoError(t, err)

	task := newHealTask(req, 1, nil)
	err = healer.HealECDecode(context.Background(), task, target, task.updateProgress)
	assert.ErrorContains(t, err, "integrity check failed")

	s.verifyResult = true
	task = newHealTask(req, 2, nil)
	require.NoError(t, healer.HealECDecode(context.Background(), task, target, task.updateProgress))
	assert.Equal(t, uint64(2), task.Progress().ShardsRewritten)
	assert.Equal(t, uint64(1), task.Progress().ObjectsHealed)
}

func TestDryRunDoesNotHideObjectsFromLaterHeal(t *testing.T) {
	s, original := newErasureSetStorage(t, map[string]int{"o1": 100, "o2": 200})
	url := breakDisk(s, 1, DiskCorrupt)
	rm := NewResumeManager(memory.NewMemoryStore())
	healer := NewErasureSetHealer(s, rm, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dryTask, set := newSetTask(t, HealOptions{DryRun: true})
	cancelAfterFirst := func(update func(p *HealProgress)) {
		dryTask.updateProgress(update)
		if dryTask.Progress().ObjectsScanned == 1 {
			cancel()
		}
	}
	err := healer.HealErasureSet(ctx, dryTask, set, cancelAfterFirst)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(1), dryTask.Progress().ObjectsScanned)

	state, err := rm.LoadState(context.Background(), set.Key())
	require.NoError(t, err)
	assert.Nil(t, state)
	checkpoint, err := rm.LoadCheckpoint(context.Background(), set.Key())
	require.NoError(t, err)
	assert.Nil(t, checkpoint)

	task, _ := newSetTask(t, HealOptions{})
	require.NoError(t, healer.HealErasureSet(context.Background(), task, set, task.updateProgress))
	committed := s.committedShards(url)
	assert.Equal(t, original[url]["b/o1"], committed["b/o1"])
	assert.Equal(t, original[url]["b/o2"], committed["b/o2"])
	assert.Zero(t, task.Progress().ObjectsSkipped)
}

func TestHealErasureSetIgnoresStoredDryRunState(t *testing.T) {
	s, original := newErasureSetStorage(t, map[string]int{"o1": 100, "o2": 200})
	url := breakDisk(s, 2, DiskCorrupt)

	ctx := context.Background()
	store := memory.NewMemoryStore()
	stale := NewResumeState("dry-task", KindErasureSet, "pool_0_set_0", []string{"b"})
	stale.Options.DryRun = true
	stale.MarkObjectProcessed("b", "o1")
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, resumeStatePrefix+"pool_0_set_0", data))

	rm := NewResumeManager(store)
	states, err := rm.ListIncomplete(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)

	healer := NewErasureSetHealer(s, rm, 0)
	task, set := newSetTask(t, HealOptions{})
	require.NoError(t, healer.HealErasureSet(ctx, task, set, task.updateProgress))
	assert.Len(t, s.committedShards(url), 2)
	assert.Equal(t, original[url]["b/o1"], s.committedShards(url)["b/o1"])

	state, err := rm.LoadState(ctx, "pool_0_set_0")
	require.NoError(t, err)
	assert.Equal(t, task.ID(), state.TaskID)
	assert.False(t, state.Options.DryRun)
}
