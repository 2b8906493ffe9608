package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/ahm/weed/heal"
	"github.com/seaweedfs/ahm/weed/kv/memory"
	"github.com/seaweedfs/ahm/weed/storage/erasure_coding"
)

const testBucket = "photos"

func newTestStore(t *testing.T, disks, parity int) (*Store, []string) {
	t.Helper()
	root := t.TempDir()
	dirs := make([]string, disks)
	for i := range dirs {
		dirs[i] = filepath.Join(root, fmt.Sprintf("disk%d", i))
	}
	s, err := NewStore([][][]string{{dirs}}, StoreOption{ParityShards: parity, BlockSize: 64})
	require.NoError(t, err)
	require.NoError(t, s.MakeBucket(context.Background(), testBucket))
	return s, dirs
}

func putRandom(t *testing.T, s *Store, object string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	require.NoError(t, s.PutObjectData(context.Background(), testBucket, object, data))
	return data
}

func shardPath(dir, object string) string {
	return filepath.Join(dir, testBucket, filepath.FromSlash(object), shardFile)
}

func TestNewStoreFormatsFreshDisks(t *testing.T) {
	s, dirs := newTestStore(t, 6, 2)
	ctx := context.Background()

	endpoints, err := s.GetSetEndpoints(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, endpoints, 6)
	for i, endpoint := range endpoints {
		assert.Equal(t, i, endpoint.DiskIdx)
		status, err := s.GetDiskStatus(ctx, endpoint)
		require.NoError(t, err)
		assert.Equal(t, heal.DiskOk, status)
	}

	reopened, err := NewStore([][][]string{{dirs}}, StoreOption{ParityShards: 2})
	require.NoError(t, err)
	assert.Equal(t, s.DeploymentID(), reopened.DeploymentID())

	_, err = NewStore([][][]string{{dirs[:2]}}, StoreOption{ParityShards: 2})
	assert.True(t, errors.Is(err, heal.ErrInvalidArgument))
	_, err = NewStore([][][]string{{{dirs[0], dirs[0], dirs[1]}}}, StoreOption{ParityShards: 1})
	assert.True(t, errors.Is(err, heal.ErrInvalidArgument))
}

func TestPutAndGetObject(t *testing.T) {
	s, _ := newTestStore(t, 6, 2)
	ctx := context.Background()

	data := putRandom(t, s, "2024/cat.jpg", 1000)
	putRandom(t, s, "empty", 0)

	got, err := s.GetObjectData(ctx, testBucket, "2024/cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	got, err = s.GetObjectData(ctx, testBucket, "empty")
	require.NoError(t, err)
	assert.Empty(t, got)

	info, err := s.GetObjectMeta(ctx, testBucket, "2024/cat.jpg")
	require.NoError(t, err)
	require.NotNil(t, info)
	sum := md5.Sum(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), info.ETag)
	assert.Equal(t, int64(1000), info.Size)
	assert.Equal(t, 4, info.DataBlocks)
	assert.Equal(t, 2, info.ParityBlocks)
	assert.Empty(t, info.MissingShards)
	assert.False(t, info.DiskMismatch)

	checksum, err := s.GetObjectChecksum(ctx, testBucket, "2024/cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, info.ETag, checksum)

	objects, err := s.ListObjectsForHeal(ctx, testBucket, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024/cat.jpg", "empty"}, objects)
	objects, err = s.ListObjectsForHeal(ctx, testBucket, "2024/")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024/cat.jpg"}, objects)

	buckets, err := s.ListBuckets(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, testBucket, buckets[0].Name)
	assert.False(t, buckets[0].Created.IsZero())

	exists, err := s.ObjectExists(ctx, testBucket, "nope")
	require.NoError(t, err)
	assert.False(t, exists)
	info, err = s.GetObjectMeta(ctx, testBucket, "nope")
	assert.NoError(t, err)
	assert.Nil(t, info)
	_, err = s.GetObjectData(ctx, testBucket, "nope")
	assert.True(t, errors.Is(err, ErrObjectNotFound))

	err = s.PutObjectData(ctx, "nobucket", "x", data)
	assert.True(t, errors.Is(err, ErrBucketNotFound))
	err = s.PutObjectData(ctx, testBucket, "a/.ahm.meta", data)
	assert.True(t, errors.Is(err, ErrInvalidName))
	err = s.PutObjectData(ctx, testBucket, "a/../b", data)
	assert.True(t, errors.Is(err, ErrInvalidName))
}

func TestDeleteObject(t *testing.T) {
	s, dirs := newTestStore(t, 4, 1)
	ctx := context.Background()

	putRandom(t, s, "a/b", 10)
	putRandom(t, s, "a/b/c", 10)
	require.NoError(t, s.DeleteObject(ctx, testBucket, "a/b/c"))

	objects, err := s.ListObjectsForHeal(ctx, testBucket, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b"}, objects)
	_, err = os.Stat(filepath.Join(dirs[0], testBucket, "a", "b", "c"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, s.DeleteObject(ctx, testBucket, "a/b"))
	_, err = os.Stat(filepath.Join(dirs[0], testBucket, "a"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dirs[0], testBucket))
	assert.NoError(t, err)
}

func TestHealObjectRebuildsMissingShard(t *testing.T) {
	s, dirs := newTestStore(t, 6, 2)
	ctx := context.Background()
	data := putRandom(t, s, "doc", 300)

	require.NoError(t, os.Remove(shardPath(dirs[1], "doc")))
	require.NoError(t, os.RemoveAll(filepath.Join(dirs[4], testBucket, "doc")))

	info, err := s.GetObjectMeta(ctx, testBucket, "doc")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4}, info.MissingShards)

	got, err := s.GetObjectData(ctx, testBucket, "doc")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	result, err := s.HealObject(ctx, testBucket, "doc", "", heal.HealOptions{DryRun: true})
	require.NoError(t, err)
	assert.Zero(t, result.DisksHealed)
	assert.Contains(t, result.Detail, "2 shards")

	result, err = s.HealObject(ctx, testBucket, "doc", "", heal.HealOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.DisksHealed)
	assert.Equal(t, int64(300), result.ObjectSize)

	info, err = s.GetObjectMeta(ctx, testBucket, "doc")
	require.NoError(t, err)
	assert.Empty(t, info.MissingShards)
	ok, err := s.VerifyObjectIntegrity(ctx, testBucket, "doc")
	require.NoError(t, err)
	assert.True(t, ok)

	// healthy objects are left alone
	result, err = s.HealObject(ctx, testBucket, "doc", "", heal.HealOptions{})
	require.NoError(t, err)
	assert.Zero(t, result.DisksHealed)
}

func TestBitrotIsDetectedAndHealed(t *testing.T) {
	s, dirs := newTestStore(t, 6, 2)
	ctx := context.Background()
	data := putRandom(t, s, "doc", 500)

	path := shardPath(dirs[0], "doc")
	shard, err := os.ReadFile(path)
	require.NoError(t, err)
	shard[3] ^= 0xff
	require.NoError(t, os.WriteFile(path, shard, 0644))

	ok, err := s.VerifyObjectIntegrity(ctx, testBucket, "doc")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.OpenShardReader(ctx, heal.Endpoint{URL: filepath.Clean(dirs[0])}, testBucket, "doc")
	assert.True(t, errors.Is(err, ErrBitrot))

	got, err := s.GetObjectData(ctx, testBucket, "doc")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	result, err := s.HealObject(ctx, testBucket, "doc", "", heal.HealOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.DisksHealed)
	ok, err = s.VerifyObjectIntegrity(ctx, testBucket, "doc")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStaleShardIsReportedAsMismatch(t *testing.T) {
	s, dirs := newTestStore(t, 4, 1)
	ctx := context.Background()
	putRandom(t, s, "doc", 100)

	location, found := s.Location(filepath.Clean(dirs[2]))
	require.True(t, found)
	location.SetOffline(true)
	s.nowFunc = func() time.Time { return time.Now().Add(time.Minute) }
	data := putRandom(t, s, "doc", 200)
	location.SetOffline(false)

	info, err := s.GetObjectMeta(ctx, testBucket, "doc")
	require.NoError(t, err)
	assert.True(t, info.DiskMismatch)
	assert.Equal(t, []int{2}, info.MissingShards)
	assert.Equal(t, int64(200), info.Size)

	result, err := s.HealObject(ctx, testBucket, "doc", "", heal.HealOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.DisksHealed)

	info, err = s.GetObjectMeta(ctx, testBucket, "doc")
	require.NoError(t, err)
	assert.False(t, info.DiskMismatch)
	got, err := s.GetObjectData(ctx, testBucket, "doc")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestHealObjectDanglingAndOffline(t *testing.T) {
	s, dirs := newTestStore(t, 6, 2)
	ctx := context.Background()
	putRandom(t, s, "lost", 100)
	putRandom(t, s, "away", 100)

	for _, dir := range dirs[:3] {
		require.NoError(t, os.RemoveAll(filepath.Join(dir, testBucket, "lost")))
	}
	result, err := s.HealObject(ctx, testBucket, "lost", "", heal.HealOptions{})
	require.NoError(t, err)
	assert.True(t, result.Dangling)

	_, err = s.GetObjectData(ctx, testBucket, "lost")
	var insufficient *erasure_coding.InsufficientShardsError
	assert.True(t, errors.As(err, &insufficient))

	for _, dir := range dirs[3:] {
		location, _ := s.Location(filepath.Clean(dir))
		location.SetOffline(true)
	}
	_, err = s.HealObject(ctx, testBucket, "away", "", heal.HealOptions{})
	assert.True(t, errors.Is(err, heal.ErrDiskOffline))
	assert.True(t, heal.IsTransient(err))
}

func TestDiskStatusAndHealFormat(t *testing.T) {
	s, dirs := newTestStore(t, 4, 1)
	ctx := context.Background()
	endpoints, err := s.GetSetEndpoints(ctx, 0, 0)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dirs[0], formatFile)))
	require.NoError(t, os.WriteFile(filepath.Join(dirs[1], formatFile), []byte("{"), 0644))
	location, _ := s.Location(endpoints[2].URL)
	location.SetOffline(true)

	statuses := make([]heal.DiskStatus, len(endpoints))
	for i, endpoint := range endpoints {
		statuses[i], err = s.GetDiskStatus(ctx, endpoint)
		require.NoError(t, err)
	}
	assert.Equal(t, []heal.DiskStatus{heal.DiskMissing, heal.DiskCorrupt, heal.DiskOffline, heal.DiskOk}, statuses)

	resume, err := s.GetDiskForResume(ctx, "pool_0_set_0")
	require.NoError(t, err)
	assert.Equal(t, endpoints[3], resume)
	_, err = s.GetDiskForResume(ctx, "pool_0_set_9")
	assert.True(t, errors.Is(err, heal.ErrInvalidArgument))

	result, err := s.HealFormat(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, result.DisksHealed)
	result, err = s.HealFormat(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.DisksHealed)

	status, err := s.GetDiskStatus(ctx, endpoints[1])
	require.NoError(t, err)
	assert.Equal(t, heal.DiskOk, status)

	_, err = s.GetDiskStatus(ctx, heal.Endpoint{URL: "/nowhere"})
	assert.True(t, errors.Is(err, heal.ErrDiskNotFound))
}

func TestHealBucket(t *testing.T) {
	s, dirs := newTestStore(t, 4, 1)
	ctx := context.Background()

	require.NoError(t, os.RemoveAll(filepath.Join(dirs[3], testBucket)))
	result, err := s.HealBucket(ctx, testBucket, heal.HealOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.DisksHealed)
	_, err = os.Stat(filepath.Join(dirs[3], testBucket, bucketFile))
	assert.NoError(t, err)

	result, err = s.HealBucket(ctx, "ghost", heal.HealOptions{})
	require.NoError(t, err)
	assert.Equal(t, "bucket not found", result.Detail)
}

// A wiped disk is formatted and refilled by the set heal of the manager.
func TestErasureSetHealRebuildsReplacedDisk(t *testing.T) {
	s, dirs := newTestStore(t, 6, 2)
	ctx := context.Background()
	objects := map[string][]byte{}
	for i := range 5 {
		name := fmt.Sprintf("obj%d", i)
		objects[name] = putRandom(t, s, name, 100*(i+1))
	}

	require.NoError(t, os.RemoveAll(dirs[5]))
	status, err := s.GetDiskStatus(ctx, heal.Endpoint{URL: filepath.Clean(dirs[5])})
	require.NoError(t, err)
	assert.Equal(t, heal.DiskMissing, status)

	config := heal.DefaultHealConfig()
	config.CheckpointInterval = 0
	m := heal.NewHealManager(config, s, heal.NewResumeManager(memory.NewMemoryStore()))
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	req, err := heal.NewHealRequest(heal.ErasureSetHeal{PoolIdx: 0, SetIdx: 0}, heal.HealOptions{}, heal.PriorityHigh)
	require.NoError(t, err)
	handle, err := m.Submit(req)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	taskStatus, _ := handle.Wait(waitCtx)
	require.Equal(t, heal.StatusCompleted, taskStatus, "%v", handle.Err())

	for name, data := range objects {
		_, err := os.Stat(shardPath(dirs[5], name))
		assert.NoError(t, err, name)
		info, err := s.GetObjectMeta(ctx, testBucket, name)
		require.NoError(t, err)
		assert.Empty(t, info.MissingShards, name)
		got, err := s.GetObjectData(ctx, testBucket, name)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}
