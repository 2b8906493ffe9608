package heal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/ahm/weed/kv/memory"
)

func TestRecursiveBucketHealRecordsHealedObjects(t *testing.T) {
	s := newMockStorage()
	s.objects["b"] = []string{"o1", "o2", "o3"}
	s.healObjectErrs = []error{nil, ErrDiskOffline}

	ctx := context.Background()
	rm := NewResumeManager(memory.NewMemoryStore())
	req, err := NewHealRequest(BucketHeal{Bucket: "b"}, HealOptions{Recursive: true}, PriorityNormal)
	require.NoError(t, err)
	task := newHealTask(req, 1, nil)
	state, err := rm.begin(ctx, task, nil)
	require.NoError(t, err)

	err = healBucket(ctx, s, BucketHeal{Bucket: "b"}, req.Options, task.updateProgress, rm, state)
	assert.ErrorIs(t, err, ErrDiskOffline)

	stored, err := rm.LoadState(ctx, "bucket/b")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, task.ID(), stored.TaskID)
	assert.Equal(t, []string{"b/o1"}, stored.ProcessedObjects)
	assert.Equal(t, uint64(3), stored.TotalObjects)
}

func TestBucketHealWithoutStateHealsEveryObject(t *testing.T) {
	s := newMockStorage()
	s.objects["b"] = []string{"o1", "o2"}

	req, err := NewHealRequest(BucketHeal{Bucket: "b"}, HealOptions{Recursive: true, DryRun: true}, PriorityNormal)
	require.NoError(t, err)
	task := newHealTask(req, 1, nil)

	require.NoError(t, healBucket(context.Background(), s, BucketHeal{Bucket: "b"}, req.Options, task.updateProgress, nil, nil))
	assert.Equal(t, []string{"b/o1", "b/o2"}, s.healObjectCalls)
	assert.Equal(t, uint64(2), task.Progress().ObjectsScanned)
}
