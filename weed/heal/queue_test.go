package heal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedTask(t *testing.T, seq uint64, priority HealPriority) *HealTask {
	req, err := NewHealRequest(ObjectHeal{Bucket: "b", Object: "o"}, HealOptions{}, priority)
	require.NoError(t, err)
	return newHealTask(req, seq, nil)
}

func TestTaskQueueOrder(t *testing.T) {
	q := newTaskQueue()
	low := queuedTask(t, 1, PriorityLow)
	normal1 := queuedTask(t, 2, PriorityNormal)
	urgent := queuedTask(t, 3, PriorityUrgent)
	normal2 := queuedTask(t, 4, PriorityNormal)
	for _, task := range []*HealTask{low, normal1, urgent, normal2} {
		q.push(task, task.Priority())
	}
	assert.Equal(t, []*HealTask{urgent, normal1, normal2, low}, q.tasks())

	now := time.Now()
	var popped []*HealTask
	for q.Len() > 0 {
		task, _ := q.popReady(now)
		popped = append(popped, task)
	}
	assert.Equal(t, []*HealTask{urgent, normal1, normal2, low}, popped)
}

func TestTaskQueueSkipsDelayedTasks(t *testing.T) {
	q := newTaskQueue()
	now := time.Now()

	retried := queuedTask(t, 1, PriorityUrgent)
	retried.nextAttemptAt = now.Add(time.Minute)
	normal := queuedTask(t, 2, PriorityNormal)
	q.push(retried, retried.Priority())
	q.push(normal, normal.Priority())

	task, _ := q.popReady(now)
	assert.Equal(t, normal, task)

	task, wakeAt := q.popReady(now)
	assert.Nil(t, task)
	assert.Equal(t, retried.nextAttemptAt, wakeAt)

	task, _ = q.popReady(now.Add(2 * time.Minute))
	assert.Equal(t, retried, task)

	task, wakeAt = q.popReady(now)
	assert.Nil(t, task)
	assert.True(t, wakeAt.IsZero())
}

func TestTaskQueueRemove(t *testing.T) {
	q := newTaskQueue()
	task := queuedTask(t, 1, PriorityNormal)
	q.push(task, PriorityNormal)

	assert.False(t, q.remove(task, PriorityHigh))
	assert.True(t, q.remove(task, PriorityNormal))
	assert.Zero(t, q.Len())
}

func TestTaskStatusTransitions(t *testing.T) {
	task := queuedTask(t, 1, PriorityNormal)
	assert.Error(t, task.transition(StatusCompleted, nil))

	require.NoError(t, task.transition(StatusRunning, nil))
	require.NoError(t, task.transition(StatusPending, ErrDiskOffline))
	require.NoError(t, task.transition(StatusRunning, nil))
	require.NoError(t, task.transition(StatusCompleted, nil))

	for _, to := range []HealTaskStatus{StatusPending, StatusRunning, StatusFailed, StatusCancelled} {
		assert.Error(t, task.transition(to, nil), "completed -> %s", to)
	}
	assert.Equal(t, StatusCompleted, task.Status())
	select {
	case <-task.done:
	default:
		t.Fatal("done not closed")
	}
}
