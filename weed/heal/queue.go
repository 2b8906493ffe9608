package heal

import (
	"time"

	"github.com/google/btree"
)

type queueItem struct {
	priority HealPriority
	seq      uint64
	task     *HealTask
}

// higher priority first, then submission order
func lessQueueItem(a, b queueItem) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// taskQueue orders pending tasks by (priority desc, seq asc). It is not
// safe for concurrent use; the manager guards it.
type taskQueue struct {
	tree *btree.BTreeG[queueItem]
}

func newTaskQueue() *taskQueue {
	return &taskQueue{tree: btree.NewG[queueItem](8, lessQueueItem)}
}

func (q *taskQueue) Len() int {
	return q.tree.Len()
}

func (q *taskQueue) push(task *HealTask, priority HealPriority) {
	q.tree.ReplaceOrInsert(queueItem{priority: priority, seq: task.seq, task: task})
}

func (q *taskQueue) remove(task *HealTask, priority HealPriority) bool {
	_, found := q.tree.Delete(queueItem{priority: priority, seq: task.seq})
	return found
}

// popReady removes the first task whose retry delay has passed. When none is
// ready it returns the earliest time one becomes ready, zero if empty.
func (q *taskQueue) popReady(now time.Time) (task *HealTask, wakeAt time.Time) {
	var ready queueItem
	found := false
	q.tree.Ascend(func(item queueItem) bool {
		item.task.mu.RLock()
		next := item.task.nextAttemptAt
		item.task.mu.RUnlock()
		if !next.After(now) {
			ready, found = item, true
			return false
		}
		if wakeAt.IsZero() || next.Before(wakeAt) {
			wakeAt = next
		}
		return true
	})
	if !found {
		return nil, wakeAt
	}
	q.tree.Delete(ready)
	return ready.task, time.Time{}
}

// tasks lists the queued tasks in dequeue order.
func (q *taskQueue) tasks() (tasks []*HealTask) {
	q.tree.Ascend(func(item queueItem) bool {
		tasks = append(tasks, item.task)
		return true
	})
	return
}
