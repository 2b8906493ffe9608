package heal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HealTask is the runtime state of one admitted HealRequest.
type HealTask struct {
	request *HealRequest
	seq     uint64
	done    chan struct{}

	mu              sync.RWMutex
	status          HealTaskStatus
	priority        HealPriority
	err             error
	retryCount      int
	nextAttemptAt   time.Time
	backoff         *backoff.ExponentialBackOff
	startTime       time.Time
	endTime         time.Time
	progress        HealProgress
	cancel          context.CancelFunc
	cancelRequested bool
}

func newHealTask(req *HealRequest, seq uint64, b *backoff.ExponentialBackOff) *HealTask {
	return &HealTask{
		request:  req,
		seq:      seq,
		done:     make(chan struct{}),
		status:   StatusPending,
		priority: req.Priority,
		backoff:  b,
	}
}

func (t *HealTask) ID() string {
	return t.request.ID
}

func (t *HealTask) Request() *HealRequest {
	return t.request
}

func (t *HealTask) Status() HealTaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *HealTask) Priority() HealPriority {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.priority
}

func (t *HealTask) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

func (t *HealTask) Progress() HealProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

func (t *HealTask) RetryCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.retryCount
}

func (t *HealTask) updateProgress(update func(p *HealProgress)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	update(&t.progress)
	t.progress.LastUpdate = time.Now()
}

// transition moves the task to the given status, closing done on terminal states.
func (t *HealTask) transition(to HealTaskStatus, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.canTransition(to) {
		return fmt.Errorf("heal task %s: invalid transition %s -> %s", t.request.ID, t.status, to)
	}
	t.status = to
	now := time.Now()
	switch to {
	case StatusRunning:
		if t.startTime.IsZero() {
			t.startTime = now
			t.progress.StartTime = now
		}
	case StatusPending:
		t.err = err
	default:
		t.err = err
		t.endTime = now
		t.cancel = nil
		close(t.done)
	}
	return nil
}

// TaskInfo is a point in time copy of a task, for status reporting.
type TaskInfo struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Target        string         `json:"target"`
	Priority      HealPriority   `json:"priority"`
	Status        HealTaskStatus `json:"status"`
	Error         string         `json:"error,omitempty"`
	RetryCount    int            `json:"retry_count"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartTime     *time.Time     `json:"start_time,omitempty"`
	EndTime       *time.Time     `json:"end_time,omitempty"`
	Progress      HealProgress   `json:"progress"`
}

func (t *HealTask) Info() TaskInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info := TaskInfo{
		ID:         t.request.ID,
		Type:       t.request.HealType.Kind(),
		Target:     t.request.HealType.Key(),
		Priority:   t.priority,
		Status:     t.status,
		RetryCount: t.retryCount,
		CreatedAt:  t.request.CreatedAt,
		Progress:   t.progress,
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	if !t.nextAttemptAt.IsZero() && t.status == StatusPending {
		next := t.nextAttemptAt
		info.NextAttemptAt = &next
	}
	if !t.startTime.IsZero() {
		start := t.startTime
		info.StartTime = &start
	}
	if !t.endTime.IsZero() {
		end := t.endTime
		info.EndTime = &end
	}
	return info
}

// TaskHandle is returned by Submit to follow a task.
type TaskHandle struct {
	task *HealTask
}

func (h *TaskHandle) ID() string {
	return h.task.ID()
}

func (h *TaskHandle) Status() HealTaskStatus {
	return h.task.Status()
}

func (h *TaskHandle) Err() error {
	return h.task.Err()
}

func (h *TaskHandle) Priority() HealPriority {
	return h.task.Priority()
}

func (h *TaskHandle) Progress() HealProgress {
	return h.task.Progress()
}

func (h *TaskHandle) Info() TaskInfo {
	return h.task.Info()
}

// Done is closed once the task reaches a terminal status.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.task.done
}

// Wait blocks until the task is terminal or ctx is done.
func (h *TaskHandle) Wait(ctx context.Context) (HealTaskStatus, error) {
	select {
	case <-h.task.done:
		return h.task.Status(), h.task.Err()
	case <-ctx.Done():
		return h.task.Status(), ctx.Err()
	}
}
