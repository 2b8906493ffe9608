package heal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/seaweedfs/ahm/weed/kv/memory"
	"github.com/seaweedfs/ahm/weed/stats"
	"github.com/seaweedfs/ahm/weed/util"
)

// HealManager admits heal requests, orders them by priority and runs them on
// a fixed pool of workers.
type HealManager struct {
	config  HealConfig
	storage HealStorageAPI
	resume  *ResumeManager
	healer  *ErasureSetHealer

	mu       sync.Mutex
	queue    *taskQueue
	tasks    map[string]*HealTask
	active   map[string]*HealTask // by target key, non terminal only
	finished []string
	seq      uint64
	running  int
	started  bool
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
	counters HealStatistics

	wakeup chan struct{}
	wg     sync.WaitGroup
}

type HealStatistics struct {
	Submitted   uint64 `json:"submitted"`
	Merged      uint64 `json:"merged"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	Cancelled   uint64 `json:"cancelled"`
	Retries     uint64 `json:"retries"`
	Pending     int    `json:"pending"`
	Running     int    `json:"running"`
	QueueLength int    `json:"queue_length"`
	Workers     int    `json:"workers"`
}

// NewHealManager creates a manager; resume may be nil to keep resume data in memory.
func NewHealManager(config HealConfig, storage HealStorageAPI, resume *ResumeManager) *HealManager {
	config = config.withDefaults()
	if resume == nil {
		resume = NewResumeManager(memory.NewMemoryStore())
	}
	return &HealManager{
		config:  config,
		storage: storage,
		resume:  resume,
		healer:  NewErasureSetHealer(storage, resume, config.CheckpointInterval),
		queue:   newTaskQueue(),
		tasks:   make(map[string]*HealTask),
		active:  make(map[string]*HealTask),
		wakeup:  make(chan struct{}, config.Workers),
	}
}

func (m *HealManager) Config() HealConfig {
	return m.config
}

func (m *HealManager) ResumeManager() *ResumeManager {
	return m.resume
}

// Start resubmits interrupted heals and starts the workers. Tasks submitted
// before Start wait in the queue.
func (m *HealManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.mu.Unlock()

	if m.config.ResumeOnStart {
		m.resumeIncomplete(ctx)
	}

	for i := 0; i < m.config.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	glog.V(0).Infof("heal manager started with %d workers", m.config.Workers)
	return nil
}

func (m *HealManager) resumeIncomplete(ctx context.Context) {
	states, err := m.resume.ListIncomplete(ctx)
	if err != nil {
		glog.Warningf("list interrupted heals: %v", err)
		return
	}
	for _, st := range states {
		healType, err := st.HealType.healType()
		if err != nil {
			glog.Warningf("skip resume state %s: %v", st.Target, err)
			continue
		}
		req, err := NewHealRequest(healType, st.Options, st.Priority)
		if err != nil {
			glog.Warningf("skip resume state %s: %v", st.Target, err)
			continue
		}
		if _, err := m.Submit(req); err != nil {
			glog.Warningf("resume heal of %s: %v", st.Target, err)
			continue
		}
		glog.V(0).Infof("resumed heal of %s at %s priority, %d objects already processed", st.Target, st.Priority, len(st.ProcessedObjects))
	}
}

// Submit admits req. A request for a target that already has a pending or
// running task is merged into it, raising its priority, and the existing
// task's handle is returned.
func (m *HealManager) Submit(req *HealRequest) (*TaskHandle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrManagerStopped
	}
	if _, found := m.tasks[req.ID]; found {
		return nil, fmt.Errorf("%w: request %s was already submitted", ErrInvalidArgument, req.ID)
	}

	key := req.HealType.Key()
	if existing, found := m.active[key]; found {
		m.mergeLocked(existing, req.Priority)
		m.counters.Merged++
		glog.V(1).Infof("heal request %s merged into task %s for %s", req.ID, existing.ID(), key)
		return &TaskHandle{task: existing}, nil
	}

	if m.config.QueueSize > 0 && m.queue.Len() >= m.config.QueueSize {
		return nil, ErrQueueFull
	}

	m.seq++
	task := newHealTask(req, m.seq, util.NewExponentialBackOff(m.config.RetryInitialInterval, m.config.RetryMaxInterval, 0))
	m.tasks[req.ID] = task
	m.active[key] = task
	m.queue.push(task, task.priority)
	m.counters.Submitted++
	m.updateGaugesLocked()
	m.signal()

	glog.V(1).Infof("heal task %s submitted: %s", req.ID, req)
	return &TaskHandle{task: task}, nil
}

func (m *HealManager) mergeLocked(task *HealTask, priority HealPriority) {
	task.mu.Lock()
	defer task.mu.Unlock()
	if priority <= task.priority {
		return
	}
	if task.status == StatusPending {
		m.queue.remove(task, task.priority)
		m.queue.push(task, priority)
	}
	glog.V(1).Infof("heal task %s priority raised from %s to %s", task.request.ID, task.priority, priority)
	task.priority = priority
}

func (m *HealManager) signal() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

func (m *HealManager) worker(id int) {
	defer m.wg.Done()
	glog.V(3).Infof("heal worker %d started", id)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		if m.ctx.Err() != nil {
			glog.V(3).Infof("heal worker %d stopped", id)
			return
		}
		task, taskCtx, wakeAt := m.nextTask()
		if task != nil {
			m.runTask(taskCtx, task)
			continue
		}

		wait := time.Hour
		if !wakeAt.IsZero() {
			wait = time.Until(wakeAt)
			if wait <= 0 {
				continue
			}
		}
		timer.Reset(wait)
		select {
		case <-m.ctx.Done():
			timer.Stop()
		case <-m.wakeup:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextTask pops the next ready task and marks it running.
func (m *HealManager) nextTask() (*HealTask, context.Context, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, wakeAt := m.queue.popReady(time.Now())
	if task == nil {
		return nil, nil, wakeAt
	}

	var taskCtx context.Context
	var cancel context.CancelFunc
	if timeout := task.request.Options.Timeout; timeout > 0 {
		taskCtx, cancel = context.WithTimeout(m.ctx, timeout)
	} else {
		taskCtx, cancel = context.WithCancel(m.ctx)
	}
	if err := task.transition(StatusRunning, nil); err != nil {
		glog.Errorf("%v", err)
		cancel()
		return nil, nil, time.Time{}
	}
	task.mu.Lock()
	task.cancel = cancel
	task.mu.Unlock()

	m.running++
	if m.queue.Len() > 0 {
		m.signal()
	}
	m.updateGaugesLocked()
	return task, taskCtx, time.Time{}
}

func (m *HealManager) runTask(ctx context.Context, task *HealTask) {
	start := time.Now()
	glog.V(1).Infof("heal task %s running: %s", task.ID(), task.request)

	err := m.execute(ctx, task)
	if err == nil && !isDryRun(task.request) {
		// the target still belongs to this task, nobody else writes its resume data
		if cleanupErr := m.resume.Cleanup(context.WithoutCancel(ctx), task.request.HealType.Key()); cleanupErr != nil {
			glog.Warningf("heal task %s: remove resume data: %v", task.ID(), cleanupErr)
		}
	}

	task.mu.Lock()
	if task.cancel != nil {
		task.cancel()
	}
	task.mu.Unlock()
	m.finish(task, err, time.Since(start))
}

func (m *HealManager) execute(ctx context.Context, task *HealTask) error {
	req := task.request
	progress := progressFunc(task.updateProgress)
	if target, ok := req.HealType.(ErasureSetHeal); ok {
		return m.healer.HealErasureSet(ctx, task, target, progress)
	}

	// recorded before any work so a restart resubmits the heal
	var state *ResumeState
	if !isDryRun(req) {
		var err error
		if state, err = m.resume.begin(ctx, task, nil); err != nil {
			return err
		}
	}
	switch target := req.HealType.(type) {
	case ECDecodeHeal:
		return m.healer.HealECDecode(ctx, task, target, progress)
	case ObjectHeal:
		return healObject(ctx, m.storage, target, req.Options, progress)
	case MetadataHeal:
		return healMetadata(ctx, m.storage, target, req.Options, progress)
	case BucketHeal:
		return healBucket(ctx, m.storage, target, req.Options, progress, m.resume, state)
	case FormatHeal:
		return healFormat(ctx, m.storage, target, req.Options)
	}
	return fmt.Errorf("%w: %T", ErrInvalidHealType, req.HealType)
}

// isDryRun reports requests that change nothing and leave no resume data.
func isDryRun(req *HealRequest) bool {
	if format, ok := req.HealType.(FormatHeal); ok && format.DryRun {
		return true
	}
	return req.Options.DryRun
}

func (m *HealManager) finish(task *HealTask, err error, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running--
	defer m.updateGaugesLocked()

	task.mu.RLock()
	cancelRequested := task.cancelRequested
	task.mu.RUnlock()
	kind := task.request.HealType.Kind()

	switch {
	case err == nil:
		m.retireLocked(task, StatusCompleted, nil)
		glog.V(1).Infof("heal task %s completed in %v", task.ID(), elapsed)
	case cancelRequested || m.stopped || m.ctx.Err() != nil || errors.Is(err, context.Canceled):
		m.retireLocked(task, StatusCancelled, err)
		glog.V(1).Infof("heal task %s cancelled after %v", task.ID(), elapsed)
	case IsTransient(err) && task.RetryCount() < m.config.MaxRetries:
		if m.retryLocked(task, err) {
			stats.HealTaskRetryCounter.WithLabelValues(kind).Inc()
			return
		}
		m.retireLocked(task, StatusFailed, err)
		glog.Errorf("heal task %s failed: %v", task.ID(), err)
	default:
		m.retireLocked(task, StatusFailed, err)
		glog.Errorf("heal task %s failed after %d retries: %v", task.ID(), task.RetryCount(), err)
	}
	stats.ObserveHealTask(kind, task.Status().String(), elapsed)
}

// retryLocked puts task back in the queue at its original position, eligible
// after the next backoff interval.
func (m *HealManager) retryLocked(task *HealTask, err error) bool {
	task.mu.Lock()
	delay := task.backoff.NextBackOff()
	if delay == backoff.Stop {
		task.mu.Unlock()
		return false
	}
	task.retryCount++
	task.nextAttemptAt = time.Now().Add(delay)
	retryCount, priority := task.retryCount, task.priority
	task.mu.Unlock()

	if transitionErr := task.transition(StatusPending, err); transitionErr != nil {
		glog.Errorf("%v", transitionErr)
		return false
	}
	m.queue.push(task, priority)
	m.counters.Retries++
	m.signal()
	glog.V(1).Infof("heal task %s retry %d/%d in %v: %v", task.ID(), retryCount, m.config.MaxRetries, delay, err)
	return true
}

func (m *HealManager) retireLocked(task *HealTask, status HealTaskStatus, err error) {
	if transitionErr := task.transition(status, err); transitionErr != nil {
		glog.Errorf("%v", transitionErr)
		return
	}
	key := task.request.HealType.Key()
	if m.active[key] == task {
		delete(m.active, key)
	}
	switch status {
	case StatusCompleted:
		m.counters.Completed++
	case StatusFailed:
		m.counters.Failed++
	case StatusCancelled:
		m.counters.Cancelled++
	}

	m.finished = append(m.finished, task.ID())
	for len(m.finished) > m.config.MaxFinishedTasks {
		delete(m.tasks, m.finished[0])
		m.finished = m.finished[1:]
	}
}

func (m *HealManager) updateGaugesLocked() {
	stats.HealQueueGauge.Set(float64(m.queue.Len()))
	stats.HealActiveGauge.Set(float64(m.running))
}

func (m *HealManager) GetStatus(id string) (HealTaskStatus, error) {
	handle, err := m.GetTask(id)
	if err != nil {
		return StatusPending, err
	}
	return handle.Status(), nil
}

func (m *HealManager) GetTask(id string) (*TaskHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, found := m.tasks[id]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return &TaskHandle{task: task}, nil
}

// ListTasks returns the known tasks, oldest submission first.
func (m *HealManager) ListTasks() []TaskInfo {
	m.mu.Lock()
	tasks := make([]*HealTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task)
	}
	m.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].seq < tasks[j].seq })
	infos := make([]TaskInfo, len(tasks))
	for i, task := range tasks {
		infos[i] = task.Info()
	}
	return infos
}

// CancelTask cancels a pending task at once; a running task stops at its
// next safe point and becomes Cancelled then.
func (m *HealManager) CancelTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, found := m.tasks[id]
	if !found {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch task.Status() {
	case StatusPending:
		m.queue.remove(task, task.Priority())
		m.retireLocked(task, StatusCancelled, context.Canceled)
		m.updateGaugesLocked()
		glog.V(1).Infof("heal task %s cancelled while pending", id)
	case StatusRunning:
		task.mu.Lock()
		task.cancelRequested = true
		cancel := task.cancel
		task.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		glog.V(1).Infof("heal task %s cancel requested", id)
	}
	return nil
}

func (m *HealManager) Statistics() HealStatistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.counters
	s.QueueLength = m.queue.Len()
	s.Pending = m.queue.Len()
	s.Running = m.running
	s.Workers = m.config.Workers
	return s
}

// ConsumeEvents turns events into heal requests until ctx is done or the
// channel is closed. A full queue holds the event back, which in turn
// blocks the senders once the channel fills up.
func (m *HealManager) ConsumeEvents(ctx context.Context, events *EventChannel) {
	for {
		event, ok := events.Receive(ctx)
		if !ok {
			return
		}
		req, err := event.ToHealRequest()
		if err != nil {
			glog.Warningf("drop heal event %q: %v", event.Description(), err)
			continue
		}

		b := util.NewExponentialBackOff(100*time.Millisecond, 5*time.Second, 0)
		for {
			_, err = m.Submit(req)
			if !errors.Is(err, ErrQueueFull) {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.NextBackOff()):
			}
		}
		if err != nil {
			glog.Warningf("submit heal for event %q: %v", event.Description(), err)
		}
	}
}

// Stop cancels pending tasks, interrupts running ones and waits for the
// workers to exit. Resume data of interrupted tasks is kept.
func (m *HealManager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	for _, task := range m.queue.tasks() {
		m.queue.remove(task, task.Priority())
		m.retireLocked(task, StatusCancelled, context.Canceled)
	}
	m.updateGaugesLocked()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	glog.V(0).Infof("heal manager stopped")
}
