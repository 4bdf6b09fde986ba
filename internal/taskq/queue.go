package taskq

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elements-storage/AudioLoopback/internal"
)

// The real-time worker's scheduling budget. The nominal computation
// bound sizes the soft deadline used to flag anomalously slow
// synchronous tasks; it is advisory, never enforced.
const (
	RealTimeNominalComputation = 500 * time.Microsecond
	RealTimeMaximumComputation = 2 * time.Millisecond

	// syncWaitSlice is how long a synchronous caller waits before
	// logging that its task is late. It keeps waiting after that:
	// giving up would desynchronize the caller from the worker.
	syncWaitSlice = 4 * RealTimeMaximumComputation
)

// Handler processes one task and returns its result. Handlers never see
// KindStopWorker. The real-time handler must stick to real-time-safe
// work: no allocation, no logging, no unbounded loops.
type Handler func(kind Kind, arg1, arg2 uint64) (uint64, error)

// Queue owns the two worker goroutines and the lock-free stacks feeding
// them.
type Queue struct {
	tel *internal.Telemetry

	realTimeTasks    stack
	nonRealTimeTasks stack

	// Binary work signals. One sticky token is enough because the
	// workers drain their whole stack per wakeup.
	realTimeWork    chan struct{}
	nonRealTimeWork chan struct{}

	freePool *freePool

	realTimeHandler    Handler
	nonRealTimeHandler Handler

	wg      sync.WaitGroup
	stopped atomic.Bool

	lateSyncTasks  atomic.Int64
	freePoolMisses atomic.Int64

	taskDuration *internal.Histogram
}

// New creates the queue and starts both workers. The real-time worker is
// pinned to an OS thread; promoting that thread into a time-constraint
// scheduling band is left to the embedding process, since it needs
// platform privileges the library can't assume.
func New(tel *internal.Telemetry, realTimeHandler, nonRealTimeHandler Handler) *Queue {
	q := &Queue{
		tel: tel,

		realTimeWork:    make(chan struct{}, 1),
		nonRealTimeWork: make(chan struct{}, 1),

		freePool: newFreePool(DefaultFreePoolSize),

		realTimeHandler:    realTimeHandler,
		nonRealTimeHandler: nonRealTimeHandler,
	}

	q.initMetrics()

	q.wg.Add(2)

	go func() {
		defer q.wg.Done()

		// The real-time worker stays on one OS thread so the embedder
		// can adjust that thread's scheduling class.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		q.workerLoop(q.realTimeWork, &q.realTimeTasks, q.realTimeHandler, false)
	}()

	go func() {
		defer q.wg.Done()
		q.workerLoop(q.nonRealTimeWork, &q.nonRealTimeTasks, q.nonRealTimeHandler, true)
	}()

	return q
}

func (q *Queue) initMetrics() {
	q.tel.NewCounter("late_sync_tasks", func() int64 { return q.lateSyncTasks.Load() })
	q.tel.NewCounter("free_pool_misses", func() int64 { return q.freePoolMisses.Load() })
	q.tel.NewUpDownCounter("free_pool_size", func() int64 { return int64(q.freePool.len()) })

	q.taskDuration = q.tel.NewHistogram("task_duration_us")
}

// QueueSync submits a task to the chosen worker and blocks until it has
// been processed, returning the task's result. Tasks submitted from one
// goroutine run in submission order.
func (q *Queue) QueueSync(kind Kind, onRealTimeWorker bool, arg1, arg2 uint64) (uint64, error) {
	if q.stopped.Load() {
		return 0, ErrStopped
	}

	task := &Task{
		kind: kind,
		arg1: arg1,
		arg2: arg2,

		done: make(chan struct{}),
	}

	q.pushSync(task, onRealTimeWorker)

	// Stop may have swept the stacks between the check above and the
	// push, leaving nobody to complete this task. complete is
	// single-shot, so racing a worker that did pick it up is safe.
	if q.stopped.Load() {
		task.complete(0, ErrStopped)
	}

	q.waitSync(task, onRealTimeWorker)

	return task.result, task.err
}

// submitSync bypasses the stopped gate; Stop uses it to deliver the
// workers' own stop tasks.
func (q *Queue) submitSync(kind Kind, onRealTimeWorker bool, arg1, arg2 uint64) (uint64, error) {
	task := &Task{
		kind: kind,
		arg1: arg1,
		arg2: arg2,

		done: make(chan struct{}),
	}

	q.pushSync(task, onRealTimeWorker)
	q.waitSync(task, onRealTimeWorker)

	return task.result, task.err
}

func (q *Queue) pushSync(task *Task, onRealTimeWorker bool) {
	tasks, work := &q.nonRealTimeTasks, q.nonRealTimeWork
	if onRealTimeWorker {
		tasks, work = &q.realTimeTasks, q.realTimeWork
	}

	tasks.push(task)
	signalWork(work)
}

func (q *Queue) waitSync(task *Task, onRealTimeWorker bool) {
	timer := time.NewTimer(syncWaitSlice)
	defer timer.Stop()

	late := false
	for {
		select {
		case <-task.done:
			if late {
				q.tel.LogDebug("late task finished", "kind", task.kind.String())
			}
			return

		case <-timer.C:
			// Only flag it once, and only for the worker with a
			// deadline worth talking about.
			if !late && onRealTimeWorker {
				q.tel.LogDebug("task taking longer than expected", "kind", task.kind.String())
			}

			late = true
			q.lateSyncTasks.Add(1)
			timer.Reset(syncWaitSlice)
		}
	}
}

// QueueAsync submits fire-and-forget work to the non-real-time worker.
// Task memory comes from the preallocated pool, so this is safe to call
// from a real-time context; an empty pool falls back to allocating,
// which is counted but not logged here.
func (q *Queue) QueueAsync(kind Kind, arg1, arg2 uint64) {
	if q.stopped.Load() {
		return
	}

	task := q.freePool.get()
	if task == nil {
		q.freePoolMisses.Add(1)
		task = new(Task)
	}

	task.reset(kind, arg1, arg2)

	q.nonRealTimeTasks.push(task)
	signalWork(q.nonRealTimeWork)
}

// Stop shuts both workers down by queueing their stop tasks
// synchronously, then completes anything left on the stacks. Later
// submissions fail with ErrStopped; a second Stop is a no-op.
func (q *Queue) Stop() {
	if q.stopped.Swap(true) {
		return
	}

	if _, err := q.submitSync(KindStopWorker, true, 0, 0); err != nil {
		q.tel.LogError("failed to stop real-time worker", err)
	}
	if _, err := q.submitSync(KindStopWorker, false, 0, 0); err != nil {
		q.tel.LogError("failed to stop non-real-time worker", err)
	}

	q.wg.Wait()

	q.failRemaining(q.realTimeTasks.popAll())
	q.failRemaining(q.nonRealTimeTasks.popAll())
}

func (q *Queue) workerLoop(work chan struct{}, tasks *stack, handler Handler, recycle bool) {
	for {
		<-work

		// Take the whole chain in one atomic swap and reverse it, so
		// the tasks run in exactly the order they were pushed.
		task := tasks.popAllReversed()

		stopping := false
		for task != nil {
			// The task may be recycled or freed by its owner the
			// moment it completes, so grab the link first.
			next := task.next

			switch {
			case stopping:
				// The worker is shutting down under this drain;
				// anything behind the stop task is refused, not run.
				q.finish(task, 0, ErrStopped, recycle)

			case task.kind == KindStopWorker:
				stopping = true
				q.finish(task, 0, nil, recycle)

			default:
				started := time.Now()
				result, err := handler(task.kind, task.arg1, task.arg2)
				q.taskDuration.Record(context.Background(), time.Since(started).Microseconds())

				q.finish(task, result, err, recycle)
			}

			task = next
		}

		if stopping {
			return
		}
	}
}

func (q *Queue) finish(task *Task, result uint64, err error, recycle bool) {
	if task.isSync() {
		task.complete(result, err)
		return
	}

	if err != nil {
		// Async submitters can't observe errors; surface them here,
		// off the real-time path.
		q.tel.LogWarn("async task failed", "kind", task.kind.String(), "error", err)
	}

	if recycle {
		q.freePool.put(task)
	}
}

func (q *Queue) failRemaining(task *Task) {
	for task != nil {
		next := task.next
		if task.isSync() {
			task.complete(0, ErrStopped)
		}
		task = next
	}
}

func signalWork(work chan struct{}) {
	select {
	case work <- struct{}{}:
	default:
	}
}
