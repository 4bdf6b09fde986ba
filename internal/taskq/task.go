// Package taskq implements the driver's dual-thread task queue: one
// worker dedicated to the handful of real-time-safe operations and one
// ordinary worker for everything else. Any goroutine can submit work to
// either worker, synchronously or asynchronously, and each worker runs
// its tasks strictly in submission order.
package taskq

import (
	"errors"
	"sync/atomic"
)

// Kind tags a task with the operation the worker should perform.
type Kind uint32

const (
	// KindStopWorker terminates the worker loop. Queued internally by
	// Stop; handlers never see it.
	KindStopWorker Kind = iota

	// KindSwapShadowMaps swaps the client registry's live and shadow
	// maps. The only non-stop task the real-time worker accepts.
	KindSwapShadowMaps

	// KindStartClientIO marks a client as doing IO.
	KindStartClientIO

	// KindStopClientIO marks a client as no longer doing IO.
	KindStopClientIO

	// KindSendNotification delivers a property-changed notification to
	// the host listener.
	KindSendNotification

	// KindRequestConfigChange delivers an outbound configuration-change
	// request to the host listener.
	KindRequestConfigChange
)

func (k Kind) String() string {
	switch k {
	case KindStopWorker:
		return "stop-worker"
	case KindSwapShadowMaps:
		return "swap-shadow-maps"
	case KindStartClientIO:
		return "start-client-io"
	case KindStopClientIO:
		return "stop-client-io"
	case KindSendNotification:
		return "send-notification"
	case KindRequestConfigChange:
		return "request-config-change"
	default:
		return "unknown"
	}
}

// ErrStopped is returned to synchronous callers whose task was still
// queued when the worker processed its stop task.
var ErrStopped = errors.New("taskq: worker stopped before the task ran")

// Task is a unit of work submitted to a worker. A task must never sit on
// more than one queue at a time. Synchronous tasks are owned by the
// submitting goroutine's stack frame and must not be touched by the
// worker after completion is signalled; asynchronous tasks are owned by
// the queue's free pool and recycled after processing.
type Task struct {
	kind       Kind
	arg1, arg2 uint64

	// next links the task into an intrusive stack. Written by the
	// pusher before the CAS publish, read by the draining worker.
	next *Task

	// done is non-nil for synchronous tasks and closed exactly once,
	// after result and err are set. Giving every task its own channel
	// makes the completion wake targeted, so a waiter can never consume
	// another task's signal.
	done chan struct{}

	// completed makes complete single-shot: during shutdown both a
	// draining worker and the submitting goroutine may try to release
	// the same waiter.
	completed atomic.Bool

	result uint64
	err    error
}

func (t *Task) isSync() bool {
	return t.done != nil
}

// complete publishes the task's result to a synchronous waiter. Only the
// first call takes effect.
func (t *Task) complete(result uint64, err error) {
	if !t.completed.CompareAndSwap(false, true) {
		return
	}

	t.result = result
	t.err = err

	if t.done != nil {
		close(t.done)
	}
}

// reset prepares a pooled task for reuse.
func (t *Task) reset(kind Kind, arg1, arg2 uint64) {
	t.kind = kind
	t.arg1 = arg1
	t.arg2 = arg2
	t.next = nil
	t.done = nil
	t.completed.Store(false)
	t.result = 0
	t.err = nil
}
