package taskq

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/elements-storage/AudioLoopback/internal"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestQueue(realTime, nonRealTime Handler) *Queue {
	tel := internal.NewTelemetry("taskq", "test")

	if realTime == nil {
		realTime = func(Kind, uint64, uint64) (uint64, error) { return 0, nil }
	}
	if nonRealTime == nil {
		nonRealTime = func(Kind, uint64, uint64) (uint64, error) { return 0, nil }
	}

	return New(tel, realTime, nonRealTime)
}

func Test_QueueSync_returnsHandlerResult(t *testing.T) {
	require := require.New(t)

	q := newTestQueue(nil, func(kind Kind, arg1, arg2 uint64) (uint64, error) {
		return arg1 + arg2, nil
	})
	defer q.Stop()

	result, err := q.QueueSync(KindStartClientIO, false, 40, 2)
	require.NoError(err)
	require.Equal(uint64(42), result)
}

func Test_QueueSync_propagatesHandlerError(t *testing.T) {
	require := require.New(t)

	handlerErr := errors.New("no such client")

	q := newTestQueue(nil, func(Kind, uint64, uint64) (uint64, error) {
		return 0, handlerErr
	})
	defer q.Stop()

	_, err := q.QueueSync(KindStopClientIO, false, 7, 0)
	require.ErrorIs(err, handlerErr)
}

func Test_QueueSync_runsOnChosenWorker(t *testing.T) {
	require := require.New(t)

	var realTimeRuns, nonRealTimeRuns int

	q := newTestQueue(
		func(Kind, uint64, uint64) (uint64, error) {
			realTimeRuns++
			return 0, nil
		},
		func(Kind, uint64, uint64) (uint64, error) {
			nonRealTimeRuns++
			return 0, nil
		},
	)
	defer q.Stop()

	_, err := q.QueueSync(KindSwapShadowMaps, true, 0, 0)
	require.NoError(err)
	_, err = q.QueueSync(KindStartClientIO, false, 0, 0)
	require.NoError(err)

	require.Equal(1, realTimeRuns)
	require.Equal(1, nonRealTimeRuns)
}

func Test_QueueSync_submissionOrderIsExecutionOrder(t *testing.T) {
	const tasks = 2_000

	require := require.New(t)

	var observed []uint64
	q := newTestQueue(nil, func(_ Kind, arg1, _ uint64) (uint64, error) {
		observed = append(observed, arg1)
		return 0, nil
	})
	defer q.Stop()

	for seq := range uint64(tasks) {
		_, err := q.QueueSync(KindStartClientIO, false, seq, 0)
		require.NoError(err)
	}

	require.Len(observed, tasks)
	for seq := range uint64(tasks) {
		require.Equal(seq, observed[seq])
	}
}

func Test_QueueAsync_preservesPerSubmitterOrder(t *testing.T) {
	const (
		submitters        = 4
		tasksPerSubmitter = 5_000
	)

	require := require.New(t)

	// arg1 identifies the submitter, arg2 carries its sequence number.
	lastSeen := make([]int64, submitters)
	for i := range lastSeen {
		lastSeen[i] = -1
	}

	processed := make(chan struct{}, submitters*tasksPerSubmitter)

	q := newTestQueue(nil, func(_ Kind, arg1, arg2 uint64) (uint64, error) {
		assert.Greater(t, int64(arg2), lastSeen[arg1])
		lastSeen[arg1] = int64(arg2)
		processed <- struct{}{}
		return 0, nil
	})

	wg := &sync.WaitGroup{}
	wg.Add(submitters)

	for submitter := range uint64(submitters) {
		go func() {
			defer wg.Done()

			for seq := range uint64(tasksPerSubmitter) {
				q.QueueAsync(KindSendNotification, submitter, seq)
			}
		}()
	}

	wg.Wait()

	for range submitters * tasksPerSubmitter {
		<-processed
	}

	q.Stop()

	for submitter := range submitters {
		require.Equal(int64(tasksPerSubmitter-1), lastSeen[submitter])
	}
}

func Test_QueueAsync_recyclesTaskMemory(t *testing.T) {
	const tasks = DefaultFreePoolSize * 4

	require := require.New(t)

	done := make(chan struct{}, tasks)
	q := newTestQueue(nil, func(Kind, uint64, uint64) (uint64, error) {
		done <- struct{}{}
		return 0, nil
	})

	for seq := range uint64(tasks) {
		q.QueueAsync(KindSendNotification, seq, 0)
	}

	for range tasks {
		<-done
	}

	q.Stop()

	// Submitting far more async tasks than the pool holds must not
	// bleed the pool dry for good.
	require.Equal(uint32(DefaultFreePoolSize), q.freePool.len())
}

func Test_Stop_failsTasksQueuedBehindTheStop(t *testing.T) {
	require := require.New(t)

	release := make(chan struct{})

	q := newTestQueue(nil, func(kind Kind, _, _ uint64) (uint64, error) {
		if kind == KindStartClientIO {
			<-release
		}
		return 0, nil
	})

	// Park the worker, then stack up a stop task with a straggler
	// behind it in the same drain.
	go func() {
		_, _ = q.QueueSync(KindStartClientIO, false, 0, 0)
	}()

	stop := &Task{kind: KindStopWorker, done: make(chan struct{})}
	straggler := &Task{kind: KindStartClientIO, done: make(chan struct{})}

	q.nonRealTimeTasks.push(stop)
	q.nonRealTimeTasks.push(straggler)
	signalWork(q.nonRealTimeWork)

	// Unblock the parked handler and let the drain run.
	close(release)

	<-straggler.done
	require.ErrorIs(straggler.err, ErrStopped)

	_, _ = q.QueueSync(KindStopWorker, true, 0, 0)
	q.wg.Wait()
}

func Test_Stop_refusesLaterSubmissions(t *testing.T) {
	require := require.New(t)

	q := newTestQueue(nil, nil)

	q.Stop()
	q.Stop()

	_, err := q.QueueSync(KindStartClientIO, false, 0, 0)
	require.ErrorIs(err, ErrStopped)

	// Fire-and-forget submissions are silently dropped.
	q.QueueAsync(KindSendNotification, 0, 0)
}

func Test_QueueSync_racingStopReleasesEveryCaller(t *testing.T) {
	const submitters = 8

	q := newTestQueue(nil, nil)

	// Hammer the queue from several goroutines while Stop sweeps it; a
	// submission that slips past the stopped gate just as the sweep runs
	// must still come back with ErrStopped instead of waiting forever.
	wg := &sync.WaitGroup{}
	wg.Add(submitters)

	for range submitters {
		go func() {
			defer wg.Done()

			for {
				if _, err := q.QueueSync(KindStartClientIO, false, 0, 0); err != nil {
					assert.ErrorIs(t, err, ErrStopped)
					return
				}
			}
		}()
	}

	time.Sleep(time.Millisecond)
	q.Stop()

	released := make(chan struct{})
	go func() {
		wg.Wait()
		close(released)
	}()

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("a synchronous caller is still waiting after Stop")
	}
}

func Test_Task_completeIsSingleShot(t *testing.T) {
	require := require.New(t)

	task := &Task{kind: KindStartClientIO, done: make(chan struct{})}

	task.complete(7, nil)
	task.complete(0, ErrStopped)

	<-task.done
	require.Equal(uint64(7), task.result)
	require.NoError(task.err)
}
