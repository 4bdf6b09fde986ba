package taskq

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// stack is a lock-free intrusive stack of tasks. Pushes are a single
// compare-and-swap; the worker drains it by atomically taking the whole
// chain, which doubles as the FIFO-ordering trick: pushes stack up in
// LIFO order, so reversing the taken chain restores submission order.
type stack struct {
	head atomic.Pointer[Task]

	_ cpu.CacheLinePad
}

func (s *stack) push(task *Task) {
	for {
		old := s.head.Load()
		task.next = old

		if s.head.CompareAndSwap(old, task) {
			return
		}
	}
}

// popAll atomically detaches the whole chain, newest first.
func (s *stack) popAll() *Task {
	return s.head.Swap(nil)
}

// popAllReversed atomically detaches the whole chain and reverses it so
// the tasks come out in the order they were pushed. Taking the chain in
// one atomic swap means no concurrent push can interleave with the
// reversal and mix up the order.
func (s *stack) popAllReversed() *Task {
	task := s.head.Swap(nil)

	var reversed *Task
	for task != nil {
		next := task.next
		task.next = reversed
		reversed = task
		task = next
	}

	return reversed
}
