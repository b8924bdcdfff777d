// Package runqueue provides a serial executor: functions posted to a RunQueue
// run one at a time, in posting order, without a dedicated long-lived goroutine.
package runqueue

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

const (
	idle int32 = iota
	running
)

type funcMessage struct{ fn func() }
type stopMessage struct{ stopCb func() }

// RunQueue is a FIFO of functions executed by at most one goroutine at a time.
type RunQueue struct {
	name         string
	mu           sync.Mutex
	queue        []any
	messageCount int32
	state        int32
	stopped      int32
}

// New returns an initialized run queue. name is used in log output.
func New(name string) *RunQueue {
	return &RunQueue{name: name}
}

// Post enqueues fn. Functions posted after Stop are dropped.
func (m *RunQueue) Post(fn func()) {
	if atomic.LoadInt32(&m.stopped) == 1 {
		return
	}
	m.push(&funcMessage{fn: fn})
	atomic.AddInt32(&m.messageCount, 1)
	m.schedule()
}

// Stop signals the queue to stop running. stopCb runs once every function
// posted before Stop has run, or immediately if the queue is empty.
func (m *RunQueue) Stop(stopCb func()) {
	if atomic.CompareAndSwapInt32(&m.stopped, 0, 1) {
		if atomic.LoadInt32(&m.messageCount) > 0 {
			m.push(&stopMessage{stopCb: stopCb})
			m.schedule()
			return
		}
	}
	if stopCb != nil {
		stopCb()
	}
}

func (m *RunQueue) push(msg any) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
}

func (m *RunQueue) pop() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil
	}
	msg := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return msg
}

func (m *RunQueue) schedule() {
	if atomic.CompareAndSwapInt32(&m.state, idle, running) {
		go m.process()
	}
}

func (m *RunQueue) process() {
process:
	if !m.run() {
		return
	}

	atomic.StoreInt32(&m.state, idle)
	m.mu.Lock()
	more := len(m.queue) > 0
	m.mu.Unlock()
	if more {
		// try setting the queue back to running
		if atomic.CompareAndSwapInt32(&m.state, idle, running) {
			goto process
		}
	}
}

// run drains the queue. It returns false once the stop message was consumed.
func (m *RunQueue) run() bool {
	for {
		switch msg := m.pop().(type) {
		case *funcMessage:
			m.call(msg.fn)
			atomic.AddInt32(&m.messageCount, -1)
		case *stopMessage:
			if cb := msg.stopCb; cb != nil {
				cb()
			}
			return false
		default:
			return true
		}
	}
}

func (m *RunQueue) call(fn func()) {
	defer func() {
		if err := recover(); err != nil {
			m.logStackTrace(err)
		}
	}()
	fn()
}

func (m *RunQueue) logStackTrace(err any) {
	stackSlice := make([]byte, 4096)
	s := runtime.Stack(stackSlice, false)

	slog.Error("runqueue panicked", "runqueue", m.name, "error", err, "stack", string(stackSlice[0:s]))
}
