package openpanel

import "sync"

// mailbox is an unbounded FIFO of jobs executed one at a time by its own
// goroutine. post never blocks; jobs run in the order they were posted.
type mailbox struct {
	mu     sync.Mutex
	jobs   []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

// post enqueues job. It returns false once the mailbox is closed.
func (m *mailbox) post(job func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.jobs = append(m.jobs, job)
	m.mu.Unlock()

	m.notify()
	return true
}

// close stops accepting jobs. Jobs already posted still run; done is closed after the last one.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.notify()
}

func (m *mailbox) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	defer close(m.done)

	for {
		m.mu.Lock()
		batch := m.jobs
		m.jobs = nil
		closed := m.closed
		m.mu.Unlock()

		for _, job := range batch {
			job()
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-m.wake
	}
}
