package loader

import "sync"

// pool runs submitted tasks on a fixed number of workers.
// The queue is unbounded and FIFO; nothing submitted before stop is dropped.
type pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*task
	active int
	closed bool
	run    func(*task)
	wg     sync.WaitGroup
}

func newPool(workers int, run func(*task)) *pool {
	p := &pool{run: run}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// submit enqueues t. Returns false once the pool is stopped.
func (p *pool) submit(t *task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, t)
	p.cond.Broadcast()
	return true
}

func (p *pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.active++
		p.mu.Unlock()

		p.run(t)

		p.mu.Lock()
		p.active--
		if p.active == 0 && len(p.queue) == 0 {
			p.cond.Broadcast()
		}
		p.mu.Unlock()
	}
}

// stats returns the number of queued and running tasks.
func (p *pool) stats() (queued, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue), p.active
}

// stop refuses new work and waits for queued tasks to finish.
func (p *pool) stop() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
