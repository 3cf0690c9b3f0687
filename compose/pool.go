// Copyright 2026 The zoomgrid Authors
// SPDX-License-Identifier: MIT

package compose

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// workerPool runs render jobs on a fixed set of goroutines.
//
// Each worker owns a queue and steals from the others when its own runs
// dry. Tile costs are uneven (deep tiers rasterize much slower than
// shallow ones), so stealing keeps workers busy while one of them chews
// on an expensive tile.
type workerPool struct {
	workers int
	queues  []chan *job
	work    func(*job)
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// newWorkerPool starts workers immediately. If workers is 0 or negative,
// GOMAXPROCS is used.
func newWorkerPool(workers int, work func(*job)) *workerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := workers * 4
	if queueSize < 8 {
		queueSize = 8
	}

	p := &workerPool{
		workers: workers,
		queues:  make([]chan *job, workers),
		work:    work,
		done:    make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan *job, queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

func (p *workerPool) worker(id int) {
	defer p.wg.Done()
	myQueue := p.queues[id]

	for {
		select {
		case <-p.done:
			// Queued jobs are dropped; the coordinator unblocks their
			// waiters when it shuts down.
			return

		case j := <-myQueue:
			if j != nil {
				p.work(j)
			}

		default:
			if stolen := p.steal(id); stolen != nil {
				p.work(stolen)
			} else {
				select {
				case <-p.done:
					return
				case j := <-myQueue:
					if j != nil {
						p.work(j)
					}
				}
			}
		}
	}
}

// steal takes a job from another worker's queue, or returns nil when
// every queue is empty.
func (p *workerPool) steal(myID int) *job {
	for i := range p.queues {
		if i == myID {
			continue
		}
		select {
		case j := <-p.queues[i]:
			return j
		default:
		}
	}
	return nil
}

// submit queues a job on the worker with the shortest queue. A no-op
// once the pool is closed.
func (p *workerPool) submit(j *job) {
	if j == nil || !p.running.Load() {
		return
	}

	minLen := len(p.queues[0])
	minIdx := 0
	for i := 1; i < p.workers; i++ {
		if qLen := len(p.queues[i]); qLen < minLen {
			minLen = qLen
			minIdx = i
		}
	}

	select {
	case p.queues[minIdx] <- j:
	case <-p.done:
	}
}

// close stops accepting work and waits for the workers to exit.
// Safe to call multiple times.
func (p *workerPool) close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}
