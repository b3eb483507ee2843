/*
Relayd - programmable Mail Transfer Agent.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Relayd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package smtp

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// workerPool runs connection handlers on a bounded set of goroutines. min
// workers are pre-spawned and always kept around, up to max exist at once,
// and a worker above the minimum retires after keepAlive without work.
// One worker serves one connection at a time.
type workerPool struct {
	min       int
	keepAlive time.Duration

	// tasks is unbuffered: a send is a direct hand-off to an idle worker.
	tasks chan func()
	// sem bounds the total worker count.
	sem *semaphore.Weighted

	mu    sync.Mutex
	count int

	wg sync.WaitGroup
}

func newWorkerPool(min, max int, keepAlive time.Duration) *workerPool {
	if max <= 0 {
		max = 256
	}
	if min < 0 {
		min = 0
	}
	if min > max {
		min = max
	}
	if keepAlive <= 0 {
		keepAlive = 1 * time.Minute
	}

	p := &workerPool{
		min:       min,
		keepAlive: keepAlive,
		tasks:     make(chan func()),
		sem:       semaphore.NewWeighted(int64(max)),
	}
	for i := 0; i < min; i++ {
		// min <= max, the acquire cannot fail here.
		p.sem.TryAcquire(1)
		p.spawn(nil)
	}
	return p
}

// Submit hands the task to an idle worker, spawning a new one when all
// existing workers are busy and the maximum is not reached yet. With the
// pool saturated it blocks until a worker frees up or ctx is cancelled.
func (p *workerPool) Submit(ctx context.Context, task func()) error {
	select {
	case p.tasks <- task:
		return nil
	default:
	}

	if p.sem.TryAcquire(1) {
		p.spawn(task)
		return nil
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *workerPool) spawn(first func()) {
	p.mu.Lock()
	p.count++
	p.mu.Unlock()

	p.wg.Add(1)
	go p.worker(first)
}

// tryRetire decides whether an idle worker may exit without dropping the
// pool below its warm minimum.
func (p *workerPool) tryRetire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count <= p.min {
		return false
	}
	p.count--
	return true
}

func (p *workerPool) worker(task func()) {
	defer p.wg.Done()
	defer p.sem.Release(1)

	idle := time.NewTimer(p.keepAlive)
	defer idle.Stop()

	for {
		if task != nil {
			task()
			task = nil
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(p.keepAlive)

		select {
		case next, ok := <-p.tasks:
			if !ok {
				return
			}
			task = next
		case <-idle.C:
			if p.tryRetire() {
				return
			}
		}
	}
}

// Close stops accepting tasks and waits for the in-flight connections to
// finish.
func (p *workerPool) Close() {
	close(p.tasks)
	p.wg.Wait()
}
