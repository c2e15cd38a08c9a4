// Package tasks defines the fire-and-forget dispatch contract used for
// best-effort retries. The core only requires "on initial send failure,
// schedule exactly one retry dispatch"; durable queues implement the same
// contract out of tree.
package tasks

import (
	"context"
	"log"
	"sync"
	"time"
)

// Dispatcher schedules a named task for asynchronous execution.
type Dispatcher interface {
	Dispatch(name string, task func(context.Context))
}

// GoDispatcher runs each task on its own goroutine after an optional
// delay. Wait blocks until every dispatched task has finished, which
// keeps shutdown and tests deterministic.
type GoDispatcher struct {
	Delay   time.Duration
	Timeout time.Duration

	wg sync.WaitGroup
}

// Dispatch runs task asynchronously. Panics are contained so a failing
// retry can never take down the dispatching call.
func (d *GoDispatcher) Dispatch(name string, task func(context.Context)) {
	if task == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("task %s panicked: %v", name, r)
			}
		}()
		if d.Delay > 0 {
			time.Sleep(d.Delay)
		}
		timeout := d.Timeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		task(ctx)
	}()
}

// Wait blocks until all dispatched tasks complete.
func (d *GoDispatcher) Wait() {
	d.wg.Wait()
}
