package session

import (
	"sync"

	"chatkit/pkg/logger"
	"chatkit/pkg/telemetry"
)

const defaultQueueSize = 256

// executor runs closures one at a time in FIFO order on a single
// goroutine. All session and chat state is confined to it, so none of
// that state needs locks.
type executor struct {
	name  string
	tasks chan func()

	closeOnce sync.Once
	done      chan struct{}
}

func newExecutor(name string, size int) *executor {
	if size <= 0 {
		size = defaultQueueSize
	}
	e := &executor{
		name:  name,
		tasks: make(chan func(), size),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *executor) run() {
	for fn := range e.tasks {
		telemetry.QueueDepth.WithLabelValues(e.name).Set(float64(len(e.tasks)))
		fn()
	}
	close(e.done)
}

// Post enqueues fn; it blocks when the queue is full rather than drop
// work. Posting after Close is a no-op.
func (e *executor) Post(fn func()) {
	defer func() {
		if recover() != nil {
			logger.Debug("executor_post_after_close", "executor", e.name)
		}
	}()
	e.tasks <- fn
}

// Close stops accepting work and waits for queued tasks to finish.
func (e *executor) Close() {
	e.closeOnce.Do(func() { close(e.tasks) })
	<-e.done
}
