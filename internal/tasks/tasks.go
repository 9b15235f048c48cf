// Package tasks tracks named goroutines so that shutdown can wait for them
// with bounded patience and name the ones that never stopped.
package tasks

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type task struct {
	name string
	done chan struct{}
}

// Group is a registry of running loops. Loops are joined in registration
// order; a loop that misses its join deadline is logged and abandoned,
// never interrupted.
type Group struct {
	log *zap.SugaredLogger

	mut   sync.Mutex
	tasks []*task
}

func New(log *zap.SugaredLogger) *Group {
	return &Group{log: log}
}

// Go runs f on a new goroutine registered under name.
func (g *Group) Go(name string, f func()) {
	t := &task{name: name, done: make(chan struct{})}
	g.mut.Lock()
	g.tasks = append(g.tasks, t)
	g.mut.Unlock()

	g.log.Debugf("task %s started", name)
	go func() {
		defer close(t.done)
		f()
		g.log.Debugf("task %s finished", name)
	}()
}

// Join waits up to timeout for each registered task and returns the names
// of the tasks still running afterward.
func (g *Group) Join(timeout time.Duration) []string {
	g.mut.Lock()
	ts := make([]*task, len(g.tasks))
	copy(ts, g.tasks)
	g.mut.Unlock()

	var stragglers []string
	for _, t := range ts {
		timer := time.NewTimer(timeout)
		select {
		case <-t.done:
			timer.Stop()
		case <-timer.C:
			g.log.Warnf("task %s did not stop within %s, abandoning it", t.name, timeout)
			stragglers = append(stragglers, t.name)
		}
	}
	return stragglers
}
