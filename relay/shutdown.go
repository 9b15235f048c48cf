package relay

import (
	"sync"

	"go.uber.org/atomic"
)

// Shutdown is the one-shot signal that ends a run. Any terminal condition
// (session disconnect, stdin EOF, interrupt) sets it; once set it stays set.
// Callers log their reason at the call site.
type Shutdown struct {
	once sync.Once
	flag atomic.Bool
	done chan struct{}
}

func NewShutdown() *Shutdown {
	return &Shutdown{done: make(chan struct{})}
}

// Set marks the run as ending. The first call wins; all later calls are
// no-ops.
func (s *Shutdown) Set() {
	s.once.Do(func() {
		s.flag.Store(true)
		close(s.done)
	})
}

func (s *Shutdown) IsSet() bool {
	return s.flag.Load()
}

// Done is closed once the signal is set.
func (s *Shutdown) Done() <-chan struct{} {
	return s.done
}
