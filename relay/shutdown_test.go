package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShutdownStartsUnset(t *testing.T) {
	s := NewShutdown()
	assert.False(t, s.IsSet())
	select {
	case <-s.Done():
		t.Fatal("Done closed before Set")
	default:
	}
}

func TestShutdownSetIsMonotonic(t *testing.T) {
	s := NewShutdown()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Set()
		}()
	}
	wg.Wait()

	assert.True(t, s.IsSet())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Set")
	}

	// Setting again must not panic or unset.
	s.Set()
	assert.True(t, s.IsSet())
}
