package trial

import (
	"errors"
	"fmt"
	"sync"
)

// Listener is a host-side subscription attached for the duration of a trial
// (a resize handler, a visibility subscription). Release detaches it.
type Listener interface {
	Release()
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func()

// Release calls f.
func (f ListenerFunc) Release() { f() }

// Scope owns the listeners attached while a trial is loading or gated and
// releases each of them exactly once when the trial ends, however it ends.
type Scope struct {
	mu        sync.Mutex
	listeners []Listener
	released  bool
}

// Add registers l. Adding to a released scope releases l immediately and
// returns what that release reported.
func (s *Scope) Add(l Listener) error {
	if l == nil {
		return nil
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return releaseOne(l)
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	return nil
}

// Len returns the number of held listeners.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Release detaches all listeners in reverse attachment order. It is safe to
// call more than once. A panicking listener does not prevent the others
// from being released; each panic is returned as an ErrListenerPanic.
func (s *Scope) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	var errs []error
	for i := len(listeners) - 1; i >= 0; i-- {
		if err := releaseOne(listeners[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func releaseOne(l Listener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrListenerPanic, r)
		}
	}()
	l.Release()
	return nil
}
