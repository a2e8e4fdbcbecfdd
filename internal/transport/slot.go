package transport

import (
	"context"
	"sync"
)

// ErrorSlot is a write-once error cell. The first Resolve or Cancel wins;
// every later write is a no-op. Any number of goroutines may wait on it.
type ErrorSlot struct {
	mu   sync.Mutex
	err  error
	done chan struct{}
}

// NewErrorSlot returns an unresolved slot.
func NewErrorSlot() *ErrorSlot {
	return &ErrorSlot{done: make(chan struct{})}
}

// Resolve stores err if the slot is still empty and reports whether it did.
// A nil err is ignored.
func (s *ErrorSlot) Resolve(err error) bool {
	if err == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}
	s.err = err
	close(s.done)
	return true
}

// Cancel resolves the slot with ErrDisposed.
func (s *ErrorSlot) Cancel() bool {
	return s.Resolve(ErrDisposed)
}

// Done is closed once the slot is resolved.
func (s *ErrorSlot) Done() <-chan struct{} {
	return s.done
}

// Err returns the stored error, or nil while unresolved.
func (s *ErrorSlot) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the slot resolves or ctx is done.
func (s *ErrorSlot) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
