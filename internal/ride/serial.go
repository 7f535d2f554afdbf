package ride

import (
	"context"
	"fmt"
	"sync"
)

// Serial runs tasks one at a time per key. Each active key owns a goroutine
// draining its mailbox; the goroutine exits once no task is queued for it.
// The zero value is ready to use.
type Serial struct {
	mu     sync.Mutex
	actors map[string]*actor
}

type actor struct {
	inbox chan task
	refs  int
}

type task struct {
	fn   func() error
	done chan error
}

// Do runs fn exclusively for key and returns its error. A panic in fn is
// returned as an error to this caller only.
func (s *Serial) Do(ctx context.Context, key string, fn func() error) error {
	s.mu.Lock()
	if s.actors == nil {
		s.actors = make(map[string]*actor)
	}
	a, ok := s.actors[key]
	if !ok {
		a = &actor{inbox: make(chan task, 16)}
		s.actors[key] = a
		go s.run(key, a)
	}
	a.refs++
	s.mu.Unlock()

	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case a.inbox <- t:
	case <-ctx.Done():
		s.release(key, a)
		return ctx.Err()
	}
	// once queued the task always runs; wait for its real outcome
	return <-t.done
}

func (s *Serial) run(key string, a *actor) {
	for t := range a.inbox {
		t.done <- call(t.fn)
		if s.release(key, a) {
			return
		}
	}
}

// release drops one reference and retires the actor when it was the last.
func (s *Serial) release(key string, a *actor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.refs--
	if a.refs > 0 {
		return false
	}
	delete(s.actors, key)
	close(a.inbox)
	return true
}

// Active is the number of keys with queued or running work.
func (s *Serial) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

func call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ride task panicked: %v", r)
		}
	}()
	return fn()
}
