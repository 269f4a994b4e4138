package sched

import (
	"sync"
	"time"
)

// TimerScheduler is the in-process Scheduler. It does not survive process
// death; deployments without Redis fall back to it.
type TimerScheduler struct {
	mu       sync.Mutex
	handlers map[string]Handler
	timers   map[string]*time.Timer
	onPanic  func(component string)
	stopped  bool
}

// NewTimerScheduler creates an in-process scheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{
		handlers: make(map[string]Handler),
		timers:   make(map[string]*time.Timer),
	}
}

// Register binds a handler to an action name.
func (s *TimerScheduler) Register(action string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = h
}

// SetPanicHandler installs a recover function deferred on every dispatch
// goroutine. fn must call recover itself.
func (s *TimerScheduler) SetPanicHandler(fn func(component string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPanic = fn
}

// ScheduleOnce arms a one-shot timer for the token.
func (s *TimerScheduler) ScheduleOnce(delay time.Duration, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}

	s.timers[token.ID] = time.AfterFunc(delay, func() {
		s.fire(token)
	})
	return nil
}

// Cancel drops a pending token. A token that already fired is a no-op.
func (s *TimerScheduler) Cancel(token Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[token.ID]; ok {
		t.Stop()
		delete(s.timers, token.ID)
	}
}

// Stop cancels all pending timers.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *TimerScheduler) fire(token Token) {
	s.mu.Lock()
	delete(s.timers, token.ID)
	h := s.handlers[token.Action]
	guard := s.onPanic
	stopped := s.stopped
	s.mu.Unlock()

	if stopped || h == nil {
		return
	}
	if guard != nil {
		defer guard("scheduler")
	}
	h(token.Payload)
}
