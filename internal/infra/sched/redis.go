package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	redisclient "github.com/vietddude/streamguard/internal/infra/redis"
)

// RedisScheduler is a durable Scheduler. Every scheduled token is written
// through to Redis scored by its absolute deadline, so a suspended or
// restarted process re-arms pending actions on Start instead of losing
// them. In-process firing still uses timers; Redis is the source of truth
// for what is pending.
type RedisScheduler struct {
	client *redisclient.Client
	log    *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	timers   map[string]*time.Timer
	members  map[string]string // token ID -> encoded member
	onPanic  func(component string)
	stopped  bool
}

// NewRedisScheduler creates a durable scheduler over client.
func NewRedisScheduler(client *redisclient.Client) *RedisScheduler {
	return &RedisScheduler{
		client:   client,
		log:      slog.Default(),
		handlers: make(map[string]Handler),
		timers:   make(map[string]*time.Timer),
		members:  make(map[string]string),
	}
}

// Register binds a handler to an action name. All actions must be
// registered before Start so persisted entries can be re-armed.
func (s *RedisScheduler) Register(action string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = h
}

// SetPanicHandler installs a recover function deferred on every dispatch
// goroutine. fn must call recover itself.
func (s *RedisScheduler) SetPanicHandler(fn func(component string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPanic = fn
}

// Start loads persisted entries and re-arms them. Entries already past due
// fire immediately; entries with no registered handler are discarded.
func (s *RedisScheduler) Start(ctx context.Context) error {
	entries, err := s.client.PendingScheduled(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, e := range entries {
		token, err := decodeToken(e.Member)
		if err != nil {
			s.log.Warn("Dropping malformed scheduler entry", "error", err)
			s.remove(e.Member)
			continue
		}

		s.mu.Lock()
		_, known := s.handlers[token.Action]
		s.mu.Unlock()
		if !known {
			s.log.Warn("Dropping scheduler entry with unknown action", "action", token.Action)
			s.remove(e.Member)
			continue
		}

		delay := e.DueAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		s.arm(delay, token)
		s.log.Info("Re-armed scheduled action", "action", token.Action, "due_in", delay)
	}
	return nil
}

// ScheduleOnce persists the token and arms a timer for it.
func (s *RedisScheduler) ScheduleOnce(delay time.Duration, token Token) error {
	member := token.encode()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// Persistence is best effort: a write failure degrades to in-process
	// scheduling rather than losing the action outright.
	if err := s.client.AddScheduled(ctx, member, time.Now().Add(delay)); err != nil {
		s.log.Warn("Failed to persist scheduled action", "action", token.Action, "error", err)
	}

	s.arm(delay, token)
	return nil
}

// Cancel drops a pending token from both the timer set and Redis.
func (s *RedisScheduler) Cancel(token Token) {
	s.mu.Lock()
	if t, ok := s.timers[token.ID]; ok {
		t.Stop()
		delete(s.timers, token.ID)
	}
	member := s.members[token.ID]
	delete(s.members, token.ID)
	s.mu.Unlock()

	if member != "" {
		s.remove(member)
	}
}

// Stop cancels all pending timers. Persisted entries stay in Redis so the
// next process picks them up.
func (s *RedisScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *RedisScheduler) arm(delay time.Duration, token Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.members[token.ID] = token.encode()
	s.timers[token.ID] = time.AfterFunc(delay, func() {
		s.fire(token)
	})
}

func (s *RedisScheduler) fire(token Token) {
	s.mu.Lock()
	delete(s.timers, token.ID)
	member := s.members[token.ID]
	delete(s.members, token.ID)
	h := s.handlers[token.Action]
	guard := s.onPanic
	stopped := s.stopped
	s.mu.Unlock()

	if member != "" {
		s.remove(member)
	}
	if stopped || h == nil {
		return
	}
	if guard != nil {
		defer guard("scheduler")
	}
	h(token.Payload)
}

func (s *RedisScheduler) remove(member string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.client.RemoveScheduled(ctx, member); err != nil {
		s.log.Warn("Failed to remove scheduled entry", "error", err)
	}
}
