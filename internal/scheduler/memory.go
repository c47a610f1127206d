package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Monthlyaway/ttl-link/internal/idgen"
)

// MemoryScheduler keeps tasks in process timers. Pending tasks are lost on
// restart, so the lifecycle manager re-arms them on startup.
type MemoryScheduler struct {
	ids     *idgen.Generator
	horizon time.Duration
	retry   time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	tasks    map[string]*memoryTask
	inflight map[string]*memoryTask
	handler  Handler
	ctx      context.Context
	running  bool
	wg       sync.WaitGroup
}

type memoryTask struct {
	alias string
	at    time.Time
	next  time.Time // when the timer fires; later than at after a failure
	timer *time.Timer
}

// MemoryOptions configures a MemoryScheduler
type MemoryOptions struct {
	StalenessHorizon time.Duration
	RetryDelay       time.Duration
	Logger           *slog.Logger
}

// NewMemoryScheduler creates a scheduler that fires tasks from timers
func NewMemoryScheduler(ids *idgen.Generator, opts MemoryOptions) *MemoryScheduler {
	if opts.StalenessHorizon <= 0 {
		opts.StalenessHorizon = DefaultStalenessHorizon
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MemoryScheduler{
		ids:      ids,
		horizon:  opts.StalenessHorizon,
		retry:    opts.RetryDelay,
		logger:   opts.Logger,
		now:      time.Now,
		tasks:    make(map[string]*memoryTask),
		inflight: make(map[string]*memoryTask),
	}
}

// Schedule registers a task for alias at the given time
func (s *MemoryScheduler) Schedule(_ context.Context, alias string, at time.Time) (string, error) {
	handle := s.ids.NextHandle()

	s.mu.Lock()
	defer s.mu.Unlock()
	task := &memoryTask{alias: alias, at: at, next: at}
	s.tasks[handle] = task
	if s.running {
		s.arm(handle, task)
	}
	return handle, nil
}

// Cancel removes a pending task. A task whose handler is running is not
// interrupted, but it will not be retried.
func (s *MemoryScheduler) Cancel(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[handle]; ok {
		if task.timer != nil {
			task.timer.Stop()
		}
		delete(s.tasks, handle)
	}
	delete(s.inflight, handle)
	return nil
}

// Start arms every pending task and fires future ones as they come due
func (s *MemoryScheduler) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("scheduler handler is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already started")
	}
	s.handler = handler
	s.ctx = ctx
	s.running = true
	for handle, task := range s.tasks {
		s.arm(handle, task)
	}
	return nil
}

// Stop disarms all timers and waits for handlers in flight
func (s *MemoryScheduler) Stop() {
	s.mu.Lock()
	s.running = false
	for _, task := range s.tasks {
		if task.timer != nil {
			task.timer.Stop()
			task.timer = nil
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Pending returns the alias and firing time of a pending task
func (s *MemoryScheduler) Pending(handle string) (string, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[handle]
	if !ok {
		return "", time.Time{}, false
	}
	return task.alias, task.at, true
}

// Len returns the number of pending tasks
func (s *MemoryScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// arm must be called with s.mu held
func (s *MemoryScheduler) arm(handle string, task *memoryTask) {
	if task.timer != nil {
		task.timer.Stop()
	}
	delay := task.next.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	task.timer = time.AfterFunc(delay, func() { s.fire(handle) })
}

func (s *MemoryScheduler) fire(handle string) {
	s.mu.Lock()
	task, ok := s.tasks[handle]
	if !ok || !s.running {
		s.mu.Unlock()
		return
	}
	now := s.now()
	if now.Before(task.next) {
		s.arm(handle, task)
		s.mu.Unlock()
		return
	}
	delete(s.tasks, handle)
	task.timer = nil
	s.inflight[handle] = task
	handler, ctx := s.handler, s.ctx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if stale(task.at, now, s.horizon) {
		s.logger.Warn("dropping stale retirement task", "handle", handle, "alias", task.alias, "due", task.at)
		s.settle(handle)
		return
	}
	if err := handler(ctx, task.alias); err != nil {
		s.logger.Error("retirement task failed", "handle", handle, "alias", task.alias, "error", err, "retry_in", s.retry)
		s.requeue(handle)
		return
	}
	s.settle(handle)
}

func (s *MemoryScheduler) settle(handle string) {
	s.mu.Lock()
	delete(s.inflight, handle)
	s.mu.Unlock()
}

// requeue re-arms a failed task unless it was cancelled while running
func (s *MemoryScheduler) requeue(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.inflight[handle]
	delete(s.inflight, handle)
	if !ok {
		return
	}
	task.next = s.now().Add(s.retry)
	s.tasks[handle] = task
	if s.running {
		s.arm(handle, task)
	}
}
