package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Monthlyaway/ttl-link/internal/idgen"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix    = "retire"
	DefaultPollInterval = 500 * time.Millisecond
	DefaultBatchSize    = 100
)

// RedisScheduler persists tasks in Redis so they survive restarts and can be
// shared by several instances.
//
//	<prefix>:due            sorted set, member = handle, score = next run (unix ms, rounded up)
//	<prefix>:task:<handle>  hash {alias, due (unix ns)}
//
// A poller claims due handles with ZREM; only the instance whose ZREM removed
// the member runs the task, so each run happens at most once. The payload is
// deleted after the handler succeeds; a failed run puts the handle back in the
// due set unless Cancel removed the payload meanwhile.
type RedisScheduler struct {
	client  *redis.Client
	ids     *idgen.Generator
	prefix  string
	poll    time.Duration
	batch   int64
	horizon time.Duration
	retry   time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

// RedisOptions configures a RedisScheduler
type RedisOptions struct {
	KeyPrefix        string
	PollInterval     time.Duration
	BatchSize        int64
	StalenessHorizon time.Duration
	RetryDelay       time.Duration
	Logger           *slog.Logger
}

// NewRedisScheduler creates a scheduler backed by client
func NewRedisScheduler(client *redis.Client, ids *idgen.Generator, opts RedisOptions) *RedisScheduler {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.StalenessHorizon <= 0 {
		opts.StalenessHorizon = DefaultStalenessHorizon
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisScheduler{
		client:  client,
		ids:     ids,
		prefix:  opts.KeyPrefix,
		poll:    opts.PollInterval,
		batch:   opts.BatchSize,
		horizon: opts.StalenessHorizon,
		retry:   opts.RetryDelay,
		logger:  opts.Logger,
		now:     time.Now,
	}
}

func (s *RedisScheduler) dueKey() string {
	return s.prefix + ":due"
}

func (s *RedisScheduler) taskKey(handle string) string {
	return s.prefix + ":task:" + handle
}

// Schedule stores the task and adds it to the due set
func (s *RedisScheduler) Schedule(ctx context.Context, alias string, at time.Time) (string, error) {
	handle := s.ids.NextHandle()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.taskKey(handle), "alias", alias, "due", at.UnixNano())
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: dueScore(at), Member: handle})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to schedule retirement of %q: %w", alias, err)
	}
	return handle, nil
}

// Cancel removes the task; unknown handles are ignored
func (s *RedisScheduler) Cancel(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.dueKey(), handle)
		pipe.Del(ctx, s.taskKey(handle))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cancel task %s: %w", handle, err)
	}
	return nil
}

// Start launches the poller
func (s *RedisScheduler) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("scheduler handler is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	s.handler = handler

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
	return nil
}

// Stop halts the poller and waits for the current batch to finish
func (s *RedisScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *RedisScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunDue(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("retirement poll failed", "error", err)
			}
		}
	}
}

// RunDue claims and runs every task that is due now. It returns how many
// handlers were invoked.
func (s *RedisScheduler) RunDue(ctx context.Context) (int, error) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return 0, errors.New("scheduler not started")
	}

	now := s.now()
	handles, err := s.client.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: s.batch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read due tasks: %w", err)
	}

	fired := 0
	for _, handle := range handles {
		alias, due, ok, err := s.claim(ctx, handle, now)
		if err != nil {
			return fired, err
		}
		if !ok {
			continue
		}
		if stale(due, now, s.horizon) {
			s.logger.Warn("dropping stale retirement task", "handle", handle, "alias", alias, "due", due)
			s.dropPayload(ctx, handle)
			continue
		}
		fired++
		if err := handler(ctx, alias); err != nil {
			s.logger.Error("retirement task failed", "handle", handle, "alias", alias, "error", err, "retry_in", s.retry)
			s.requeue(ctx, handle, now)
			continue
		}
		s.dropPayload(ctx, handle)
	}
	return fired, nil
}

// requeue puts a failed task back in the due set. A task cancelled while its
// handler ran has no payload left and stays gone.
func (s *RedisScheduler) requeue(ctx context.Context, handle string, now time.Time) {
	n, err := s.client.Exists(ctx, s.taskKey(handle)).Result()
	if err != nil {
		s.logger.Error("failed to requeue retirement task", "handle", handle, "error", err)
		return
	}
	if n == 0 {
		return
	}
	if err := s.client.ZAdd(ctx, s.dueKey(), redis.Z{Score: dueScore(now.Add(s.retry)), Member: handle}).Err(); err != nil {
		s.logger.Error("failed to requeue retirement task", "handle", handle, "error", err)
	}
}

func (s *RedisScheduler) dropPayload(ctx context.Context, handle string) {
	if err := s.client.Del(ctx, s.taskKey(handle)).Err(); err != nil {
		s.logger.Warn("failed to delete task payload", "handle", handle, "error", err)
	}
}

// claim removes handle from the due set and reads its payload. ok is false
// when another poller or a Cancel got there first, or when the task is not
// due yet at now, in which case it goes back in the due set.
func (s *RedisScheduler) claim(ctx context.Context, handle string, now time.Time) (string, time.Time, bool, error) {
	removed, err := s.client.ZRem(ctx, s.dueKey(), handle).Result()
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("failed to claim task %s: %w", handle, err)
	}
	if removed == 0 {
		return "", time.Time{}, false, nil
	}

	fields, err := s.client.HGetAll(ctx, s.taskKey(handle)).Result()
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("failed to load task %s: %w", handle, err)
	}
	alias := fields["alias"]
	if alias == "" {
		return "", time.Time{}, false, nil
	}
	dueNs, err := strconv.ParseInt(fields["due"], 10, 64)
	if err != nil {
		s.dropPayload(ctx, handle)
		return "", time.Time{}, false, fmt.Errorf("corrupt due time on task %s: %w", handle, err)
	}
	due := time.Unix(0, dueNs)
	if now.Before(due) {
		if err := s.client.ZAdd(ctx, s.dueKey(), redis.Z{Score: dueScore(due), Member: handle}).Err(); err != nil {
			return "", time.Time{}, false, fmt.Errorf("failed to return early task %s: %w", handle, err)
		}
		return "", time.Time{}, false, nil
	}
	return alias, due, true, nil
}

// dueScore is t in unix milliseconds rounded up, so a task whose score is
// reached is never ahead of its due time.
func dueScore(t time.Time) float64 {
	ms := t.UnixMilli()
	if t.After(time.UnixMilli(ms)) {
		ms++
	}
	return float64(ms)
}

// Pending reports whether handle is still waiting to fire
func (s *RedisScheduler) Pending(ctx context.Context, handle string) (bool, error) {
	err := s.client.ZScore(ctx, s.dueKey(), handle).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
