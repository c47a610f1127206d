package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Monthlyaway/ttl-link/internal/idgen"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	fired []string
	ch    chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 16)}
}

func (r *recorder) handle(_ context.Context, alias string) error {
	r.mu.Lock()
	r.fired = append(r.fired, alias)
	r.mu.Unlock()
	r.ch <- alias
	return nil
}

// failOnce returns a handler that fails its first call and then records
func (r *recorder) failOnce() Handler {
	var once sync.Once
	return func(ctx context.Context, alias string) error {
		failed := false
		once.Do(func() { failed = true })
		if failed {
			return errors.New("store unavailable")
		}
		return r.handle(ctx, alias)
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func testIDs(t *testing.T) *idgen.Generator {
	t.Helper()
	ids, err := idgen.New(0, 1)
	require.NoError(t, err)
	return ids
}

func TestMemorySchedulerFires(t *testing.T) {
	s := NewMemoryScheduler(testIDs(t), MemoryOptions{StalenessHorizon: time.Hour})
	rec := newRecorder()
	require.NoError(t, s.Start(context.Background(), rec.handle))
	defer s.Stop()

	handle, err := s.Schedule(context.Background(), "abc", time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)
	alias, _, ok := s.Pending(handle)
	require.True(t, ok)
	assert.Equal(t, "abc", alias)

	select {
	case got := <-rec.ch:
		assert.Equal(t, "abc", got)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fire")
	}
	_, _, ok = s.Pending(handle)
	assert.False(t, ok)
}

func TestMemorySchedulerCancel(t *testing.T) {
	s := NewMemoryScheduler(testIDs(t), MemoryOptions{StalenessHorizon: time.Hour})
	rec := newRecorder()
	require.NoError(t, s.Start(context.Background(), rec.handle))
	defer s.Stop()

	handle, err := s.Schedule(context.Background(), "abc", time.Now().Add(30*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Cancel(context.Background(), handle))
	// cancelling twice, and cancelling unknown handles, is a no-op
	require.NoError(t, s.Cancel(context.Background(), handle))
	require.NoError(t, s.Cancel(context.Background(), "never-issued"))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, rec.count())
	assert.Zero(t, s.Len())
}

func TestMemorySchedulerCancelAfterFire(t *testing.T) {
	s := NewMemoryScheduler(testIDs(t), MemoryOptions{StalenessHorizon: time.Hour})
	rec := newRecorder()
	require.NoError(t, s.Start(context.Background(), rec.handle))
	defer s.Stop()

	handle, err := s.Schedule(context.Background(), "abc", time.Now())
	require.NoError(t, err)
	<-rec.ch

	assert.NoError(t, s.Cancel(context.Background(), handle))
	assert.Equal(t, 1, rec.count())
}

func TestMemorySchedulerArmsTasksOnStart(t *testing.T) {
	s := NewMemoryScheduler(testIDs(t), MemoryOptions{StalenessHorizon: time.Hour})
	rec := newRecorder()

	_, err := s.Schedule(context.Background(), "early", time.Now())
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.count())

	require.NoError(t, s.Start(context.Background(), rec.handle))
	defer s.Stop()

	select {
	case got := <-rec.ch:
		assert.Equal(t, "early", got)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fire after start")
	}
}

func TestMemorySchedulerDropsStaleTasks(t *testing.T) {
	s := NewMemoryScheduler(testIDs(t), MemoryOptions{StalenessHorizon: time.Minute})
	rec := newRecorder()
	require.NoError(t, s.Start(context.Background(), rec.handle))
	defer s.Stop()

	_, err := s.Schedule(context.Background(), "old", time.Now().Add(-2*time.Minute))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, rec.count())
	assert.Zero(t, s.Len())
}

func setupRedisScheduler(t *testing.T) (*RedisScheduler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisScheduler(client, testIDs(t), RedisOptions{
		KeyPrefix:        "test-retire",
		PollInterval:     10 * time.Millisecond,
		StalenessHorizon: time.Hour,
		RetryDelay:       time.Second,
	})
	return s, mr
}

func TestRedisSchedulerStoresTasks(t *testing.T) {
	s, mr := setupRedisScheduler(t)
	ctx := context.Background()
	due := time.Now().Add(time.Hour)

	handle, err := s.Schedule(ctx, "abc", due)
	require.NoError(t, err)

	pending, err := s.Pending(ctx, handle)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, "abc", mr.HGet("test-retire:task:"+handle, "alias"))
	assert.Equal(t, strconv.FormatInt(due.UnixNano(), 10), mr.HGet("test-retire:task:"+handle, "due"))

	score, err := mr.ZScore("test-retire:due", handle)
	require.NoError(t, err)
	assert.Equal(t, dueScore(due), score)
}

func TestRedisSchedulerRunDue(t *testing.T) {
	s, mr := setupRedisScheduler(t)
	ctx := context.Background()
	rec := newRecorder()
	s.handler = rec.handle

	_, err := s.Schedule(ctx, "due-now", time.Now().Add(-time.Second))
	require.NoError(t, err)
	future, err := s.Schedule(ctx, "later", time.Now().Add(time.Hour))
	require.NoError(t, err)

	fired, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, []string{"due-now"}, rec.fired)

	// a second poll must not fire the claimed task again
	fired, err = s.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)

	pending, err := s.Pending(ctx, future)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Len(t, mr.Keys(), 2) // due set + the future task payload
}

func TestRedisSchedulerCancel(t *testing.T) {
	s, mr := setupRedisScheduler(t)
	ctx := context.Background()
	rec := newRecorder()
	s.handler = rec.handle

	handle, err := s.Schedule(ctx, "abc", time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, handle))
	require.NoError(t, s.Cancel(ctx, handle))
	require.NoError(t, s.Cancel(ctx, ""))

	fired, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Empty(t, mr.Keys())
}

func TestRedisSchedulerDropsStaleTasks(t *testing.T) {
	s, _ := setupRedisScheduler(t)
	ctx := context.Background()
	rec := newRecorder()
	s.handler = rec.handle

	_, err := s.Schedule(ctx, "ancient", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	fired, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Zero(t, rec.count())
}

func TestRedisSchedulerPoller(t *testing.T) {
	s, _ := setupRedisScheduler(t)
	ctx := context.Background()
	rec := newRecorder()

	require.NoError(t, s.Start(ctx, rec.handle))
	assert.Error(t, s.Start(ctx, rec.handle))

	_, err := s.Schedule(ctx, "soon", time.Now().Add(30*time.Millisecond))
	require.NoError(t, err)

	select {
	case got := <-rec.ch:
		assert.Equal(t, "soon", got)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not fire the task")
	}
	s.Stop()
	s.Stop()
}

func TestRedisSchedulerRunDueBeforeStart(t *testing.T) {
	s, _ := setupRedisScheduler(t)
	_, err := s.RunDue(context.Background())
	assert.Error(t, err)
}

func TestMemorySchedulerRetriesFailedTask(t *testing.T) {
	s := NewMemoryScheduler(testIDs(t), MemoryOptions{StalenessHorizon: time.Hour, RetryDelay: 20 * time.Millisecond})
	rec := newRecorder()
	require.NoError(t, s.Start(context.Background(), rec.failOnce()))
	defer s.Stop()

	handle, err := s.Schedule(context.Background(), "flaky", time.Now())
	require.NoError(t, err)

	select {
	case got := <-rec.ch:
		assert.Equal(t, "flaky", got)
	case <-time.After(2 * time.Second):
		t.Fatal("failed task was not retried")
	}
	assert.Equal(t, 1, rec.count())
	assert.Eventually(t, func() bool {
		_, _, ok := s.Pending(handle)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestMemorySchedulerDoesNotRetryCancelledTask(t *testing.T) {
	s := NewMemoryScheduler(testIDs(t), MemoryOptions{StalenessHorizon: time.Hour, RetryDelay: 10 * time.Millisecond})
	var handle string
	var mu sync.Mutex
	calls := 0
	handler := func(ctx context.Context, _ string) error {
		mu.Lock()
		calls++
		h := handle
		mu.Unlock()
		assert.NoError(t, s.Cancel(ctx, h))
		return errors.New("store unavailable")
	}

	mu.Lock()
	h, err := s.Schedule(context.Background(), "cancelled", time.Now())
	require.NoError(t, err)
	handle = h
	mu.Unlock()
	require.NoError(t, s.Start(context.Background(), handler))
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Zero(t, s.Len())
}

func TestMemorySchedulerRearmsEarlyTimer(t *testing.T) {
	s := NewMemoryScheduler(testIDs(t), MemoryOptions{StalenessHorizon: time.Hour})
	rec := newRecorder()
	require.NoError(t, s.Start(context.Background(), rec.handle))
	defer s.Stop()

	handle, err := s.Schedule(context.Background(), "later", time.Now().Add(time.Hour))
	require.NoError(t, err)

	// a timer that goes off ahead of the due time must not run the task
	s.fire(handle)
	assert.Zero(t, rec.count())
	_, _, ok := s.Pending(handle)
	assert.True(t, ok)
}

func TestRedisSchedulerNeverFiresEarly(t *testing.T) {
	s, _ := setupRedisScheduler(t)
	ctx := context.Background()
	rec := newRecorder()
	s.handler = rec.handle

	base := time.UnixMilli(time.Now().UnixMilli()).Add(300 * time.Microsecond)
	due := base.Add(500 * time.Microsecond)
	handle, err := s.Schedule(ctx, "precise", due)
	require.NoError(t, err)

	// same millisecond as the due time, but a little before it
	s.now = func() time.Time { return due.Add(-time.Microsecond) }
	fired, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)
	pending, err := s.Pending(ctx, handle)
	require.NoError(t, err)
	assert.True(t, pending)

	s.now = func() time.Time { return due.Add(time.Millisecond) }
	fired, err = s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, []string{"precise"}, rec.fired)
}

func TestRedisSchedulerReturnsEarlyClaims(t *testing.T) {
	s, mr := setupRedisScheduler(t)
	ctx := context.Background()
	rec := newRecorder()
	s.handler = rec.handle

	due := time.Now().Add(time.Hour)
	handle, err := s.Schedule(ctx, "ahead", due)
	require.NoError(t, err)
	// a score that is already reached while the payload says otherwise
	_, err = mr.ZAdd("test-retire:due", 0, handle)
	require.NoError(t, err)

	fired, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)

	score, err := mr.ZScore("test-retire:due", handle)
	require.NoError(t, err)
	assert.Equal(t, dueScore(due), score)
}

func TestRedisSchedulerRetriesFailedTask(t *testing.T) {
	s, mr := setupRedisScheduler(t)
	ctx := context.Background()
	rec := newRecorder()
	s.handler = rec.failOnce()

	now := time.Now()
	s.now = func() time.Time { return now }
	handle, err := s.Schedule(ctx, "flaky", now.Add(-time.Second))
	require.NoError(t, err)

	fired, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Zero(t, rec.count())

	pending, err := s.Pending(ctx, handle)
	require.NoError(t, err)
	assert.True(t, pending)
	score, err := mr.ZScore("test-retire:due", handle)
	require.NoError(t, err)
	assert.Equal(t, dueScore(now.Add(time.Second)), score)

	// not before the retry delay
	fired, err = s.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)

	s.now = func() time.Time { return now.Add(2 * time.Second) }
	fired, err = s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, []string{"flaky"}, rec.fired)
	assert.Empty(t, mr.Keys())
}

func TestRedisSchedulerDoesNotRetryCancelledTask(t *testing.T) {
	s, mr := setupRedisScheduler(t)
	ctx := context.Background()

	handle, err := s.Schedule(ctx, "cancelled", time.Now().Add(-time.Second))
	require.NoError(t, err)
	s.handler = func(ctx context.Context, _ string) error {
		assert.NoError(t, s.Cancel(ctx, handle))
		return errors.New("store unavailable")
	}

	fired, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Empty(t, mr.Keys())
}
