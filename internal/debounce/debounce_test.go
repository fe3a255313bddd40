package debounce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu   sync.Mutex
	jobs []*Job
}

func (c *capture) fn(ctx context.Context, job *Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
	return nil
}

func (c *capture) all() []*Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Job(nil), c.jobs...)
}

func newTestManager(t *testing.T) (*Manager, *capture, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c := &capture{}
	m := New(rdb, c.fn, nil)
	m.pollEvery = 10 * time.Millisecond
	return m, c, mr
}

func TestSubmitLatestWins(t *testing.T) {
	m, c, _ := newTestManager(t)
	ctx := context.Background()

	first := &Job{RID: "r1", UpstreamID: "up", EventType: "click", URL: "http://x/1"}
	second := &Job{RID: "r2", UpstreamID: "up", EventType: "click", URL: "http://x/2"}
	require.NoError(t, m.Submit(ctx, "k1", 100, time.Minute, first))
	require.NoError(t, m.Submit(ctx, "k1", 200, time.Minute, second))

	n := m.FlushAll(ctx, 10)
	assert.Equal(t, 1, n)
	jobs := c.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, "r2", jobs[0].RID, "newer order timestamp must win")
}

func TestSubmitStaleOrderIgnored(t *testing.T) {
	m, c, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, "k1", 500, time.Minute, &Job{RID: "newer"}))
	require.NoError(t, m.Submit(ctx, "k1", 100, time.Minute, &Job{RID: "older"}))

	m.FlushAll(ctx, 10)
	jobs := c.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, "newer", jobs[0].RID)
}

func TestDistinctKeysFlushSeparately(t *testing.T) {
	m, c, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, "a", 1, time.Minute, &Job{RID: "ra"}))
	require.NoError(t, m.Submit(ctx, "b", 1, time.Minute, &Job{RID: "rb"}))

	n := m.FlushAll(ctx, 10)
	assert.Equal(t, 2, n)
	assert.Len(t, c.all(), 2)
}

func TestWorkerFlushesWhenDue(t *testing.T) {
	m, c, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, "k1", 1, 30*time.Millisecond, &Job{RID: "r1"}))
	m.Start()
	defer m.Stop(ctx)

	require.Eventually(t, func() bool {
		mr.FastForward(0)
		return len(c.all()) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "r1", c.all()[0].RID)
}

func TestWorkerRequeuesEarlyPop(t *testing.T) {
	m, c, _ := newTestManager(t)
	ctx := context.Background()

	// Due a minute out; a forced pop must put it back untouched.
	require.NoError(t, m.Submit(ctx, "k1", 1, time.Minute, &Job{RID: "r1"}))
	m.processKey(ctx, "k1", false)
	assert.Empty(t, c.all())

	// Still pending, so a forced flush finds it.
	n := m.FlushAll(ctx, 10)
	assert.Equal(t, 1, n)
	assert.Len(t, c.all(), 1)
}

func TestSubmitFallsBackWhenRedisDown(t *testing.T) {
	m, c, mr := newTestManager(t)
	mr.Close()

	err := m.Submit(context.Background(), "k1", 1, time.Minute, &Job{RID: "direct"})
	require.NoError(t, err, "fallback dispatch succeeded")
	jobs := c.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, "direct", jobs[0].RID)
}

func TestLockPreventsDoubleFlush(t *testing.T) {
	m, c, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, "k1", 1, 0, &Job{RID: "r1"}))

	// Simulate another instance holding the lock.
	require.NoError(t, m.rdb.SetNX(ctx, "debounce:lock:k1", "1", time.Minute).Err())
	m.processKey(ctx, "k1", true)
	assert.Empty(t, c.all())

	m.rdb.Del(ctx, "debounce:lock:k1")
	m.processKey(ctx, "k1", true)
	assert.Len(t, c.all(), 1)
}
