package debounce

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Job is the deferred click dispatch, stored rendered so the worker can
// send it without re-resolving adapters.
type Job struct {
	RID        string `json:"rid"`
	UpstreamID string `json:"up_id"`
	EventType  string `json:"event_type"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	TimeoutMs  int    `json:"timeout_ms,omitempty"`
}

// DispatchFunc sends a flushed job through the outbound path.
type DispatchFunc func(ctx context.Context, job *Job) error

// submitScript keeps latest-wins semantics atomic: the job with the
// newest order timestamp survives, and the due time is pinned to the
// first submit plus the wait window so a click storm cannot push the
// flush out forever.
const submitScript = `
local latest = KEYS[1]
local due_z = KEYS[2]
local task_key = ARGV[1]
local now_ms = tonumber(ARGV[2])
local max_wait_ms = tonumber(ARGV[3])
local order_ts_ms = tonumber(ARGV[4])
local job_json = ARGV[5]
local latest_ttl = tonumber(ARGV[6])

local first = redis.call('HGET', latest, 'first_submit_ms')
if not first then
    first = now_ms
    redis.call('HSET', latest, 'first_submit_ms', first)
end

local old_order = tonumber(redis.call('HGET', latest, 'order_ts_ms') or '-1')
if order_ts_ms >= old_order then
    redis.call('HSET', latest, 'order_ts_ms', order_ts_ms)
    redis.call('HSET', latest, 'job_json', job_json)
end

local new_due = tonumber(first) + max_wait_ms

redis.call('HSET', latest, 'due_at_ms', new_due)
redis.call('HSET', latest, 'updated_ms', now_ms)
redis.call('ZREM', due_z, task_key)
redis.call('ZADD', due_z, new_due, task_key)
redis.call('PEXPIRE', latest, latest_ttl)
return new_due
`

// Manager coalesces deferred click jobs in Redis and flushes them from a
// background worker. Safe across multiple gateway instances: the per-key
// lock is a SET NX with a short TTL.
type Manager struct {
	rdb      *redis.Client
	dispatch DispatchFunc
	logger   *zap.Logger

	prefix      string
	dueKey      string
	batch       int64
	concurrency int
	lockTTL     time.Duration
	latestTTL   time.Duration
	pollEvery   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager. dispatch is called for each flushed job.
func New(rdb *redis.Client, dispatch DispatchFunc, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		rdb:         rdb,
		dispatch:    dispatch,
		logger:      logger,
		prefix:      "debounce:",
		dueKey:      "debounce:due",
		batch:       200,
		concurrency: 64,
		lockTTL:     30 * time.Second,
		latestTTL:   24 * time.Hour,
		pollEvery:   200 * time.Millisecond,
	}
}

// Submit records the job under key, replacing any older job for the same
// key. When Redis is unreachable the job is dispatched directly so a
// cache outage degrades to no debouncing instead of dropped clicks.
func (m *Manager) Submit(ctx context.Context, key string, orderTs int64, maxWait time.Duration, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal debounce job: %w", err)
	}

	now := time.Now().UnixMilli()
	latestKey := m.prefix + "latest:" + key
	err = m.rdb.Eval(ctx, submitScript,
		[]string{latestKey, m.dueKey},
		key, now, maxWait.Milliseconds(), orderTs, string(payload), m.latestTTL.Milliseconds(),
	).Err()
	if err != nil {
		m.logger.Error("debounce submit failed, dispatching directly",
			zap.String("rid", job.RID),
			zap.String("key", key),
			zap.Error(err),
		)
		return m.dispatch(ctx, job)
	}
	return nil
}

// Start launches the background flush worker.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.workerLoop(ctx)
	m.logger.Info("debounce worker started")
}

// Stop halts the worker, flushing everything still pending first so a
// shutdown does not strand deferred clicks.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	n := m.FlushAll(ctx, 1000)
	m.logger.Info("debounce worker stopped", zap.Int("flushed", n))
}

// FlushAll forces every pending job due immediately and processes up to
// maxItems of them. Returns how many were handled.
func (m *Manager) FlushAll(ctx context.Context, maxItems int) int {
	members, err := m.rdb.ZRange(ctx, m.dueKey, 0, int64(maxItems-1)).Result()
	if err == nil && len(members) > 0 {
		now := float64(time.Now().UnixMilli())
		zs := make([]redis.Z, len(members))
		for i, member := range members {
			zs[i] = redis.Z{Score: now, Member: member}
		}
		if err := m.rdb.ZAdd(ctx, m.dueKey, zs...).Err(); err != nil {
			m.logger.Warn("debounce flush rescore failed", zap.Error(err))
		}
	}

	processed := 0
	for processed < maxItems {
		count := m.batch
		if rest := int64(maxItems - processed); rest < count {
			count = rest
		}
		popped, err := m.rdb.ZPopMin(ctx, m.dueKey, count).Result()
		if err != nil || len(popped) == 0 {
			break
		}
		for _, z := range popped {
			key, _ := z.Member.(string)
			m.processKey(ctx, key, true)
			processed++
		}
	}
	return processed
}

func (m *Manager) workerLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()
	sem := make(chan struct{}, m.concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		popped, err := m.rdb.ZPopMin(ctx, m.dueKey, m.batch).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("debounce poll failed", zap.Error(err))
			continue
		}

		var batch sync.WaitGroup
		for _, z := range popped {
			key, ok := z.Member.(string)
			if !ok {
				continue
			}
			sem <- struct{}{}
			batch.Add(1)
			go func(k string) {
				defer func() { <-sem; batch.Done() }()
				m.processKey(ctx, k, false)
			}(key)
		}
		batch.Wait()
	}
}

// processKey flushes one popped key: lock it, re-check the due time, send
// the latest job, clean up. When force is set the due time is ignored.
func (m *Manager) processKey(ctx context.Context, key string, force bool) {
	lockKey := m.prefix + "lock:" + key
	got, err := m.rdb.SetNX(ctx, lockKey, "1", m.lockTTL).Result()
	if err != nil {
		m.logger.Warn("debounce lock failed", zap.String("key", key), zap.Error(err))
		return
	}
	if !got {
		// Another instance owns this key.
		return
	}
	defer m.rdb.Del(ctx, lockKey)

	latestKey := m.prefix + "latest:" + key
	data, err := m.rdb.HGetAll(ctx, latestKey).Result()
	if err != nil || len(data) == 0 {
		m.rdb.ZRem(ctx, m.dueKey, key)
		return
	}

	if !force {
		var dueAt int64
		fmt.Sscanf(data["due_at_ms"], "%d", &dueAt)
		if dueAt > time.Now().UnixMilli() {
			// Resubmitted after we popped it. Put it back.
			m.rdb.ZAdd(ctx, m.dueKey, redis.Z{Score: float64(dueAt), Member: key})
			return
		}
	}

	var job Job
	if err := json.Unmarshal([]byte(data["job_json"]), &job); err != nil {
		m.logger.Warn("debounce job corrupt, dropping",
			zap.String("key", key),
			zap.Error(err),
		)
		m.rdb.Del(ctx, latestKey)
		m.rdb.ZRem(ctx, m.dueKey, key)
		return
	}

	if err := m.dispatch(ctx, &job); err != nil {
		m.logger.Error("debounce dispatch failed",
			zap.String("rid", job.RID),
			zap.String("key", key),
			zap.Error(err),
		)
	}
	m.rdb.Del(ctx, latestKey)
	m.rdb.ZRem(ctx, m.dueKey, key)
}
