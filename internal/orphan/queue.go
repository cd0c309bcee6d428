package orphan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/event"
)

const (
	// DefaultScheduleKey is the Redis sorted set holding pending orphans,
	// scored by next-retry time (unix seconds).
	DefaultScheduleKey = "orphan:schedule"

	// heartbeatKey records the scheduler's last successful poll so the API
	// process can report it without sharing memory with the worker.
	heartbeatKey = "orphan:last_poll"
)

// ErrFallbackFull is returned when Redis is unreachable and the bounded
// in-process buffer is already at capacity. Overflow policy is reject-new:
// the caller surfaces the failure instead of silently dropping older
// records that are already scheduled.
var ErrFallbackFull = errors.New("orphan queue fallback buffer full")

// Record is a canonical event that could not yet be resolved to an
// enrollment, plus its retry history. Serialized as JSON into the queue.
type Record struct {
	ID          string                `json:"id"`
	Event       *event.CanonicalEvent `json:"event"`
	Attempts    int                   `json:"attempts"`
	FirstSeenAt time.Time             `json:"first_seen_at"`
	LastError   string                `json:"last_error,omitempty"`
}

// NewRecord wraps a canonical event in a fresh retry record.
func NewRecord(ev *event.CanonicalEvent) *Record {
	return &Record{
		ID:          uuid.New().String(),
		Event:       ev,
		FirstSeenAt: time.Now().UTC(),
	}
}

// Queue is the durable, time-ordered orphan retry queue. Backed by a Redis
// sorted set so pending orphans survive process restart. When Redis is
// temporarily unreachable, records land in a bounded in-process fallback
// buffer (with an alarm) and are flushed back on the next successful cycle.
type Queue struct {
	redis *redis.Client
	key   string

	mu              sync.Mutex
	fallback        []*Record
	fallbackCap     int
	fallbackAlarmed bool

	rejected int64
}

// NewQueue creates a Queue on the given Redis client.
func NewQueue(client *redis.Client, fallbackCap int) *Queue {
	if fallbackCap <= 0 {
		fallbackCap = 10000
	}
	return &Queue{
		redis:       client,
		key:         DefaultScheduleKey,
		fallbackCap: fallbackCap,
	}
}

// Enqueue schedules a record for retry at runAt. If the queue store is down
// the record is buffered in-process rather than lost.
func (q *Queue) Enqueue(ctx context.Context, rec *Record, runAt time.Time) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal orphan record: %w", err)
	}

	err = q.redis.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(runAt.Unix()),
		Member: string(payload),
	}).Err()
	if err == nil {
		q.maybeFlush(ctx)
		return nil
	}

	return q.buffer(rec, err)
}

// maybeFlush drains the fallback buffer as soon as a write proves the store
// is reachable again. Without this, buffered records in a process that never
// polls (the API server) would sit in memory until restart lost them.
func (q *Queue) maybeFlush(ctx context.Context) {
	q.mu.Lock()
	pending := len(q.fallback) > 0
	q.mu.Unlock()
	if !pending {
		return
	}
	// A partial flush re-buffers the remainder; nothing to do on error.
	_, _ = q.FlushFallback(ctx)
}

func (q *Queue) buffer(rec *Record, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.fallback) >= q.fallbackCap {
		atomic.AddInt64(&q.rejected, 1)
		return fmt.Errorf("%w (cap %d, redis error: %v)", ErrFallbackFull, q.fallbackCap, cause)
	}
	q.fallback = append(q.fallback, rec)
	if !q.fallbackAlarmed {
		q.fallbackAlarmed = true
	}
	return nil
}

// claimScript atomically pops due members from the schedule. Popping inside
// a single script is the claim-and-lock: two workers polling concurrently
// can never receive the same record.
var claimScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
	for i, member in ipairs(due) do
		redis.call('ZREM', KEYS[1], member)
	end
	return due
`)

// PopDue atomically claims up to limit records whose retry time has arrived.
func (q *Queue) PopDue(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := claimScript.Run(ctx, q.redis, []string{q.key}, now.Unix(), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim due orphans: %w", err)
	}

	records := make([]*Record, 0, len(res))
	for _, raw := range res {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			// Unparseable members cannot be retried; drop and count.
			atomic.AddInt64(&q.rejected, 1)
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

// FlushFallback moves buffered records back into Redis, scheduled
// immediately. Returns the number flushed. Called at the start of every
// poll cycle; a partial flush re-buffers what could not be written.
func (q *Queue) FlushFallback(ctx context.Context) (int, error) {
	q.mu.Lock()
	buffered := q.fallback
	q.fallback = nil
	q.mu.Unlock()

	if len(buffered) == 0 {
		return 0, nil
	}

	flushed := 0
	now := time.Now()
	for i, rec := range buffered {
		payload, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if err := q.redis.ZAdd(ctx, q.key, redis.Z{
			Score:  float64(now.Unix()),
			Member: string(payload),
		}).Err(); err != nil {
			// Redis still down: put the remainder back.
			q.mu.Lock()
			q.fallback = append(buffered[i:], q.fallback...)
			q.mu.Unlock()
			return flushed, err
		}
		flushed++
	}

	q.mu.Lock()
	if len(q.fallback) == 0 {
		q.fallbackAlarmed = false
	}
	q.mu.Unlock()
	return flushed, nil
}

// Stats describes queue depth and age for the operator interface.
type Stats struct {
	Depth            int64     `json:"depth"`
	DueNow           int64     `json:"due_now"`
	FallbackBuffered int       `json:"fallback_buffered"`
	FallbackEngaged  bool      `json:"fallback_engaged"`
	Rejected         int64     `json:"rejected"`
	OldestRetryAt    time.Time `json:"oldest_retry_at,omitempty"`
	LastPollAt       time.Time `json:"last_poll_at,omitempty"`
}

// Stats reports queue depth, due backlog, fallback state, and the
// scheduler's last successful poll.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Rejected: atomic.LoadInt64(&q.rejected)}

	q.mu.Lock()
	st.FallbackBuffered = len(q.fallback)
	st.FallbackEngaged = q.fallbackAlarmed
	q.mu.Unlock()

	depth, err := q.redis.ZCard(ctx, q.key).Result()
	if err != nil {
		return st, fmt.Errorf("queue depth: %w", err)
	}
	st.Depth = depth

	now := time.Now()
	due, err := q.redis.ZCount(ctx, q.key, "-inf", fmt.Sprintf("%d", now.Unix())).Result()
	if err != nil {
		return st, fmt.Errorf("due count: %w", err)
	}
	st.DueNow = due

	oldest, err := q.redis.ZRangeWithScores(ctx, q.key, 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		st.OldestRetryAt = time.Unix(int64(oldest[0].Score), 0).UTC()
	}

	if ts, err := q.redis.Get(ctx, heartbeatKey).Int64(); err == nil {
		st.LastPollAt = time.Unix(ts, 0).UTC()
	}
	return st, nil
}

// RecordHeartbeat stores the scheduler's last successful poll time where
// the API process can read it.
func (q *Queue) RecordHeartbeat(ctx context.Context, at time.Time) {
	q.redis.Set(ctx, heartbeatKey, at.Unix(), 24*time.Hour)
}
