package orphan

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/outreach-engine/internal/event"
	"github.com/ignite/outreach-engine/internal/pkg/distlock"
)

// =============================================================================
// ORPHAN RETRY SCHEDULER
// =============================================================================
// Polls the retry queue for due records and re-attempts enrollment
// resolution + state application for each. Renewed failure reschedules with
// exponential backoff and jitter; exhausting the attempt budget promotes the
// record to the dead-letter store. A distributed lock keeps one active
// poller per deployment; the Lua claim in the queue makes additional pollers
// safe regardless.

const (
	DefaultPollInterval = 15 * time.Second
	DefaultBatchSize    = 100
	DefaultBaseDelay    = 30 * time.Second
	DefaultMaxDelay     = time.Hour
	DefaultMaxAttempts  = 36

	// DefaultLockTTL is the poller lease. Long batches extend it every
	// lockExtendStep records so the lease cannot lapse mid-cycle.
	DefaultLockTTL = 60 * time.Second
	lockExtendStep = 25
)

// AttemptFunc retries resolution + application for an orphaned event. A nil
// error means the event was applied (or recognized as a duplicate); any
// error reschedules the record.
type AttemptFunc func(ctx context.Context, ev *event.CanonicalEvent) error

// DeadLetterFunc moves an exhausted record to the dead-letter store.
type DeadLetterFunc func(ctx context.Context, rec *Record, reason string) error

// Scheduler is the background retry worker.
type Scheduler struct {
	queue      *Queue
	attempt    AttemptFunc
	deadLetter DeadLetterFunc
	lock       distlock.DistLock // optional; nil runs unlocked (tests, single node)

	pollInterval time.Duration
	batchSize    int
	baseDelay    time.Duration
	maxDelay     time.Duration
	maxAttempts  int

	// Stats
	retried      int64
	resolved     int64
	deadLettered int64
	lastPollUnix int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewScheduler creates a retry scheduler with default tuning.
func NewScheduler(queue *Queue, attempt AttemptFunc, deadLetter DeadLetterFunc) *Scheduler {
	return &Scheduler{
		queue:        queue,
		attempt:      attempt,
		deadLetter:   deadLetter,
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		baseDelay:    DefaultBaseDelay,
		maxDelay:     DefaultMaxDelay,
		maxAttempts:  DefaultMaxAttempts,
	}
}

// SetLock sets the distributed lock guarding the poll loop.
func (s *Scheduler) SetLock(lock distlock.DistLock) { s.lock = lock }

// Configure overrides retry tuning. Zero values keep the defaults.
func (s *Scheduler) Configure(pollInterval, baseDelay, maxDelay time.Duration, batchSize, maxAttempts int) {
	if pollInterval > 0 {
		s.pollInterval = pollInterval
	}
	if baseDelay > 0 {
		s.baseDelay = baseDelay
	}
	if maxDelay > 0 {
		s.maxDelay = maxDelay
	}
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
}

// Start begins the polling loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	log.Printf("[OrphanScheduler] Starting with poll interval %v, max attempts %d", s.pollInterval, s.maxAttempts)

	s.wg.Add(1)
	go s.loop()
}

// Stop drains the scheduler: no new polling cycles are started, in-flight
// retries finish or are requeued, and the lock is released so another
// process can take over.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[OrphanScheduler] Stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// Run one cycle immediately so restarts don't wait a full interval.
	s.runCycle()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runCycle()
		}
	}
}

func (s *Scheduler) runCycle() {
	ctx := s.ctx

	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx)
		if err != nil {
			log.Printf("[OrphanScheduler] Lock acquire error: %v", err)
			return
		}
		if !acquired {
			return // another poller owns this cycle
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.lock.Release(releaseCtx)
		}()
	}

	if n, err := s.queue.FlushFallback(ctx); err != nil {
		log.Printf("[OrphanScheduler] Fallback flush error after %d: %v", n, err)
	} else if n > 0 {
		log.Printf("[OrphanScheduler] Flushed %d buffered orphans back to queue", n)
	}

	now := time.Now()
	records, err := s.queue.PopDue(ctx, now, s.batchSize)
	if err != nil {
		log.Printf("[OrphanScheduler] Poll error: %v", err)
		return
	}

	atomic.StoreInt64(&s.lastPollUnix, now.Unix())
	s.queue.RecordHeartbeat(ctx, now)

	for i, rec := range records {
		select {
		case <-ctx.Done():
			// Graceful drain: requeue claimed-but-unprocessed records
			// immediately so nothing is lost or double-locked.
			s.requeue(records[i:])
			return
		default:
		}
		if s.lock != nil && i > 0 && i%lockExtendStep == 0 {
			if err := s.lock.Extend(ctx, DefaultLockTTL); err != nil {
				log.Printf("[OrphanScheduler] Lock extend failed: %v", err)
			}
		}
		s.processRecord(ctx, rec)
	}
}

func (s *Scheduler) processRecord(ctx context.Context, rec *Record) {
	atomic.AddInt64(&s.retried, 1)

	err := s.attempt(ctx, rec.Event)
	if err == nil {
		atomic.AddInt64(&s.resolved, 1)
		log.Printf("[OrphanScheduler] Resolved orphan %s after %d attempt(s)", rec.ID, rec.Attempts+1)
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the attempt; the failure says nothing about
		// the event. Put the claimed record back durably on a fresh context,
		// attempt count unchanged.
		s.requeue([]*Record{rec})
		return
	}

	rec.Attempts++
	rec.LastError = err.Error()

	if rec.Attempts >= s.maxAttempts {
		reason := "retry attempts exhausted"
		if dlErr := s.deadLetter(ctx, rec, reason); dlErr != nil {
			// Dead-letter store unavailable: keep the record cycling at the
			// max-delay cadence instead of losing it.
			log.Printf("[OrphanScheduler] Dead-letter insert failed for %s: %v", rec.ID, dlErr)
			s.enqueueWithBackoff(ctx, rec)
			return
		}
		atomic.AddInt64(&s.deadLettered, 1)
		log.Printf("[OrphanScheduler] Orphan %s moved to dead letters after %d attempts: %s", rec.ID, rec.Attempts, rec.LastError)
		return
	}

	s.enqueueWithBackoff(ctx, rec)
}

func (s *Scheduler) enqueueWithBackoff(ctx context.Context, rec *Record) {
	delay := s.backoff(rec.Attempts)
	if err := s.queue.Enqueue(ctx, rec, time.Now().Add(delay)); err != nil {
		log.Printf("[OrphanScheduler] Requeue failed for %s: %v", rec.ID, err)
	}
}

func (s *Scheduler) requeue(records []*Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, rec := range records {
		if err := s.queue.Enqueue(ctx, rec, time.Now()); err != nil {
			log.Printf("[OrphanScheduler] Drain requeue failed for %s: %v", rec.ID, err)
		}
	}
}

// backoff computes the delay before the given attempt number: base delay
// doubling per attempt, capped, with ±20% jitter so synchronized orphans
// don't retry in lockstep.
func (s *Scheduler) backoff(attempts int) time.Duration {
	delay := s.baseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			delay = s.maxDelay
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	d := time.Duration(float64(delay) * jitter)
	if d > s.maxDelay {
		d = s.maxDelay
	}
	return d
}

// LastPoll returns the time of the last successful poll cycle.
func (s *Scheduler) LastPoll() time.Time {
	ts := atomic.LoadInt64(&s.lastPollUnix)
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() map[string]int64 {
	return map[string]int64{
		"retried":       atomic.LoadInt64(&s.retried),
		"resolved":      atomic.LoadInt64(&s.resolved),
		"dead_lettered": atomic.LoadInt64(&s.deadLettered),
	}
}
