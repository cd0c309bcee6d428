package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/event"
	"github.com/ignite/outreach-engine/internal/orphan"
	"github.com/ignite/outreach-engine/internal/store"
)

type stubStore struct {
	resolveErr error
	applyErr   error
	duplicate  bool
}

func (s *stubStore) ResolveEnrollment(ctx context.Context, ev *event.CanonicalEvent) (*store.Enrollment, error) {
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	return &store.Enrollment{ID: uuid.New(), InstanceID: ev.InstanceID}, nil
}

func (s *stubStore) ApplyEvent(ctx context.Context, enr *store.Enrollment, ev *event.CanonicalEvent) (*store.ApplyResult, error) {
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	return &store.ApplyResult{EventID: uuid.New(), Duplicate: s.duplicate}, nil
}

type stubQueue struct {
	records []*orphan.Record
	err     error
}

func (q *stubQueue) Enqueue(ctx context.Context, rec *orphan.Record, runAt time.Time) error {
	if q.err != nil {
		return q.err
	}
	q.records = append(q.records, rec)
	return nil
}

func testEvent() *event.CanonicalEvent {
	return &event.CanonicalEvent{
		ProviderEventID: "ev-1",
		Channel:         event.ChannelEmail,
		Type:            event.TypeDelivered,
		InstanceID:      uuid.New(),
		ContactRef:      "a@b.com",
		OccurredAt:      time.Now().UTC(),
	}
}

func TestProcess_Applied(t *testing.T) {
	q := &stubQueue{}
	p := New(&stubStore{}, q)

	outcome, err := p.Process(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("outcome = %v, want applied", outcome)
	}
	if len(q.records) != 0 {
		t.Error("applied event must not be queued")
	}
}

func TestProcess_Duplicate(t *testing.T) {
	p := New(&stubStore{duplicate: true}, &stubQueue{})

	outcome, err := p.Process(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Errorf("outcome = %v, want duplicate", outcome)
	}
}

func TestProcess_OrphanQueued(t *testing.T) {
	q := &stubQueue{}
	p := New(&stubStore{resolveErr: store.ErrEnrollmentNotFound}, q)

	outcome, err := p.Process(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("a resolution miss must not surface an error, got: %v", err)
	}
	if outcome != OutcomeQueued {
		t.Errorf("outcome = %v, want queued", outcome)
	}
	if len(q.records) != 1 {
		t.Fatalf("queued records = %d, want 1", len(q.records))
	}

	rec := q.records[0]
	if rec.Attempts != 0 {
		t.Errorf("fresh orphan attempts = %d, want 0", rec.Attempts)
	}
	// A plain miss is expected; only infrastructure failures carry a cause.
	if rec.LastError != "" {
		t.Errorf("last error = %q, want empty for a resolution miss", rec.LastError)
	}
	if rec.Event.ProviderEventID != "ev-1" {
		t.Error("orphan record must carry the full canonical event")
	}
}

func TestProcess_InfraFailureParked(t *testing.T) {
	q := &stubQueue{}
	p := New(&stubStore{applyErr: errors.New("connection reset")}, q)

	outcome, err := p.Process(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("transient store failure must park, not error: %v", err)
	}
	if outcome != OutcomeQueued {
		t.Errorf("outcome = %v, want queued", outcome)
	}
	if len(q.records) != 1 {
		t.Fatalf("queued records = %d, want 1", len(q.records))
	}
	if q.records[0].LastError == "" {
		t.Error("infrastructure failure should be recorded on the orphan")
	}
}

func TestProcess_QueueUnavailable(t *testing.T) {
	p := New(
		&stubStore{resolveErr: store.ErrEnrollmentNotFound},
		&stubQueue{err: orphan.ErrFallbackFull},
	)

	_, err := p.Process(context.Background(), testEvent())
	if !errors.Is(err, orphan.ErrFallbackFull) {
		t.Errorf("error = %v, want ErrFallbackFull to propagate", err)
	}
}

// raceStore applies events under a mutex with first-writer-wins semantics on
// the provider event id, mirroring the database's partial unique index.
type raceStore struct {
	mu      sync.Mutex
	applied map[string]bool
	counts  map[event.Type]int
}

func newRaceStore() *raceStore {
	return &raceStore{
		applied: make(map[string]bool),
		counts:  make(map[event.Type]int),
	}
}

func (s *raceStore) ResolveEnrollment(ctx context.Context, ev *event.CanonicalEvent) (*store.Enrollment, error) {
	return &store.Enrollment{ID: uuid.New(), InstanceID: ev.InstanceID}, nil
}

func (s *raceStore) ApplyEvent(ctx context.Context, enr *store.Enrollment, ev *event.CanonicalEvent) (*store.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Deduplicable() && s.applied[ev.ProviderEventID] {
		return &store.ApplyResult{EventID: uuid.New(), Duplicate: true}, nil
	}
	if ev.Deduplicable() {
		s.applied[ev.ProviderEventID] = true
	}
	s.counts[ev.Type]++
	return &store.ApplyResult{EventID: uuid.New()}, nil
}

func TestProcess_ConcurrentSameEvent(t *testing.T) {
	st := newRaceStore()
	p := New(st, &stubQueue{})

	// A provider redelivering the same event across parallel requests must
	// produce exactly one applied outcome; everyone else sees a duplicate.
	const workers = 50
	var applied, duplicate, queued int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			outcome, err := p.Process(context.Background(), testEvent())
			if err != nil {
				t.Errorf("Process() error: %v", err)
				return
			}
			switch outcome {
			case OutcomeApplied:
				atomic.AddInt64(&applied, 1)
			case OutcomeDuplicate:
				atomic.AddInt64(&duplicate, 1)
			case OutcomeQueued:
				atomic.AddInt64(&queued, 1)
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("applied = %d, want exactly 1", applied)
	}
	if duplicate != workers-1 {
		t.Errorf("duplicate = %d, want %d", duplicate, workers-1)
	}
	if queued != 0 {
		t.Errorf("queued = %d, want 0", queued)
	}
	if st.counts[event.TypeDelivered] != 1 {
		t.Errorf("delivered count = %d, want 1 (counters move once per event)", st.counts[event.TypeDelivered])
	}
}

func TestProcess_ConcurrentDistinctEvents(t *testing.T) {
	st := newRaceStore()
	p := New(st, &stubQueue{})

	// Parallel events for different recipients all land, and the per-type
	// counts come out exact despite the interleaving.
	types := []event.Type{event.TypeDelivered, event.TypeOpened, event.TypeClicked, event.TypeBounced}
	const perType = 25
	var wg sync.WaitGroup
	for _, typ := range types {
		for i := 0; i < perType; i++ {
			wg.Add(1)
			go func(typ event.Type, i int) {
				defer wg.Done()
				ev := testEvent()
				ev.Type = typ
				ev.ProviderEventID = fmt.Sprintf("ev-%s-%d", typ, i)
				outcome, err := p.Process(context.Background(), ev)
				if err != nil {
					t.Errorf("Process() error: %v", err)
					return
				}
				if outcome != OutcomeApplied {
					t.Errorf("outcome = %v, want applied for distinct event", outcome)
				}
			}(typ, i)
		}
	}
	wg.Wait()

	for _, typ := range types {
		if got := st.counts[typ]; got != perType {
			t.Errorf("%s count = %d, want %d", typ, got, perType)
		}
	}
}

func TestRetryAttempt(t *testing.T) {
	p := New(&stubStore{resolveErr: store.ErrEnrollmentNotFound}, &stubQueue{})

	err := p.RetryAttempt(context.Background(), testEvent())
	if !errors.Is(err, store.ErrEnrollmentNotFound) {
		t.Errorf("error = %v, want ErrEnrollmentNotFound (scheduler handles rescheduling)", err)
	}

	p2 := New(&stubStore{}, &stubQueue{})
	if err := p2.RetryAttempt(context.Background(), testEvent()); err != nil {
		t.Errorf("RetryAttempt() error: %v", err)
	}
}
