package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/event"
)

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func testEvent(t event.Type, providerEventID string) *event.CanonicalEvent {
	return &event.CanonicalEvent{
		ProviderEventID: providerEventID,
		Channel:         event.ChannelEmail,
		Type:            t,
		InstanceID:      uuid.New(),
		ContactRef:      "a@b.com",
		OccurredAt:      time.Now().UTC(),
		RawPayload:      []byte(`{}`),
	}
}

func testEnrollment() *Enrollment {
	return &Enrollment{
		ID:         uuid.New(),
		InstanceID: uuid.New(),
		ContactID:  uuid.New(),
		Status:     StatusActive,
	}
}

func TestResolveEnrollment_Found(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	ev := testEvent(event.TypeDelivered, "ev-1")
	enrID := uuid.New()
	contactID := uuid.New()

	mock.ExpectQuery("SELECT e.id, e.instance_id, e.contact_id, e.status, e.current_step, e.next_action_at").
		WithArgs(ev.InstanceID, ev.ContactRef).
		WillReturnRows(sqlmock.NewRows([]string{"id", "instance_id", "contact_id", "status", "current_step", "next_action_at"}).
			AddRow(enrID, ev.InstanceID, contactID, StatusActive, 2, nil))

	enr, err := st.ResolveEnrollment(context.Background(), ev)
	if err != nil {
		t.Fatalf("ResolveEnrollment() error: %v", err)
	}
	if enr.ID != enrID {
		t.Errorf("enrollment id = %s, want %s", enr.ID, enrID)
	}
	if enr.CurrentStep != 2 {
		t.Errorf("current step = %d, want 2", enr.CurrentStep)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestResolveEnrollment_NotFound(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	ev := testEvent(event.TypeDelivered, "ev-1")
	mock.ExpectQuery("SELECT e.id, e.instance_id").
		WillReturnError(sql.ErrNoRows)

	_, err := st.ResolveEnrollment(context.Background(), ev)
	if !errors.Is(err, ErrEnrollmentNotFound) {
		t.Errorf("error = %v, want ErrEnrollmentNotFound", err)
	}
}

func TestApplyEvent_Applied(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	ev := testEvent(event.TypeDelivered, "ev-1")
	enr := testEnrollment()
	insertedID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO outreach_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(insertedID))
	mock.ExpectExec("UPDATE outreach_campaign_instances").
		WithArgs(enr.InstanceID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// delivered moves a counter but triggers no enrollment transition
	mock.ExpectCommit()

	res, err := st.ApplyEvent(context.Background(), enr, ev)
	if err != nil {
		t.Fatalf("ApplyEvent() error: %v", err)
	}
	if res.Duplicate {
		t.Error("first apply should not report duplicate")
	}
	if res.EventID != insertedID {
		t.Errorf("event id = %s, want %s", res.EventID, insertedID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestApplyEvent_Duplicate(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	ev := testEvent(event.TypeDelivered, "ev-1")
	enr := testEnrollment()

	mock.ExpectBegin()
	// ON CONFLICT DO NOTHING returns no row: already applied.
	mock.ExpectQuery("INSERT INTO outreach_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	res, err := st.ApplyEvent(context.Background(), enr, ev)
	if err != nil {
		t.Fatalf("duplicate must be success-as-noop, got error: %v", err)
	}
	if !res.Duplicate {
		t.Error("expected duplicate result")
	}
	// No counter update, no transition: ExpectationsWereMet proves the
	// transaction touched nothing after the conflict.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestApplyEvent_RepliedCompletesEnrollment(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	ev := testEvent(event.TypeReplied, "ev-2")
	enr := testEnrollment()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO outreach_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New()))
	mock.ExpectExec("UPDATE outreach_campaign_instances").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outreach_enrollments").
		WithArgs(enr.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if _, err := st.ApplyEvent(context.Background(), enr, ev); err != nil {
		t.Fatalf("ApplyEvent() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestApplyEvent_InsertFailureRollsBack(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	ev := testEvent(event.TypeDelivered, "ev-1")
	enr := testEnrollment()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO outreach_events").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if _, err := st.ApplyEvent(context.Background(), enr, ev); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEnsureContact_ByEmail(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("INSERT INTO outreach_contacts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))

	got, err := st.EnsureContact(context.Background(), "A@B.com", "")
	if err != nil {
		t.Fatalf("EnsureContact() error: %v", err)
	}
	if got != id {
		t.Errorf("contact id = %s, want %s", got, id)
	}
}

func TestEnsureContact_RequiresIdentity(t *testing.T) {
	st, _, cleanup := setupTestDB(t)
	defer cleanup()

	if _, err := st.EnsureContact(context.Background(), "", ""); err == nil {
		t.Error("expected error when both identities are empty")
	}
}

func TestCreateEnrollment_New(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("INSERT INTO outreach_enrollments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))

	got, created, err := st.CreateEnrollment(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("CreateEnrollment() error: %v", err)
	}
	if !created {
		t.Error("expected created=true")
	}
	if got != id {
		t.Errorf("enrollment id = %s, want %s", got, id)
	}
}

func TestCreateEnrollment_ExistingWins(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	existing := uuid.New()
	// Conflict on the uniqueness constraint: insert returns nothing, the
	// existing row is read back instead.
	mock.ExpectQuery("INSERT INTO outreach_enrollments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM outreach_enrollments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existing))

	got, created, err := st.CreateEnrollment(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("CreateEnrollment() error: %v", err)
	}
	if created {
		t.Error("expected created=false for duplicate enrollment")
	}
	if got != existing {
		t.Errorf("enrollment id = %s, want existing %s", got, existing)
	}
}

func TestCounterColumns_CoverAllTypes(t *testing.T) {
	types := []event.Type{
		event.TypeSent, event.TypeDelivered, event.TypeOpened, event.TypeClicked,
		event.TypeReplied, event.TypeBounced, event.TypeUnsubscribed, event.TypeConnectionAccepted,
	}
	for _, tp := range types {
		if _, ok := counterColumns[tp]; !ok {
			t.Errorf("no counter column mapped for %s", tp)
		}
	}
}
