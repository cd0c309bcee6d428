package webhook

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ignite/outreach-engine/internal/event"
	"github.com/ignite/outreach-engine/internal/ingest"
)

// stubProcessor records calls and returns a configured outcome.
type stubProcessor struct {
	calls   int64
	outcome ingest.Outcome
	err     error
}

func (p *stubProcessor) Process(ctx context.Context, ev *event.CanonicalEvent) (ingest.Outcome, error) {
	atomic.AddInt64(&p.calls, 1)
	return p.outcome, p.err
}

const testSecret = "test-signing-secret"

func newTestReceiver(p Processor, maxBody int64) *Receiver {
	verifiers := map[string]Verifier{
		ProviderEmail:   NewHMACVerifier(testSecret, "X-Webhook-Signature", ""),
		ProviderNetwork: NewHMACVerifier(testSecret, "X-Hub-Signature-256", "sha256="),
		ProviderVideo:   NewBearerVerifier("video-token"),
	}
	return NewReceiver(p, verifiers, maxBody)
}

func postSigned(t *testing.T, rc *Receiver, provider string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/"+provider, bytes.NewReader(body))
	switch provider {
	case ProviderEmail:
		req.Header.Set("X-Webhook-Signature", signBody(testSecret, body))
	case ProviderNetwork:
		req.Header.Set("X-Hub-Signature-256", "sha256="+signBody(testSecret, body))
	case ProviderVideo:
		req.Header.Set("Authorization", "Bearer video-token")
	}
	w := httptest.NewRecorder()
	rc.Routes().ServeHTTP(w, req)
	return w
}

func emailBody(eventType string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":"ev-1","event":"%s","recipient":"a@b.com","campaign_ref":"%s","timestamp":1756600000}`,
		eventType, testInstanceID,
	))
}

func TestHandle_Applied(t *testing.T) {
	p := &stubProcessor{outcome: ingest.OutcomeApplied}
	rc := newTestReceiver(p, 0)

	w := postSigned(t, rc, ProviderEmail, emailBody("delivered"))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if p.calls != 1 {
		t.Errorf("pipeline calls = %d, want 1", p.calls)
	}
	if got := rc.Stats()["received"]; got != 1 {
		t.Errorf("received = %d, want 1", got)
	}
}

func TestHandle_Duplicate(t *testing.T) {
	p := &stubProcessor{outcome: ingest.OutcomeDuplicate}
	rc := newTestReceiver(p, 0)

	w := postSigned(t, rc, ProviderEmail, emailBody("delivered"))
	if w.Code != http.StatusOK {
		t.Errorf("duplicate must still return 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "duplicate") {
		t.Errorf("body = %s, want duplicate marker", w.Body.String())
	}
	if got := rc.Stats()["duplicates"]; got != 1 {
		t.Errorf("duplicates = %d, want 1", got)
	}
}

func TestHandle_Queued(t *testing.T) {
	p := &stubProcessor{outcome: ingest.OutcomeQueued}
	rc := newTestReceiver(p, 0)

	w := postSigned(t, rc, ProviderEmail, emailBody("delivered"))
	if w.Code != http.StatusAccepted {
		t.Errorf("queued orphan should return 202, got %d", w.Code)
	}
	if got := rc.Stats()["queued"]; got != 1 {
		t.Errorf("queued = %d, want 1", got)
	}
}

func TestHandle_BadSignature(t *testing.T) {
	p := &stubProcessor{outcome: ingest.OutcomeApplied}
	rc := newTestReceiver(p, 0)

	// Repeated invalid signatures: every attempt gets 401 and the pipeline
	// is never invoked.
	for i := 0; i < 2; i++ {
		body := emailBody("delivered")
		req := httptest.NewRequest("POST", "/email", bytes.NewReader(body))
		req.Header.Set("X-Webhook-Signature", signBody("attacker-secret", body))
		w := httptest.NewRecorder()
		rc.Routes().ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("attempt %d: status = %d, want 401", i+1, w.Code)
		}
	}
	if p.calls != 0 {
		t.Errorf("pipeline calls = %d, want 0 (unauthenticated events must never reach the pipeline)", p.calls)
	}
	if got := rc.Stats()["rejected"]; got != 2 {
		t.Errorf("rejected = %d, want 2", got)
	}
}

func TestHandle_UnsupportedEventType(t *testing.T) {
	p := &stubProcessor{outcome: ingest.OutcomeApplied}
	rc := newTestReceiver(p, 0)

	w := postSigned(t, rc, ProviderEmail, emailBody("list_rebuild"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if p.calls != 0 {
		t.Errorf("pipeline calls = %d, want 0", p.calls)
	}
}

func TestHandle_MalformedPayload(t *testing.T) {
	p := &stubProcessor{outcome: ingest.OutcomeApplied}
	rc := newTestReceiver(p, 0)

	w := postSigned(t, rc, ProviderEmail, []byte(`{"event":`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandle_OversizedBody(t *testing.T) {
	p := &stubProcessor{outcome: ingest.OutcomeApplied}
	rc := newTestReceiver(p, 64)

	big := bytes.Repeat([]byte("x"), 256)
	w := postSigned(t, rc, ProviderEmail, big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
	if p.calls != 0 {
		t.Errorf("pipeline calls = %d, want 0", p.calls)
	}
}

func TestHandle_UnknownProvider(t *testing.T) {
	p := &stubProcessor{outcome: ingest.OutcomeApplied}
	rc := newTestReceiver(p, 0)

	req := httptest.NewRequest("POST", "/pigeon", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	rc.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandle_IntakeUnavailable(t *testing.T) {
	p := &stubProcessor{outcome: ingest.OutcomeQueued, err: fmt.Errorf("fallback buffer full")}
	rc := newTestReceiver(p, 0)

	w := postSigned(t, rc, ProviderEmail, emailBody("delivered"))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when the event cannot be accepted anywhere", w.Code)
	}
}

func TestHandle_VideoBearer(t *testing.T) {
	p := &stubProcessor{outcome: ingest.OutcomeApplied}
	rc := newTestReceiver(p, 0)

	body := []byte(fmt.Sprintf(
		`{"action":"cta_click","viewer":"v@example.com","campaign_ref":"%s","timestamp_ms":1756600000000}`,
		testInstanceID,
	))
	w := postSigned(t, rc, ProviderVideo, body)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	// Same request without the token.
	req := httptest.NewRequest("POST", "/video", bytes.NewReader(body))
	w2 := httptest.NewRecorder()
	rc.Routes().ServeHTTP(w2, req)
	if w2.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w2.Code)
	}
}
