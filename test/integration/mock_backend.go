package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/odflow/model"
)

// MockWebhook is an HTTP test server standing in for the stage-event webhook
// consumer. Responses are scripted in order; once the script runs out the
// last response repeats. Every delivery is recorded.
type MockWebhook struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	responses []int
	current   int
	received  []RecordedEvent
	attempts  int
}

// RecordedEvent captures one delivery accepted by the mock webhook.
type RecordedEvent struct {
	Event      model.StageEvent
	Headers    http.Header
	ReceivedAt time.Time
}

func newMockWebhook(t *testing.T) *MockWebhook {
	t.Helper()

	mw := &MockWebhook{t: t, responses: []int{http.StatusAccepted}}
	mw.server = httptest.NewServer(http.HandlerFunc(mw.handle))
	t.Cleanup(mw.server.Close)
	return mw
}

// URL returns the webhook endpoint.
func (mw *MockWebhook) URL() string {
	return mw.server.URL + "/hooks/stage-events"
}

// RespondWith replaces the response script with the given status codes.
func (mw *MockWebhook) RespondWith(statuses ...int) {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.responses = statuses
	mw.current = 0
}

// Events returns a copy of the successfully delivered events.
func (mw *MockWebhook) Events() []RecordedEvent {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	out := make([]RecordedEvent, len(mw.received))
	copy(out, mw.received)
	return out
}

// Attempts returns the number of deliveries received, including failed ones.
func (mw *MockWebhook) Attempts() int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return mw.attempts
}

// WaitForEvents blocks until at least n events have been delivered or the
// timeout elapses.
func (mw *MockWebhook) WaitForEvents(n int, timeout time.Duration) []RecordedEvent {
	mw.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if events := mw.Events(); len(events) >= n {
			return events
		}
		time.Sleep(10 * time.Millisecond)
	}
	events := mw.Events()
	mw.t.Fatalf("webhook received %d events within %s, want %d", len(events), timeout, n)
	return events
}

// WaitForAttempts blocks until at least n deliveries were attempted.
func (mw *MockWebhook) WaitForAttempts(n int, timeout time.Duration) {
	mw.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if mw.Attempts() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	mw.t.Fatalf("webhook saw %d attempts within %s, want %d", mw.Attempts(), timeout, n)
}

func (mw *MockWebhook) handle(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)

	mw.mu.Lock()
	mw.attempts++
	status := mw.responses[len(mw.responses)-1]
	if mw.current < len(mw.responses) {
		status = mw.responses[mw.current]
		mw.current++
	}
	if status < 300 {
		var event model.StageEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			mw.mu.Unlock()
			http.Error(w, "bad event", http.StatusBadRequest)
			return
		}
		mw.received = append(mw.received, RecordedEvent{
			Event:      event,
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		})
	}
	mw.mu.Unlock()

	w.WriteHeader(status)
}
