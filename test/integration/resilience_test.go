package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/odflow/internal/config"
	"github.com/pitabwire/odflow/internal/notify"
	"github.com/pitabwire/odflow/model"
)

const waitFor = 3 * time.Second

// notificationFailures sums the failure counter across the given actions.
func notificationFailures(h *TestHarness, actions ...model.TimelineAction) float64 {
	var total float64
	for _, a := range actions {
		total += testutil.ToFloat64(h.Metrics.NotificationFailuresTotal.WithLabelValues(string(a)))
	}
	return total
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ==========================================================================
// Webhook Delivery
// ==========================================================================

func TestResilience_WebhookReceivesStageEvents(t *testing.T) {
	h := NewTestHarness(t, WithWebhook(config.CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}))
	sub := h.CreateAndSubmit(t, onDuty, h.GenerateToken(StudentClaims()))

	mentor := h.GenerateToken(ReviewerClaims(model.RoleMentor))
	h.AssertJSON(t, h.Decide(onDuty, sub.ID, model.StageMentor, approve, mentor), http.StatusOK, &sub)

	events := h.Webhook.WaitForEvents(2, waitFor)

	submitted := events[0].Event
	if submitted.Action != model.ActionSubmitted || submitted.SubmissionID != sub.ID {
		t.Errorf("first event = %+v, want SUBMITTED for %s", submitted, sub.ID)
	}
	if len(submitted.NotifyRoles) != 1 || submitted.NotifyRoles[0] != model.RoleMentor {
		t.Errorf("SUBMITTED notify roles = %v, want [MENTOR]", submitted.NotifyRoles)
	}

	approved := events[1].Event
	if approved.Action != model.ActionApproved || approved.PreviousStage != model.StageMentor ||
		approved.Stage != model.StageClassAdvisor {
		t.Errorf("second event = %+v, want APPROVED MENTOR -> CLASS_ADVISOR", approved)
	}
	if got := events[1].Headers.Get("X-Odflow-Event"); got != string(model.ActionApproved) {
		t.Errorf("X-Odflow-Event = %q, want APPROVED", got)
	}
}

func TestResilience_WebhookFailuresDoNotFailDecisions(t *testing.T) {
	h := NewTestHarness(t, WithWebhook(config.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}))
	h.Webhook.RespondWith(http.StatusInternalServerError)

	sub := h.CreateAndSubmit(t, onDuty, h.GenerateToken(StudentClaims()))
	for _, role := range []model.Role{model.RoleMentor, model.RoleClassAdvisor, model.RoleInnovationCoordinator} {
		resp := h.Decide(onDuty, sub.ID, model.Stage(role), approve, h.GenerateToken(ReviewerClaims(role)))
		h.AssertJSON(t, resp, http.StatusOK, &sub)
	}
	if sub.CurrentStage != model.StageHOD {
		t.Fatalf("CurrentStage = %q, want HOD", sub.CurrentStage)
	}

	// Four events, all undelivered: two reach the webhook, the rest are
	// refused by the open breaker.
	waitUntil(t, func() bool {
		return notificationFailures(h, model.ActionSubmitted, model.ActionApproved) == 4
	}, "four notification failures")

	if got := h.Webhook.Attempts(); got != 2 {
		t.Errorf("webhook attempts = %d, want 2", got)
	}
	if h.Breaker.State() != notify.BreakerOpen {
		t.Errorf("breaker = %s, want open", h.Breaker.State())
	}
}

func TestResilience_WebhookBreakerRecovers(t *testing.T) {
	h := NewTestHarness(t, WithWebhook(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          50 * time.Millisecond,
	}))
	h.Webhook.RespondWith(http.StatusBadGateway)

	sub := h.CreateAndSubmit(t, onDuty, h.GenerateToken(StudentClaims()))
	h.Webhook.WaitForAttempts(1, waitFor)
	waitUntil(t, func() bool { return h.Breaker.State() == notify.BreakerOpen }, "breaker to open")

	h.Webhook.RespondWith(http.StatusAccepted)
	time.Sleep(100 * time.Millisecond)

	mentor := h.GenerateToken(ReviewerClaims(model.RoleMentor))
	h.AssertJSON(t, h.Decide(onDuty, sub.ID, model.StageMentor, approve, mentor), http.StatusOK, &sub)

	events := h.Webhook.WaitForEvents(1, waitFor)
	if events[0].Event.Action != model.ActionApproved {
		t.Errorf("delivered action = %q, want APPROVED", events[0].Event.Action)
	}
	// The receiver records the body before the client sees the response.
	waitUntil(t, func() bool { return h.Breaker.State() == notify.BreakerClosed }, "breaker to close")
}

// ==========================================================================
// Redis Inboxes
// ==========================================================================

func TestResilience_RedisInboxes(t *testing.T) {
	h := NewTestHarness(t, WithRedis())
	sub := h.CreateAndSubmit(t, onDuty, h.GenerateToken(StudentClaims()))

	mentorInbox := "inbox:cse:MENTOR"
	waitUntil(t, func() bool {
		items, _ := h.Redis.List(mentorInbox)
		return len(items) == 1
	}, "mentor inbox entry")

	mentor := h.GenerateToken(ReviewerClaims(model.RoleMentor))
	resp := h.Decide(onDuty, sub.ID, model.StageMentor,
		map[string]any{"approved": false, "comments": "Event is outside the approved list"}, mentor)
	h.AssertJSON(t, resp, http.StatusOK, &sub)

	waitUntil(t, func() bool {
		items, _ := h.Redis.List("inbox:student:stu-100")
		return len(items) == 1
	}, "student inbox entry")
}

func TestResilience_RedisOutageReturnsGenericError(t *testing.T) {
	h := NewTestHarness(t, WithRedis())
	student := h.GenerateToken(StudentClaims())
	h.Redis.Close()

	resp := h.POSTWithHeaders("/submissions/"+onDuty, map[string]any{"eventId": "evt-1"}, student,
		map[string]string{"X-Idempotency-Key": "k-1"})
	h.AssertError(t, resp, http.StatusInternalServerError, model.ErrInternalError)
}
