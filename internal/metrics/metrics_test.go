package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordAlertRaised(t *testing.T) {
	RecordAlertRaised("LOW_STOCK", "EMERGENCY")
	RecordAlertRaised("OVERSTOCK", "WARNING")
}

func TestRecordAlertTransition(t *testing.T) {
	RecordAlertTransition("acknowledged")
	RecordAlertTransition("resolved")
}

func TestRecordIntakeEvent(t *testing.T) {
	RecordIntakeEvent("kafka", "processed")
	RecordIntakeEvent("sqs", "malformed")
	AddIntakeQueueDepth(3)
	AddIntakeQueueDepth(-3)
}

func TestRecordNotificationProcessed(t *testing.T) {
	RecordNotificationProcessed("sent", "email")
	RecordNotificationProcessed("failed", "sms")
}

func TestRecordNotificationLatency(t *testing.T) {
	RecordNotificationLatency("email", 500*time.Millisecond)
	RecordNotificationLatency("sms", 200*time.Millisecond)
}

func TestRecordIdempotencyHit(t *testing.T) {
	RecordIdempotencyHit()
	RecordIdempotencyHit()
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection("api")
	RecordRateLimitRejection("channel")
}

func TestRecordSchedulerRun(t *testing.T) {
	RecordSchedulerRun("retry", errors.New("db down"), time.Second)
	RecordSchedulerRun("retry", nil, time.Second)

	body := scrape(t)
	if !strings.Contains(body, `stockpulse_scheduler_runs_total{result="error",task="retry"}`) {
		t.Error("expected failed retry run in scrape output")
	}
}

func TestStatsGauges(t *testing.T) {
	SetAlertCount("ACTIVE", 4)
	SetNotificationCount("failed", 2)
	SetChannelSuccessRate("ops-email", 0.75)

	if body := scrape(t); !strings.Contains(body, `stockpulse_channel_success_ratio{channel="ops-email"} 0.75`) {
		t.Error("success rate gauge missing from scrape output")
	}
}

func TestSetDBConnections(t *testing.T) {
	SetDBConnections(10)
	SetDBConnections(20)
}

func TestSetRedisConnections(t *testing.T) {
	SetRedisConnections(5)
	SetRedisConnections(10)
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if len(body) == 0 {
		t.Error("metrics response should not be empty")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/alerts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/v1/alerts/abc-123", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	body := scrape(t)
	if !strings.Contains(body, `path="/v1/alerts/{id}"`) {
		t.Error("expected request recorded under route pattern")
	}
	if strings.Contains(body, "abc-123") {
		t.Error("raw path leaked into labels")
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}
