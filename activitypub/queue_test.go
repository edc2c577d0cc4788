package activitypub

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foresightd/foresight/domain"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{8, 128 * time.Minute},
		{9, 256 * time.Minute},
		// The exponent is clamped, then capped at the ceiling.
		{10, 256 * time.Minute},
		{100, 256 * time.Minute},
		{0, time.Minute},
	}

	for _, tt := range tests {
		got := BackoffDelay(tt.attempt)
		want := tt.want
		if want > backoffCeiling {
			want = backoffCeiling
		}
		if got != want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tt.attempt, got, want)
		}
	}
}

func newTestQueue(t *testing.T) (*DeliveryQueue, *fakeClock) {
	t.Helper()
	store := newTestStore(t)
	clock := &fakeClock{now: time.Now()}
	keys := NewKeyManager(store, clock)
	return NewDeliveryQueue(store, keys, testPolicy, clock), clock
}

func TestEnqueueCreatesPendingJob(t *testing.T) {
	q, clock := newTestQueue(t)

	job, err := q.Enqueue("https://remote.example/inbox", "https://us.example/ap/users/alice#main-key", []byte(`{}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job.Status != domain.DeliveryPending {
		t.Errorf("Expected pending status, got %q", job.Status)
	}
	if job.NextAttemptAt.After(clock.Now()) {
		t.Error("Expected job due immediately")
	}

	stored, err := q.store.ReadDeliveryJob(job.Id)
	if err != nil {
		t.Fatalf("ReadDeliveryJob failed: %v", err)
	}
	if stored.AttemptCount != 0 {
		t.Errorf("Expected 0 attempts before processing, got %d", stored.AttemptCount)
	}
}

func TestProcessDueDeliversSignedPost(t *testing.T) {
	var delivered atomic.Int64
	var gotSignature, gotDigest, gotContentType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"type":"Create"}` {
			t.Errorf("Unexpected delivery body: %s", body)
		}
		gotSignature = r.Header.Get("Signature")
		gotDigest = r.Header.Get("Digest")
		gotContentType = r.Header.Get("Content-Type")
		delivered.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	q, _ := newTestQueue(t)
	job, err := q.Enqueue(ts.URL+"/inbox", "https://us.example/ap/users/alice#main-key", []byte(`{"type":"Create"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	q.ProcessDue(context.Background())

	if delivered.Load() != 1 {
		t.Fatalf("Expected 1 delivery, got %d", delivered.Load())
	}
	if gotSignature == "" {
		t.Error("Expected Signature header on delivery")
	}
	if gotDigest == "" {
		t.Error("Expected Digest header on delivery")
	}
	if gotContentType != "application/activity+json" {
		t.Errorf("Unexpected Content-Type: %q", gotContentType)
	}

	stored, err := q.store.ReadDeliveryJob(job.Id)
	if err != nil {
		t.Fatalf("ReadDeliveryJob failed: %v", err)
	}
	if stored.Status != domain.DeliveryDelivered {
		t.Errorf("Expected delivered, got %q", stored.Status)
	}
	if stored.DeliveredAt == nil {
		t.Error("Expected delivered_at set")
	}
	if stored.LastStatusCode == nil || *stored.LastStatusCode != http.StatusAccepted {
		t.Errorf("Expected status code 202 recorded, got %v", stored.LastStatusCode)
	}
}

func TestProcessDueSchedulesRetryOnFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	q, clock := newTestQueue(t)
	job, err := q.Enqueue(ts.URL+"/inbox", "key", []byte(`{}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	q.ProcessDue(context.Background())

	stored, err := q.store.ReadDeliveryJob(job.Id)
	if err != nil {
		t.Fatalf("ReadDeliveryJob failed: %v", err)
	}
	if stored.Status != domain.DeliveryPending {
		t.Fatalf("Expected job still pending for retry, got %q", stored.Status)
	}
	if stored.AttemptCount != 1 {
		t.Errorf("Expected 1 attempt, got %d", stored.AttemptCount)
	}
	if stored.LastStatusCode == nil || *stored.LastStatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500 recorded, got %v", stored.LastStatusCode)
	}
	if stored.LastError == "" {
		t.Error("Expected last error recorded")
	}

	// Next attempt is at least the base backoff away.
	minNext := clock.Now().Add(BackoffDelay(1))
	if stored.NextAttemptAt.Before(minNext) {
		t.Errorf("Expected next attempt >= %v, got %v", minNext, stored.NextAttemptAt)
	}
}

func TestRecordFailureDeadLettersAfterMaxAttempts(t *testing.T) {
	q, _ := newTestQueue(t)
	job, err := q.Enqueue("https://remote.example/inbox", "key", []byte(`{}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Claim so the row exists in the claimed shape, then simulate the
	// final failed attempt.
	claimed, err := q.store.ClaimDueDeliveries(1, q.clock.Now())
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDueDeliveries failed: %v (%d rows)", err, len(claimed))
	}
	claimed[0].AttemptCount = MaxDeliveryAttempts
	code := 502
	q.recordFailure(&claimed[0], &code, "upstream 502")

	stored, err := q.store.ReadDeliveryJob(job.Id)
	if err != nil {
		t.Fatalf("ReadDeliveryJob failed: %v", err)
	}
	if stored.Status != domain.DeliveryDead {
		t.Errorf("Expected dead after max attempts, got %q", stored.Status)
	}
	if stored.LastError != "upstream 502" {
		t.Errorf("Expected last error preserved, got %q", stored.LastError)
	}
}

func TestProcessDueBlocksForbiddenTarget(t *testing.T) {
	store := newTestStore(t)
	clock := &fakeClock{now: time.Now()}
	keys := NewKeyManager(store, clock)
	// Strict policy: loopback targets must be refused at delivery time.
	q := NewDeliveryQueue(store, keys, SSRFPolicy{}, clock)

	stubResolver(t, map[string][]string{"internal.example": {"10.0.0.5"}})

	job, err := q.Enqueue("https://internal.example/inbox", "key", []byte(`{}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	q.ProcessDue(context.Background())

	stored, err := store.ReadDeliveryJob(job.Id)
	if err != nil {
		t.Fatalf("ReadDeliveryJob failed: %v", err)
	}
	if stored.Status != domain.DeliveryPending {
		t.Fatalf("Expected pending after blocked attempt, got %q", stored.Status)
	}
	if stored.AttemptCount != 1 {
		t.Errorf("Expected blocked attempt to count, got %d", stored.AttemptCount)
	}
	if stored.LastError == "" {
		t.Error("Expected ssrf failure recorded in last_error")
	}
}

func TestDeliveryWorkerStopIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	w := StartDeliveryWorker(q, 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	w.Stop()
	w.Stop()
}
