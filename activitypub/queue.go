package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/foresightd/foresight/db"
	"github.com/foresightd/foresight/domain"
	"github.com/foresightd/foresight/util"
	"github.com/google/uuid"
)

const (
	// MaxDeliveryAttempts is the retry budget before a job dead-letters.
	MaxDeliveryAttempts = 10

	deliveryTimeout = 10 * time.Second
	claimBatchSize  = 50
	backoffBase     = time.Minute
	backoffCeiling  = 6 * time.Hour
	maxJitter       = 15 * time.Second
	workerInterval  = 10 * time.Second
)

// DeliveryQueue is the durable outbound work queue. Enqueue is cheap and
// synchronous; actual delivery happens from the worker loop.
type DeliveryQueue struct {
	store  *db.DB
	keys   *KeyManager
	policy SSRFPolicy
	clock  Clock
	client *http.Client
}

func NewDeliveryQueue(store *db.DB, keys *KeyManager, policy SSRFPolicy, clock Clock) *DeliveryQueue {
	return &DeliveryQueue{
		store:  store,
		keys:   keys,
		policy: policy,
		clock:  clock,
		client: &http.Client{Timeout: deliveryTimeout},
	}
}

// Enqueue inserts a pending job due immediately.
func (q *DeliveryQueue) Enqueue(targetURL string, signingKeyId string, payload []byte) (*domain.DeliveryJob, error) {
	now := q.clock.Now()
	job := &domain.DeliveryJob{
		Id:            uuid.New(),
		TargetURL:     targetURL,
		SigningKeyId:  signingKeyId,
		Payload:       string(payload),
		Status:        domain.DeliveryPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := q.store.InsertDeliveryJob(job); err != nil {
		return nil, fmt.Errorf("failed to enqueue delivery: %w", err)
	}
	return job, nil
}

// ProcessDue claims a batch of due jobs and attempts each one. A single
// job's failure (or panic) never aborts the batch.
func (q *DeliveryQueue) ProcessDue(ctx context.Context) {
	jobs, err := q.store.ClaimDueDeliveries(claimBatchSize, q.clock.Now())
	if err != nil {
		log.Printf("DeliveryWorker: Failed to claim batch: %v", err)
		return
	}

	if len(jobs) == 0 {
		return
	}

	log.Printf("DeliveryWorker: Processing %d pending deliveries", len(jobs))

	for i := range jobs {
		q.processJob(ctx, &jobs[i])
	}
}

func (q *DeliveryQueue) processJob(ctx context.Context, job *domain.DeliveryJob) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("DeliveryWorker: Recovered from panic delivering %s: %v", job.TargetURL, r)
			q.recordFailure(job, nil, fmt.Sprintf("panic: %v", r))
		}
	}()

	statusCode, err := q.deliverOnce(ctx, job)
	if err != nil {
		var codePtr *int
		if statusCode != 0 {
			codePtr = &statusCode
		}
		q.recordFailure(job, codePtr, err.Error())
		return
	}

	if err := q.store.MarkDeliveryDelivered(job.Id, q.clock.Now(), statusCode); err != nil {
		log.Printf("DeliveryWorker: Failed to mark %s delivered: %v", job.Id, err)
		return
	}
	log.Printf("DeliveryWorker: Successfully delivered to %s (status: %d)", job.TargetURL, statusCode)
}

func (q *DeliveryQueue) recordFailure(job *domain.DeliveryJob, statusCode *int, lastError string) {
	if job.AttemptCount >= MaxDeliveryAttempts {
		log.Printf("DeliveryWorker: Giving up on delivery to %s after %d attempts", job.TargetURL, job.AttemptCount)
		if err := q.store.MarkDeliveryDead(job.Id, lastError, statusCode); err != nil {
			log.Printf("DeliveryWorker: Failed to dead-letter %s: %v", job.Id, err)
		}
		return
	}

	delay := BackoffDelay(job.AttemptCount) + time.Duration(rand.Int63n(int64(maxJitter)))
	next := q.clock.Now().Add(delay)
	log.Printf("DeliveryWorker: Delivery to %s failed (attempt %d), retry in %s: %s",
		job.TargetURL, job.AttemptCount, delay.Round(time.Second), lastError)
	if err := q.store.MarkDeliveryRetry(job.Id, next, lastError, statusCode); err != nil {
		log.Printf("DeliveryWorker: Failed to schedule retry for %s: %v", job.Id, err)
	}
}

// BackoffDelay returns the base retry delay after the n-th failed
// attempt: 60s doubling per attempt, capped at 6h. Jitter is added by
// the caller to avoid synchronized retry storms against a flapping host.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > 8 {
		exp = 8
	}
	delay := backoffBase * (1 << exp)
	if delay > backoffCeiling {
		delay = backoffCeiling
	}
	return delay
}

// deliverOnce makes exactly one signed POST. Returns the HTTP status
// when a response was received, 0 otherwise.
func (q *DeliveryQueue) deliverOnce(ctx context.Context, job *domain.DeliveryJob) (int, error) {
	if _, err := ResolveSafeURL(ctx, job.TargetURL, q.policy); err != nil {
		return 0, err
	}

	key, err := q.keys.EnsureServerKey()
	if err != nil {
		return 0, fmt.Errorf("failed to load server key: %w", err)
	}

	body := []byte(job.Payload)
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Date", q.clock.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if err := SignRequest(req, body, key.PrivateKeyPem, job.SigningKeyId); err != nil {
		return 0, fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, &UpstreamError{URL: job.TargetURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &UpstreamError{URL: job.TargetURL, StatusCode: resp.StatusCode}
	}

	return resp.StatusCode, nil
}

// DeliveryWorker drains the queue on a recurring timer.
type DeliveryWorker struct {
	queue    *DeliveryQueue
	interval time.Duration
	done     chan struct{}
}

// StartDeliveryWorker launches the background drain loop. Stop cancels
// the timer so it never keeps the process alive on shutdown.
func StartDeliveryWorker(queue *DeliveryQueue, interval time.Duration) *DeliveryWorker {
	if interval <= 0 {
		interval = workerInterval
	}
	w := &DeliveryWorker{
		queue:    queue,
		interval: interval,
		done:     make(chan struct{}),
	}

	log.Println("Starting ActivityPub delivery worker...")
	go w.run()
	return w
}

func (w *DeliveryWorker) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.queue.ProcessDue(context.Background())
		case <-w.done:
			return
		}
	}
}

func (w *DeliveryWorker) Stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}
