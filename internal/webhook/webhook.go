// Package webhook delivers task lifecycle callbacks. Deliveries are
// fire-and-forget from the request path: a bounded queue feeds a worker
// pool that retries with capped backoff, signs payloads when a secret is
// configured, and paces per destination host. Semantics are at-least-once;
// receivers must be idempotent.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/functionsdo/gateway/internal/byfn"
	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/logging"
)

// Delivery is one callback order and its outcome.
type Delivery struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	URL       string          `json:"url"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`

	Attempts    int       `json:"attempts"`
	Delivered   bool      `json:"delivered"`
	LastError   string    `json:"lastError,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// MetricsSnapshot is a point-in-time view of delivery counters.
type MetricsSnapshot struct {
	Enqueued  int64 `json:"enqueued"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Retried   int64 `json:"retried"`
}

// Stats is the admin view of the deliverer.
type Stats struct {
	QueueSize int             `json:"queue_size"`
	QueueUsed int             `json:"queue_used"`
	Metrics   MetricsSnapshot `json:"metrics"`
	Recent    []Delivery      `json:"recent"`
}

// Deliverer owns the queue and worker pool.
type Deliverer struct {
	queue       chan *Delivery
	client      *http.Client
	secret      string
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	ratePerHost float64
	hosts       *byfn.Manager[*rate.Limiter]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	history   []Delivery
	enqueued  int64
	delivered int64
	failed    int64
	dropped   int64
	retried   int64
}

const historySize = 100

// New starts a deliverer with cfg.Workers workers.
func New(cfg config.WebhookConfig) *Deliverer {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Deliverer{
		queue:       make(chan *Delivery, queueSize),
		client:      &http.Client{Timeout: timeout},
		secret:      cfg.Secret,
		maxRetries:  maxRetries,
		baseBackoff: 500 * time.Millisecond,
		maxBackoff:  maxBackoff,
		ratePerHost: cfg.RatePerHost,
		hosts:       byfn.New[*rate.Limiter](),
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue queues one delivery. Non-blocking: when the queue is full the
// delivery is dropped and counted, never backing up the request path.
func (d *Deliverer) Enqueue(event, callbackURL string, payload any) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Error("webhook payload not serializable", zap.String("event", event), zap.Error(err))
		return false
	}

	delivery := &Delivery{
		ID:        uuid.NewString(),
		Event:     event,
		URL:       callbackURL,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}

	d.mu.Lock()
	d.enqueued++
	d.mu.Unlock()

	select {
	case d.queue <- delivery:
		return true
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		logging.Warn("webhook queue full, delivery dropped",
			zap.String("event", event),
			zap.String("url", callbackURL))
		return false
	}
}

// Close stops the workers. Queued deliveries that have not started are
// abandoned; in-flight attempts finish their current request.
func (d *Deliverer) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Deliverer) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case delivery, ok := <-d.queue:
			if !ok {
				return
			}
			d.attempt(delivery)
		}
	}
}

// attempt runs the retry loop for one delivery and records the outcome.
func (d *Deliverer) attempt(delivery *Delivery) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.baseBackoff
	policy.MaxInterval = d.maxBackoff

	err := backoff.Retry(func() error {
		if delivery.Attempts > 0 {
			d.mu.Lock()
			d.retried++
			d.mu.Unlock()
		}
		delivery.Attempts++

		err := d.deliver(delivery)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.maxRetries)), d.ctx))

	delivery.CompletedAt = time.Now().UTC()
	if err != nil {
		delivery.LastError = err.Error()
		d.mu.Lock()
		d.failed++
		d.mu.Unlock()
		logging.Warn("webhook delivery failed",
			zap.String("event", delivery.Event),
			zap.String("url", delivery.URL),
			zap.Int("attempts", delivery.Attempts),
			zap.Error(err))
	} else {
		delivery.Delivered = true
		d.mu.Lock()
		d.delivered++
		d.mu.Unlock()
	}

	d.mu.Lock()
	d.history = append(d.history, *delivery)
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}
	d.mu.Unlock()
}

// pace blocks until the per-host limiter admits another request.
func (d *Deliverer) pace(rawURL string) {
	if d.ratePerHost <= 0 {
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	limiter := d.hosts.GetOrCreate(u.Host, func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(d.ratePerHost), 1)
	})
	_ = limiter.Wait(d.ctx)
}

// Counters returns the delivery counters without copying the history ring.
// Read at metrics scrape time.
func (d *Deliverer) Counters() MetricsSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return MetricsSnapshot{
		Enqueued:  d.enqueued,
		Delivered: d.delivered,
		Failed:    d.failed,
		Dropped:   d.dropped,
		Retried:   d.retried,
	}
}

// Stats returns a snapshot of queue state, counters, and recent deliveries.
func (d *Deliverer) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	recent := make([]Delivery, len(d.history))
	copy(recent, d.history)
	return Stats{
		QueueSize: cap(d.queue),
		QueueUsed: len(d.queue),
		Metrics: MetricsSnapshot{
			Enqueued:  d.enqueued,
			Delivered: d.delivered,
			Failed:    d.failed,
			Dropped:   d.dropped,
			Retried:   d.retried,
		},
		Recent: recent,
	}
}
