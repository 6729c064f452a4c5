package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/logger"
)

// Publisher delivers claimed entries to the bus.
type Publisher interface {
	Publish(ctx context.Context, ev *event.Event) error
}

// DeadLetterSink receives entries whose delivery exhausted retries.
type DeadLetterSink interface {
	Add(ctx context.Context, e *Entry, cause error) error
}

// MetricsRecorder defines the interface for recording relay metrics.
type MetricsRecorder interface {
	RecordOutboxPublished()
	RecordOutboxRetry()
	RecordOutboxDLQ()
	RecordOutboxPollEmpty()
	SetOutboxPending(n float64)
}

// Config controls relay pacing and retry policy.
type Config struct {
	// PollInterval is the delivery loop cadence.
	PollInterval time.Duration
	// MaxBatch caps entries fetched per poll.
	MaxBatch int
	// MaxRetries is the delivery attempt cap. An entry whose retry
	// count reaches it is marked FAILED and handed to the sink.
	MaxRetries int
	// StaleClaimAfter returns IN_FLIGHT claims older than this to
	// PENDING. Covers claims left behind by a crashed relay.
	StaleClaimAfter time.Duration
	// StaleSweepInterval is the stale-claim sweeper cadence.
	StaleSweepInterval time.Duration
	// PublishRate caps deliveries per second. Zero means unpaced.
	PublishRate float64
	// PublishBurst is the limiter burst size.
	PublishBurst int
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:       time.Second,
		MaxBatch:           50,
		MaxRetries:         5,
		StaleClaimAfter:    30 * time.Second,
		StaleSweepInterval: 30 * time.Second,
		PublishBurst:       1,
	}
}

// RelayStats is a snapshot of relay progress.
type RelayStats struct {
	Published    int64
	Retried      int64
	DeadLettered int64
}

// Relay drains the outbox in the background: claim, publish, finalize.
type Relay struct {
	service     string
	cfg         Config
	store       *Store
	publisher   Publisher
	deadLetters DeadLetterSink
	limiter     *rate.Limiter
	log         logger.Logger
	metrics     MetricsRecorder

	published    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64

	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewRelay creates a relay for the named service. The dead letter sink
// may be nil, exhausted entries are then only marked FAILED.
func NewRelay(service string, cfg Config, store *Store, publisher Publisher, deadLetters DeadLetterSink) (*Relay, error) {
	if service == "" {
		return nil, fmt.Errorf("outbox: service name is required")
	}
	if store == nil {
		return nil, fmt.Errorf("outbox: store cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox: publisher cannot be nil")
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = def.StaleClaimAfter
	}
	if cfg.StaleSweepInterval <= 0 {
		cfg.StaleSweepInterval = def.StaleSweepInterval
	}
	if cfg.PublishBurst <= 0 {
		cfg.PublishBurst = def.PublishBurst
	}

	var limiter *rate.Limiter
	if cfg.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), cfg.PublishBurst)
	}
	return &Relay{
		service:     service,
		cfg:         cfg,
		store:       store,
		publisher:   publisher,
		deadLetters: deadLetters,
		limiter:     limiter,
		log:         logger.Global().With("component", "outbox", "service", service),
		metrics:     &nopMetrics{},
		stopCh:      make(chan struct{}),
	}, nil
}

// SetMetrics sets the metrics recorder for the relay.
func (r *Relay) SetMetrics(m MetricsRecorder) {
	if m != nil {
		r.metrics = m
	}
}

// Start launches the delivery loop and the stale-claim sweeper.
func (r *Relay) Start() {
	r.startOnce.Do(func() {
		r.running.Store(true)
		r.wg.Add(2)
		go r.pollLoop()
		go r.staleLoop()
		r.log.Info("outbox relay started",
			"poll_interval", r.cfg.PollInterval, "max_batch", r.cfg.MaxBatch)
	})
}

// Stop halts the relay. Claimed entries it did not finalize are
// returned to PENDING by the stale-claim sweep of the next run.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.running.Store(false)
		close(r.stopCh)
		r.wg.Wait()
		r.log.Info("outbox relay stopped")
	})
}

// Stats returns a snapshot of relay progress.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Published:    r.published.Load(),
		Retried:      r.retried.Load(),
		DeadLettered: r.deadLettered.Load(),
	}
}

func (r *Relay) pollLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.drainOnce(context.Background())
		}
	}
}

func (r *Relay) staleLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.StaleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-r.cfg.StaleClaimAfter)
			n, err := r.store.ReclaimStale(context.Background(), cutoff)
			if err != nil {
				r.log.Error("stale claim sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.log.Warn("reclaimed stale outbox claims", "count", n)
			}
		}
	}
}

func (r *Relay) drainOnce(ctx context.Context) {
	batch, err := r.store.OldestPending(ctx, r.cfg.MaxBatch)
	if err != nil {
		r.log.Error("outbox poll failed", "error", err)
		return
	}
	if len(batch) == 0 {
		r.metrics.RecordOutboxPollEmpty()
		r.updatePendingGauge(ctx)
		return
	}

	for _, e := range batch {
		select {
		case <-r.stopCh:
			return
		default:
		}
		r.deliver(ctx, e)
	}
	r.updatePendingGauge(ctx)
}

func (r *Relay) deliver(ctx context.Context, e *Entry) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
	}

	token := uuid.NewString()
	key := e.MapKey()
	claimed, ok, err := r.store.Claim(ctx, key, token)
	if err != nil {
		r.log.Error("outbox claim failed", "entry_id", e.EntryID, "error", err)
		return
	}
	if !ok {
		return
	}

	ev, err := claimed.Event()
	if err != nil {
		// Poison payload, no retry can deliver it.
		r.fail(ctx, key, token, claimed, err)
		return
	}

	if err := r.publisher.Publish(ctx, ev); err != nil {
		if claimed.RetryCount+1 >= r.cfg.MaxRetries {
			r.fail(ctx, key, token, claimed, err)
			return
		}
		advanced, reqErr := r.store.Requeue(ctx, key, token, err)
		if reqErr != nil {
			r.log.Error("outbox requeue failed", "entry_id", claimed.EntryID, "error", reqErr)
			return
		}
		if advanced {
			r.retried.Add(1)
			r.metrics.RecordOutboxRetry()
			r.log.Warn("outbox delivery failed, requeued",
				"entry_id", claimed.EntryID, "topic", claimed.DestinationTopic,
				"retry_count", claimed.RetryCount+1, "error", err)
		}
		return
	}

	advanced, err := r.store.MarkDelivered(ctx, key, token)
	if err != nil {
		r.log.Error("outbox mark delivered failed", "entry_id", claimed.EntryID, "error", err)
		return
	}
	if advanced {
		r.published.Add(1)
		r.metrics.RecordOutboxPublished()
	}
}

func (r *Relay) fail(ctx context.Context, key, token string, e *Entry, cause error) {
	advanced, err := r.store.MarkFailed(ctx, key, token, cause)
	if err != nil {
		r.log.Error("outbox mark failed errored", "entry_id", e.EntryID, "error", err)
		return
	}
	if !advanced {
		return
	}
	if r.deadLetters != nil {
		if err := r.deadLetters.Add(ctx, e, cause); err != nil {
			r.log.Error("dead letter sink rejected entry", "entry_id", e.EntryID, "error", err)
		}
	}
	r.deadLettered.Add(1)
	r.metrics.RecordOutboxDLQ()
	r.log.Error("outbox delivery exhausted retries",
		"entry_id", e.EntryID, "topic", e.DestinationTopic, "error", cause)
}

func (r *Relay) updatePendingGauge(ctx context.Context) {
	stats, err := r.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	r.metrics.SetOutboxPending(float64(stats.Pending + stats.InFlight))
}

// nopMetrics is a no-op implementation of MetricsRecorder.
type nopMetrics struct{}

func (n *nopMetrics) RecordOutboxPublished()     {}
func (n *nopMetrics) RecordOutboxRetry()         {}
func (n *nopMetrics) RecordOutboxDLQ()           {}
func (n *nopMetrics) RecordOutboxPollEmpty()     {}
func (n *nopMetrics) SetOutboxPending(v float64) {}
