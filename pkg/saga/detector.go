package saga

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/logger"
)

// EventSagaTimedOut is published for every saga the detector expires.
const EventSagaTimedOut = "SagaTimedOut"

// DetectorConfig tunes the timeout sweeper.
type DetectorConfig struct {
	// CheckInterval is how often the sweep runs.
	CheckInterval time.Duration

	// MaxBatch caps how many sagas one sweep finalizes.
	MaxBatch int

	// DisableAutoCompensate skips launching compensation for the
	// sagas this detector expires.
	DisableAutoCompensate bool
}

// DefaultDetectorConfig returns production defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		CheckInterval: 5 * time.Second,
		MaxBatch:      100,
	}
}

// Compensator undoes the completed steps of an expired saga. The
// orchestrator satisfies it.
type Compensator interface {
	Compensate(ctx context.Context, st *State) error
}

// DetectorOption customizes a detector.
type DetectorOption func(d *Detector)

// WithTimeoutPublisher publishes a SagaTimedOut event for every saga
// the detector expires.
func WithTimeoutPublisher(pub Publisher) DetectorOption {
	return func(d *Detector) { d.pub = pub }
}

// WithCompensator compensates the sagas this detector expires.
func WithCompensator(c Compensator) DetectorOption {
	return func(d *Detector) { d.comp = c }
}

// Detector sweeps the state store for sagas past their deadline and
// finalizes each to TIMED_OUT. The terminal transition is idempotent,
// so detectors on multiple nodes may race on the same saga and still
// act exactly once. An atomic flag keeps sweeps on one node from
// overlapping.
type Detector struct {
	store   *StateStore
	cfg     DetectorConfig
	pub     Publisher
	comp    Compensator
	log     logger.Logger
	metrics MetricsRecorder

	sweeping  atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewDetector creates a detector over the given store.
func NewDetector(store *StateStore, cfg DetectorConfig, opts ...DetectorOption) (*Detector, error) {
	if store == nil {
		return nil, fmt.Errorf("saga: state store cannot be nil")
	}
	def := DefaultDetectorConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}

	d := &Detector{
		store:   store,
		cfg:     cfg,
		log:     logger.Global().With("component", "timeout_detector"),
		metrics: &nopMetrics{},
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// SetMetrics wires a metrics recorder. A nil recorder is ignored.
func (d *Detector) SetMetrics(m MetricsRecorder) {
	if m != nil {
		d.metrics = m
	}
}

// Start launches the sweep loop.
func (d *Detector) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.loop()
		d.log.Info("timeout detector started",
			"check_interval", d.cfg.CheckInterval, "max_batch", d.cfg.MaxBatch)
	})
}

// Stop halts the sweep loop.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()
		d.log.Info("timeout detector stopped")
	})
}

func (d *Detector) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if _, err := d.Sweep(context.Background()); err != nil {
				d.log.Error("timeout sweep failed", "error", err)
			}
		}
	}
}

// Sweep finds expired sagas and finalizes each to TIMED_OUT,
// returning how many this call advanced. A sweep already running on
// this node makes it a no-op.
func (d *Detector) Sweep(ctx context.Context) (int, error) {
	if !d.sweeping.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer d.sweeping.Store(false)

	expired, err := d.store.FindTimedOut(ctx, d.cfg.MaxBatch)
	if err != nil {
		return 0, err
	}

	acted := 0
	for _, st := range expired {
		final, advanced, err := d.store.CompleteSaga(ctx, st.SagaID, StatusTimedOut)
		if err != nil {
			d.log.Error("timeout finalization failed", "saga_id", st.SagaID, "error", err)
			continue
		}
		if !advanced {
			continue
		}
		acted++
		d.metrics.RecordSagaTimedOut(final.SagaType)
		d.metrics.RecordSagaDuration(final.SagaType, time.Since(final.StartedAt))
		d.log.Warn("saga timed out",
			"saga_id", final.SagaID, "saga_type", final.SagaType, "deadline", final.Deadline)

		d.publishTimeout(ctx, final)

		if !d.cfg.DisableAutoCompensate && d.comp != nil {
			if err := d.comp.Compensate(ctx, final); err != nil {
				d.log.Error("timeout compensation failed", "saga_id", final.SagaID, "error", err)
			}
		}
	}
	return acted, nil
}

func (d *Detector) publishTimeout(ctx context.Context, st *State) {
	if d.pub == nil {
		return
	}
	payload := event.NewRecord("saga").
		Set("saga_id", st.SagaID).
		Set("saga_type", st.SagaType).
		Set("deadline", st.Deadline.Format(time.RFC3339Nano))
	ev, err := event.New(event.NewEventInput{
		EventType:     EventSagaTimedOut,
		EntityKey:     st.SagaID,
		Payload:       payload,
		CorrelationID: st.CorrelationID,
	})
	if err != nil {
		d.log.Error("timeout event build failed", "saga_id", st.SagaID, "error", err)
		return
	}
	ev.SagaID = st.SagaID
	ev.SagaType = st.SagaType
	if err := d.pub.Publish(ctx, ev); err != nil {
		d.log.Error("timeout event publish failed", "saga_id", st.SagaID, "error", err)
	}
}
