package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// Classifier assigns a label to a record.
type Classifier interface {
	Classify(ctx context.Context, rec *model.MessageRecord) (model.Category, error)
}

// LabelStore applies classification results by record id.
type LabelStore interface {
	UpdateLabel(ctx context.Context, id string, label model.Category) error
	CreateNotification(ctx context.Context, n model.Notification) error
}

// Notifier announces high-value records to outbound delivery.
type Notifier interface {
	NotifyHighValue(ctx context.Context, rec *model.MessageRecord, label model.Category) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Workers   int
	QueueSize int

	// Timeout bounds one classification job. Zero means 30s.
	Timeout time.Duration

	Classifier Classifier
	Labels     LabelStore
	Notifier   Notifier // optional
	Log        zerolog.Logger
}

// Dispatcher runs classification on a bounded worker pool. Enqueue never
// blocks: when the queue is full the job is dropped with a warning.
type Dispatcher struct {
	cfg   DispatcherConfig
	queue chan *model.MessageRecord

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher creates a Dispatcher. Call Run to start the workers.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:   cfg,
		queue: make(chan *model.MessageRecord, cfg.QueueSize),
	}
}

// Enqueue queues rec for classification. It reports false when the job
// was dropped.
func (d *Dispatcher) Enqueue(rec *model.MessageRecord) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}

	select {
	case d.queue <- rec:
		return true
	default:
		metrics.ClassifyDropped.Inc()
		d.cfg.Log.Warn().
			Str("record_id", rec.ID).
			Str("account", rec.AccountID).
			Msg("classification queue full, dropping job")
		return false
	}
}

// Close stops accepting jobs. Workers drain what is already queued and
// then Run returns.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed {
		d.closed = true
		close(d.queue)
	}
}

// Run processes jobs until the queue is closed and drained, or ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case rec, ok := <-d.queue:
					if !ok {
						return nil
					}
					d.process(ctx, rec)
				}
			}
		})
	}
	return g.Wait()
}

// process classifies one record. Failures are logged and never retried;
// they do not affect the sync cursor.
func (d *Dispatcher) process(ctx context.Context, rec *model.MessageRecord) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	log := d.cfg.Log.With().
		Str("record_id", rec.ID).
		Str("account", rec.AccountID).
		Logger()

	label, err := d.cfg.Classifier.Classify(ctx, rec)
	if err != nil {
		err = &source.ClassifyError{RecordID: rec.ID, Err: err}
		log.Warn().Err(err).Msg("classification failed")
		return
	}
	metrics.Classified.WithLabelValues(string(label)).Inc()

	if err := d.cfg.Labels.UpdateLabel(ctx, rec.ID, label); err != nil {
		log.Warn().Err(&source.ClassifyError{RecordID: rec.ID, Err: err}).
			Msg("failed to store label")
		return
	}
	log.Debug().Str("label", string(label)).Msg("record classified")

	if !label.HighValue() {
		return
	}

	n := model.Notification{
		MessageID: rec.ID,
		AccountID: rec.AccountID,
		Category:  label,
		Message:   fmt.Sprintf("%s reply from %s: %s", label, rec.From, rec.Subject),
	}
	if err := d.cfg.Labels.CreateNotification(ctx, n); err != nil {
		log.Warn().Err(err).Msg("failed to store notification")
	}
	if d.cfg.Notifier != nil {
		if err := d.cfg.Notifier.NotifyHighValue(ctx, rec, label); err != nil {
			log.Warn().Err(err).Msg("failed to publish high-value event")
		}
	}
}
