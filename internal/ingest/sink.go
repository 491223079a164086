// Package ingest hands normalized records to downstream storage and
// triggers classification.
package ingest

import (
	"context"
	"errors"

	"github.com/nhle/mailsync/internal/model"
)

// Sink receives normalized records. Upsert must be idempotent by
// record id: delivering the same record twice has the effect of once.
type Sink interface {
	Upsert(ctx context.Context, rec *model.MessageRecord) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec *model.MessageRecord) error

// Upsert calls f(ctx, rec).
func (f SinkFunc) Upsert(ctx context.Context, rec *model.MessageRecord) error {
	return f(ctx, rec)
}

// Fanout delivers every record to each sink in order. Delivery stops at
// the first failure; since every sink is idempotent, the retry of the
// whole record is safe.
type Fanout []Sink

// Upsert implements Sink.
func (f Fanout) Upsert(ctx context.Context, rec *model.MessageRecord) error {
	for _, s := range f {
		if err := s.Upsert(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Pipeline upserts into a sink and, once that succeeded, queues the
// record for classification.
type Pipeline struct {
	sink       Sink
	dispatcher *Dispatcher
}

// NewPipeline creates a Pipeline. A nil dispatcher disables classification.
func NewPipeline(sink Sink, dispatcher *Dispatcher) *Pipeline {
	return &Pipeline{sink: sink, dispatcher: dispatcher}
}

// Upsert implements Sink.
func (p *Pipeline) Upsert(ctx context.Context, rec *model.MessageRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("record without id")
	}
	if err := p.sink.Upsert(ctx, rec); err != nil {
		return err
	}
	if p.dispatcher != nil {
		p.dispatcher.Enqueue(rec)
	}
	return nil
}
