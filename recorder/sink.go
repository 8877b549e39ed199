package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/auditmos/adminpanel/storage"
)

// Sink persists a finished record. storage.RecordRepo implementations
// satisfy it directly.
type Sink interface {
	Save(ctx context.Context, rec *storage.Record) error
}

type SinkFunc func(ctx context.Context, rec *storage.Record) error

func (f SinkFunc) Save(ctx context.Context, rec *storage.Record) error { return f(ctx, rec) }

// JSONSink writes one JSON object per line.
type JSONSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{w: w}
}

func (s *JSONSink) Save(ctx context.Context, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(data)
	return err
}

// MultiSink saves to every sink even when one fails and joins the errors.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Save(ctx context.Context, rec *storage.Record) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Save(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
