package metrics

import (
	"errors"

	coremetrics "github.com/kilianp07/fleetstream/core/metrics"
)

// MultiSink fans events out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// each calls fn on every sink and joins the errors so that one failing sink
// does not starve the others.
func (m *MultiSink) each(fn func(coremetrics.MetricsSink) error) error {
	var errs []error
	for _, s := range m.Sinks {
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordIngest(ev coremetrics.IngestEvent) error {
	return m.each(func(s coremetrics.MetricsSink) error { return s.RecordIngest(ev) })
}

func (m *MultiSink) RecordConnection(ev coremetrics.ConnectionEvent) error {
	return m.each(func(s coremetrics.MetricsSink) error { return s.RecordConnection(ev) })
}

func (m *MultiSink) RecordSession(ev coremetrics.SessionEvent) error {
	return m.each(func(s coremetrics.MetricsSink) error { return s.RecordSession(ev) })
}

func (m *MultiSink) RecordCommand(ev coremetrics.CommandEvent) error {
	return m.each(func(s coremetrics.MetricsSink) error { return s.RecordCommand(ev) })
}

func (m *MultiSink) RecordHealth(ev coremetrics.HealthEvent) error {
	return m.each(func(s coremetrics.MetricsSink) error { return s.RecordHealth(ev) })
}

// Close closes every sink that holds resources.
func (m *MultiSink) Close() {
	for _, s := range m.Sinks {
		CloseSink(s)
	}
}

// CloseSink releases sink resources when the sink has any.
func CloseSink(s coremetrics.MetricsSink) {
	if c, ok := s.(interface{ Close() }); ok {
		c.Close()
	}
}
