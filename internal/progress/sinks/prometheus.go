package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/edital-crawler/internal/progress"
)

// PrometheusSink counts run-log entries by stage and status.
type PrometheusSink struct {
	entries *prometheus.CounterVec
	errors  *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edital_run_log_entries_total",
			Help: "Run-log entries partitioned by stage and status.",
		}, []string{"stage", "status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edital_run_log_source_errors_total",
			Help: "Error entries partitioned by source.",
		}, []string{"source"}),
	}
	for _, collector := range []prometheus.Collector{s.entries, s.errors} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		stage := string(evt.Entry.Stage)
		if stage == "" {
			stage = "session"
		}
		s.entries.WithLabelValues(stage, string(evt.Entry.Status)).Inc()
		if evt.Entry.Error != "" {
			source := evt.Entry.SourceID
			if source == "" {
				source = "unknown"
			}
			s.errors.WithLabelValues(source).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
