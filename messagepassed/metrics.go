package messagepassed

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "logcask"
	metricsSubsystem = "writer"
)

type writerMetrics struct {
	records       prometheus.Counter
	bytes         prometheus.Counter
	retries       prometheus.Counter
	syncs         prometheus.Counter
	flushDuration prometheus.Histogram
}

func newWriterMetrics(reg prometheus.Registerer, path string) (*writerMetrics, error) {
	labels := prometheus.Labels{"path": path}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &writerMetrics{
		records: counter("records_committed_total",
			"Records fully written to the log file."),
		bytes: counter("bytes_committed_total",
			"Bytes written to the log file."),
		retries: counter("write_retries_total",
			"Writes that hit a would-block condition and were retried."),
		syncs: counter("syncs_total",
			"fsync calls issued when a worker drained."),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "flush_duration_seconds",
			Help:        "Time callers spent blocked in Flush.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	if m.records, err = register(reg, m.records); err != nil {
		return nil, err
	}
	if m.bytes, err = register(reg, m.bytes); err != nil {
		return nil, err
	}
	if m.retries, err = register(reg, m.retries); err != nil {
		return nil, err
	}
	if m.syncs, err = register(reg, m.syncs); err != nil {
		return nil, err
	}
	if m.flushDuration, err = register(reg, m.flushDuration); err != nil {
		return nil, err
	}

	return m, nil
}

// register adds c to reg. A writer reopened on the same path picks up the
// collectors its previous incarnation registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}
