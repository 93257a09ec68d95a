// Package metrics records import job results as Prometheus metrics.
//
// Import runs are batch processes, so metrics live on a private registry and are
// pushed to a Pushgateway once the run is over instead of being scraped.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/Amsterdam/bag-services/internal/task"
)

const namespace = "bag_import"

// Recorder collects the metrics of the jobs in one process.
type Recorder struct {
	registry *prometheus.Registry

	rowsProcessed *prometheus.CounterVec
	rowsCreated   *prometheus.CounterVec
	rowsSkipped   *prometheus.CounterVec
	rowsErrors    *prometheus.CounterVec
	flushRecords  *prometheus.CounterVec
	messages      *prometheus.CounterVec
	jobDuration   *prometheus.GaugeVec
	jobSuccess    *prometheus.GaugeVec
	lastSuccess   *prometheus.GaugeVec
	indexed       *prometheus.GaugeVec
}

// NewRecorder returns a recorder on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		rowsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_processed_total",
			Help:      "Source rows read per task.",
		}, []string{"job", "task"}),
		rowsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_accepted_total",
			Help:      "Rows that produced a create or merge, per task.",
		}, []string{"job", "task"}),
		rowsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_skipped_total",
			Help:      "Rows that were not accepted, errors included, per task.",
		}, []string{"job", "task"}),
		rowsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_error_total",
			Help:      "Rows dropped because of bad data, per task.",
		}, []string{"job", "task"}),
		flushRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_records_total",
			Help:      "Records written at flush per entity type and operation.",
		}, []string{"job", "entity_type", "op"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Report messages per level, including dropped ones.",
		}, []string{"job", "level"}),
		jobDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of the last run of a job.",
		}, []string{"job"}),
		jobSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_success",
			Help:      "Whether the last run of a job completed (1/0).",
		}, []string{"job"}),
		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_last_success_timestamp_seconds",
			Help:      "Unix time of the last completed run of a job.",
		}, []string{"job"}),
		indexed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "search_documents",
			Help:      "Documents written by the last index run per entity type.",
		}, []string{"entity_type"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveJob records the counters of a finished job run.
func (r *Recorder) ObserveJob(report *task.Report) {
	job := report.Job
	for _, t := range report.Tasks {
		r.rowsProcessed.WithLabelValues(job, t.Name).Add(float64(t.Processed))
		r.rowsCreated.WithLabelValues(job, t.Name).Add(float64(t.Created))
		r.rowsSkipped.WithLabelValues(job, t.Name).Add(float64(t.Skipped))
		r.rowsErrors.WithLabelValues(job, t.Name).Add(float64(t.Errors))
	}
	for _, tf := range report.Flush.Types {
		r.flushRecords.WithLabelValues(job, tf.Type, "insert").Add(float64(tf.Created))
		r.flushRecords.WithLabelValues(job, tf.Type, "merge").Add(float64(tf.Folded + tf.Merged))
	}

	levels := map[task.Level]int{}
	for _, m := range report.Messages {
		levels[m.Level]++
	}
	for level, n := range levels {
		r.messages.WithLabelValues(job, string(level)).Add(float64(n))
	}
	if report.DroppedMessages > 0 {
		r.messages.WithLabelValues(job, "dropped").Add(float64(report.DroppedMessages))
	}

	r.jobDuration.WithLabelValues(job).Set(report.Duration.Seconds())
	if report.OK() {
		r.jobSuccess.WithLabelValues(job).Set(1)
		r.lastSuccess.WithLabelValues(job).Set(float64(report.Started.Add(report.Duration).Unix()))
	} else {
		r.jobSuccess.WithLabelValues(job).Set(0)
	}
}

// ObserveIndex records the document counts of an index run.
func (r *Recorder) ObserveIndex(documents map[string]int) {
	for entityType, n := range documents {
		r.indexed.WithLabelValues(entityType).Set(float64(n))
	}
}

// Push sends all metrics to the Pushgateway at url, replacing the metrics of the
// previous push for the same job label.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := push.New(url, job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
