package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/flowline/pkg/api"
)

// PrometheusObserver exports engine, job and batch callbacks as Prometheus
// metrics on its own registry.
type PrometheusObserver struct {
	registry *prometheus.Registry

	instancesStarted *prometheus.CounterVec
	instancesEnded   *prometheus.CounterVec
	activities       *prometheus.CounterVec

	jobDuration     *prometheus.HistogramVec
	jobsExecuted    *prometheus.CounterVec
	jobsDeadLetters *prometheus.CounterVec

	batchesEnded *prometheus.CounterVec
	batchItems   *prometheus.CounterVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the observer and registers its collectors,
// plus the Go runtime and process collectors, on a fresh registry.
func NewPrometheusObserver() *PrometheusObserver {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	o := &PrometheusObserver{
		registry: registry,
		instancesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_process_instances_started_total",
			Help: "Process instances started, by definition.",
		}, []string{"definition"}),
		instancesEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_process_instances_ended_total",
			Help: "Process instances ended, by definition and reason.",
		}, []string{"definition", "reason"}),
		activities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_activities_started_total",
			Help: "Activities started, by definition and activity.",
		}, []string{"definition", "activity"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowline_job_duration_seconds",
			Help:    "Duration of job handler executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type", "status"}),
		jobsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_jobs_executed_total",
			Help: "Job executions, by type and status.",
		}, []string{"type", "status"}),
		jobsDeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_jobs_dead_lettered_total",
			Help: "Jobs moved to the dead-letter table, by type.",
		}, []string{"type"}),
		batchesEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_batches_ended_total",
			Help: "Batches reaching a terminal status, by operation and status.",
		}, []string{"operation", "status"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowline_batch_items_total",
			Help: "Items selected by ended batches, by operation and status.",
		}, []string{"operation", "status"}),
	}

	registry.MustRegister(
		o.instancesStarted,
		o.instancesEnded,
		o.activities,
		o.jobDuration,
		o.jobsExecuted,
		o.jobsDeadLetters,
		o.batchesEnded,
		o.batchItems,
	)
	return o
}

// Registry returns the registry the observer's collectors live in.
func (o *PrometheusObserver) Registry() *prometheus.Registry {
	return o.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (o *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{Registry: o.registry})
}

func (o *PrometheusObserver) OnProcessInstanceStart(ctx context.Context, pi *api.Execution) {
	o.instancesStarted.WithLabelValues(pi.ProcessDefinitionID).Inc()
}

func (o *PrometheusObserver) OnProcessInstanceEnd(ctx context.Context, pi *api.Execution, reason string) {
	o.instancesEnded.WithLabelValues(pi.ProcessDefinitionID, reason).Inc()
}

func (o *PrometheusObserver) OnActivityStart(ctx context.Context, ex *api.Execution, activityID string) {
	o.activities.WithLabelValues(ex.ProcessDefinitionID, activityID).Inc()
}

func (o *PrometheusObserver) OnActivityEnd(ctx context.Context, ex *api.Execution, activityID string) {}

func (o *PrometheusObserver) OnJobExecuted(ctx context.Context, job *api.Job, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	o.jobsExecuted.WithLabelValues(job.Type, status).Inc()
	o.jobDuration.WithLabelValues(job.Type, status).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnJobDeadLettered(ctx context.Context, job *api.DeadLetterJob) {
	o.jobsDeadLetters.WithLabelValues(job.Type).Inc()
}

func (o *PrometheusObserver) OnBatchEnd(ctx context.Context, b *api.Batch) {
	o.batchesEnded.WithLabelValues(b.Type, string(b.Status)).Inc()
	o.batchItems.WithLabelValues(b.Type, string(b.Status)).Add(float64(b.TotalItems))
}
