// Package metrics exposes Prometheus counters for the pipeline runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the runtime's Prometheus instruments. A nil Collector
// is valid and records nothing, so wiring stays optional in tests.
type Collector struct {
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsTimedOut  *prometheus.CounterVec

	auditRunsCompleted *prometheus.CounterVec
	findingsRecorded   *prometheus.CounterVec
	blobPutBytes       prometheus.Counter
	eventsAppended     prometheus.Counter
	llmFallbacks       prometheus.Counter
	sandboxDegraded    prometheus.Counter
}

// NewCollector creates and registers the collector on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_jobs_started_total",
			Help: "Job attempts started, by queue.",
		}, []string{"queue"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_jobs_completed_total",
			Help: "Jobs completed successfully, by queue.",
		}, []string{"queue"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_jobs_failed_total",
			Help: "Jobs that exhausted their attempt budget, by queue.",
		}, []string{"queue"}),
		jobsTimedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_jobs_timed_out_total",
			Help: "Jobs terminated at their deadline, by queue.",
		}, []string{"queue"}),
		auditRunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_runs_finished_total",
			Help: "Audit runs reaching a terminal status, by status.",
		}, []string{"status"}),
		findingsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_finding_transitions_total",
			Help: "Finding lifecycle transitions recorded, by kind.",
		}, []string{"kind"}),
		blobPutBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_blob_put_bytes_total",
			Help: "Bytes written to the content-addressed blob store.",
		}),
		eventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_job_events_appended_total",
			Help: "Progress events appended to the durable log.",
		}),
		llmFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_llm_fallbacks_total",
			Help: "Audit requests served by the fallback model.",
		}),
		sandboxDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_sandbox_degraded_plans_total",
			Help: "Sandbox plans resubmitted after stripping unsupported steps.",
		}),
	}
	reg.MustRegister(
		c.jobsStarted, c.jobsCompleted, c.jobsFailed, c.jobsTimedOut,
		c.auditRunsCompleted, c.findingsRecorded,
		c.blobPutBytes, c.eventsAppended, c.llmFallbacks, c.sandboxDegraded,
	)
	return c
}

func (c *Collector) IncJobStarted(queue string) {
	if c == nil {
		return
	}
	c.jobsStarted.WithLabelValues(queue).Inc()
}

func (c *Collector) IncJobCompleted(queue string) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(queue).Inc()
}

func (c *Collector) IncJobFailed(queue string) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(queue).Inc()
}

func (c *Collector) IncJobTimeout(queue string) {
	if c == nil {
		return
	}
	c.jobsTimedOut.WithLabelValues(queue).Inc()
}

func (c *Collector) IncAuditRunFinished(status string) {
	if c == nil {
		return
	}
	c.auditRunsCompleted.WithLabelValues(status).Inc()
}

func (c *Collector) IncFindingTransition(kind string) {
	if c == nil {
		return
	}
	c.findingsRecorded.WithLabelValues(kind).Inc()
}

func (c *Collector) AddBlobPutBytes(n int) {
	if c == nil {
		return
	}
	c.blobPutBytes.Add(float64(n))
}

func (c *Collector) IncEventAppended() {
	if c == nil {
		return
	}
	c.eventsAppended.Inc()
}

func (c *Collector) IncLLMFallback() {
	if c == nil {
		return
	}
	c.llmFallbacks.Inc()
}

func (c *Collector) IncSandboxDegraded() {
	if c == nil {
		return
	}
	c.sandboxDegraded.Inc()
}
