package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

type DBMetrics struct {
	QueryDuration *prometheus.HistogramVec
}

type WorkflowMetrics struct {
	TransitionsTotal   *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	RemindersTotal     prometheus.Counter
}

var (
	HTTP = HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loan_workflow_http_requests_total",
				Help: "Total number of HTTP requests received.",
			},
			[]string{"method", "path", "code"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loan_workflow_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "code"},
		),
	}

	DB = DBMetrics{
		QueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loan_workflow_db_query_duration_seconds",
				Help:    "Histogram of database query latencies.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"query_name", "status"},
		),
	}

	Workflow = WorkflowMetrics{
		TransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loan_workflow_transitions_total",
				Help: "Workflow operations by action and outcome.",
			},
			[]string{"action", "outcome"},
		),
		NotificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loan_workflow_notifications_total",
				Help: "Workflow events handed to the notifier, by event type and status.",
			},
			[]string{"event", "status"},
		),
		RemindersTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "loan_workflow_review_reminders_total",
				Help: "Review-overdue reminders emitted by the batch job.",
			},
		),
	}
)

func RecordHTTPRequest(method, path, code string, duration time.Duration) {
	HTTP.RequestsTotal.WithLabelValues(method, path, code).Inc()
	HTTP.RequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}

func RecordDBQuery(queryName, status string, duration time.Duration) {
	DB.QueryDuration.WithLabelValues(queryName, status).Observe(duration.Seconds())
}

// RecordTransition counts a workflow operation; outcome is "ok" or an error kind.
func RecordTransition(action, outcome string) {
	Workflow.TransitionsTotal.WithLabelValues(action, outcome).Inc()
}

func RecordNotification(event, status string) {
	Workflow.NotificationsTotal.WithLabelValues(event, status).Inc()
}

func RecordReminder() {
	Workflow.RemindersTotal.Inc()
}
