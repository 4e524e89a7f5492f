// Package metrics holds the process-wide Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_webhook_accepted_total",
		Help: "Webhook updates accepted for processing.",
	})
	WebhookDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_webhook_deduped_total",
		Help: "Webhook updates dropped as duplicates.",
	})
	WebhookRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_webhook_rejected_total",
		Help: "Webhook requests rejected (bad signature or body).",
	})

	OutboxDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_outbox_delivered_total",
		Help: "Outbox items delivered, by adapter.",
	}, []string{"adapter"})
	OutboxRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_outbox_retried_total",
		Help: "Outbox delivery attempts that were rescheduled, by adapter.",
	}, []string{"adapter"})
	OutboxDead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_outbox_dead_total",
		Help: "Outbox items moved to the dead letter state, by adapter.",
	}, []string{"adapter"})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_job_runs_total",
		Help: "Scheduled job executions, by job and outcome.",
	}, []string{"job", "outcome"})

	TasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_tasks_created_total",
		Help: "Tasks created through any path.",
	})
)
