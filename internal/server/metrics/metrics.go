// Package metrics exposes prometheus counters for the pipeline. The HTTP
// layer (out of scope here) serves the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UploadsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hermitbox_uploads_started_total",
		Help: "Files and chunks admitted into the upload pipeline.",
	})

	UploadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hermitbox_uploads_completed_total",
		Help: "Transfers that returned a fingerprint.",
	})

	UploadsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hermitbox_uploads_failed_total",
		Help: "Transfers that ended in error (before any retry).",
	})

	RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hermitbox_retries_scheduled_total",
		Help: "Automatic retries re-enqueued by the scheduler.",
	})

	Verifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hermitbox_verifications_total",
		Help: "Objects confirmed durable on a gateway.",
	})

	QuotaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hermitbox_quota_rejections_total",
		Help: "Uploads or restores rejected for quota reasons.",
	})

	TrashPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hermitbox_trash_purged_total",
		Help: "Files hard-deleted by the trash reaper or explicit purge.",
	})

	StaleUploadsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hermitbox_stale_uploads_reaped_total",
		Help: "Abandoned chunked uploads removed by the stale sweep.",
	})
)
