package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vms"

var (
	SegmentsIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_indexed_total",
		Help:      "Segments added to the catalog, by camera.",
	}, []string{"camera_id"})

	SegmentsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_deleted_total",
		Help:      "Segments removed from disk and catalog, by reason (retention|recycle).",
	}, []string{"reason"})

	RecycleTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recycle_triggered_total",
		Help:      "Watchdog passes that found a location at or below its reserved floor.",
	}, []string{"location_id"})

	RecycleImpossible = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recycle_impossible_total",
		Help:      "Low-space locations with no eligible segments to delete.",
	}, []string{"location_id"})

	ChecksumsComputed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checksums_computed_total",
		Help:      "Segments hashed by the integrity backfill.",
	})

	ChecksumMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checksum_mismatches_total",
		Help:      "Segments whose content no longer matches the stored checksum.",
	})

	CaptureStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_starts_total",
		Help:      "Capture processes launched, by camera.",
	}, []string{"camera_id"})

	CaptureCrashes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_crashes_total",
		Help:      "Capture processes that exited without being asked to.",
	}, []string{"camera_id"})

	ActiveCaptures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_captures",
		Help:      "Cameras with a running capture process.",
	})

	LocationFreeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "location_free_bytes",
		Help:      "Free bytes reported by the last probe of a storage location.",
	}, []string{"location_id"})

	LocationReservedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "location_reserved_bytes",
		Help:      "Reserved floor of a storage location.",
	}, []string{"location_id"})

	CameraProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "camera_probe_failures_total",
		Help:      "Failed reachability probes, by camera.",
	}, []string{"camera_id"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Wall time of one pass of a periodic job.",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
	}, []string{"job"})

	ProcessCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "process_cpu_percent",
		Help:      "CPU used by the recorder process.",
	})

	ProcessRSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "process_rss_bytes",
		Help:      "Resident memory of the recorder process.",
	})

	Goroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Goroutines in the recorder process.",
	})
)
