package stats

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Namespace = "SeaweedFS"
)

var (
	Gather = prometheus.NewRegistry()

	HealTaskCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "heal",
			Name:      "tasks_total",
			Help:      "Counter of heal tasks by type and final status.",
		}, []string{"type", "status"})

	HealTaskRetryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "heal",
			Name:      "task_retries_total",
			Help:      "Counter of heal task retries after transient errors.",
		}, []string{"type"})

	HealQueueGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "heal",
			Name:      "queue_length",
			Help:      "Number of heal tasks waiting in the queue.",
		})

	HealActiveGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "heal",
			Name:      "active_tasks",
			Help:      "Number of heal tasks being executed.",
		})

	HealShardsRewrittenCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "heal",
			Name:      "shards_rewritten_total",
			Help:      "Counter of reconstructed shards written to disks.",
		})

	HealTaskHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "heal",
			Name:      "task_seconds",
			Help:      "Bucketed histogram of heal task execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 20),
		}, []string{"type"})

	ScannerObjectCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scanner",
			Name:      "objects_total",
			Help:      "Counter of objects scanned, by bucket.",
		}, []string{"bucket"})

	ScannerBytesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scanner",
			Name:      "bytes_total",
			Help:      "Counter of object bytes scanned, by bucket.",
		}, []string{"bucket"})

	ScannerCycleCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scanner",
			Name:      "cycles_total",
			Help:      "Counter of finished scan cycles by mode.",
		}, []string{"mode"})

	ScannerEventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scanner",
			Name:      "heal_events_total",
			Help:      "Counter of heal events emitted by the scanner.",
		}, []string{"type"})

	ScannerBucketGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "scanner",
			Name:      "bucket",
			Help:      "Per bucket object statistics of the last scan cycle.",
		}, []string{"bucket", "type"})

	ScannerDiskGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "scanner",
			Name:      "disk",
			Help:      "Per disk statistics of the last scan cycle.",
		}, []string{"disk", "type"})

	ThrottleAllowedOpsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "throttle",
			Name:      "allowed_ops",
			Help:      "Scan operations per second currently allowed.",
		})

	ThrottleIOUtilizationGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "throttle",
			Name:      "io_utilization",
			Help:      "Last sampled disk utilization, 0 to 1.",
		})

	ThrottleWaitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "throttle",
			Name:      "waits_total",
			Help:      "Counter of scan units delayed by the throttler.",
		}, []string{"reason"})

	CheckpointSaveCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "checkpoint",
			Name:      "saves_total",
			Help:      "Counter of checkpoint writes by kind and result.",
		}, []string{"kind", "result"})
)

func init() {
	Gather.MustRegister(HealTaskCounter)
	Gather.MustRegister(HealTaskRetryCounter)
	Gather.MustRegister(HealQueueGauge)
	Gather.MustRegister(HealActiveGauge)
	Gather.MustRegister(HealShardsRewrittenCounter)
	Gather.MustRegister(HealTaskHistogram)

	Gather.MustRegister(ScannerObjectCounter)
	Gather.MustRegister(ScannerBytesCounter)
	Gather.MustRegister(ScannerCycleCounter)
	Gather.MustRegister(ScannerEventCounter)
	Gather.MustRegister(ScannerBucketGauge)
	Gather.MustRegister(ScannerDiskGauge)

	Gather.MustRegister(ThrottleAllowedOpsGauge)
	Gather.MustRegister(ThrottleIOUtilizationGauge)
	Gather.MustRegister(ThrottleWaitCounter)

	Gather.MustRegister(CheckpointSaveCounter)

	Gather.MustRegister(collectors.NewGoCollector())
	Gather.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// MetricsHandler serves the Gather registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Gather, promhttp.HandlerOpts{})
}

func JoinHostPort(host string, port int) string {
	portStr := strconv.Itoa(port)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + portStr
	}
	return net.JoinHostPort(host, portStr)
}

// ObserveHealTask records the outcome of one heal task.
func ObserveHealTask(healType, status string, elapsed time.Duration) {
	HealTaskCounter.WithLabelValues(healType, status).Inc()
	HealTaskHistogram.WithLabelValues(healType).Observe(elapsed.Seconds())
	glog.V(4).Infof("heal task %s %s in %v", healType, status, elapsed)
}

// DeleteBucketMetrics drops the per bucket series of a removed bucket.
func DeleteBucketMetrics(bucket string) {
	ScannerObjectCounter.DeleteLabelValues(bucket)
	ScannerBytesCounter.DeleteLabelValues(bucket)
	ScannerBucketGauge.DeletePartialMatch(prometheus.Labels{"bucket": bucket})
}
