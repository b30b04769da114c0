package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RemoteCalls     *prometheus.CounterVec
	RemoteFailures  *prometheus.CounterVec
	OfflineSkips    *prometheus.CounterVec
	FallbackResults *prometheus.CounterVec
	HistoryAppends  *prometheus.CounterVec
	FilesSaved      prometheus.Counter
	QuotaRejections prometheus.Counter
	EnqueuedJobs    prometheus.Counter
	ProcessedJobs   prometheus.Counter
	FailedJobs      prometheus.Counter
	RemoteReachable prometheus.Gauge
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(
			global.RemoteCalls,
			global.RemoteFailures,
			global.OfflineSkips,
			global.FallbackResults,
			global.HistoryAppends,
			global.FilesSaved,
			global.QuotaRejections,
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.RemoteReachable,
		)
	})
	return global
}

// New builds an unregistered set, for tests that inspect counters.
func New() *Metrics {
	return &Metrics{
		RemoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clarity",
			Name:      "remote_calls_total",
			Help:      "Total remote model invocations",
		}, []string{"task"}),
		RemoteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clarity",
			Name:      "remote_failures_total",
			Help:      "Total remote model invocations that failed or returned nothing",
		}, []string{"task"}),
		OfflineSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clarity",
			Name:      "offline_skips_total",
			Help:      "Total requests served locally because the connectivity state was offline",
		}, []string{"task"}),
		FallbackResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clarity",
			Name:      "fallback_results_total",
			Help:      "Total degraded results served by the local engine after a remote failure",
		}, []string{"task"}),
		HistoryAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clarity",
			Name:      "history_appends_total",
			Help:      "Total history entries appended",
		}, []string{"log"}),
		FilesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clarity",
			Name:      "files_saved_total",
			Help:      "Total uploaded files saved",
		}),
		QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clarity",
			Name:      "quota_rejections_total",
			Help:      "Total writes rejected because the storage budget was exhausted",
		}),
		EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clarity",
			Name:      "media_enqueued_total",
			Help:      "Total media jobs enqueued to redis stream",
		}),
		ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clarity",
			Name:      "media_processed_total",
			Help:      "Total media jobs processed",
		}),
		FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clarity",
			Name:      "media_failed_total",
			Help:      "Total media jobs whose result could not be stored",
		}),
		RemoteReachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clarity",
			Name:      "remote_reachable",
			Help:      "1 when the remote host answered the last connectivity probe",
		}),
	}
}
