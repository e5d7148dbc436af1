package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 引擎的监控指标, reg 为 nil 时只创建不注册
type Metrics struct {
	SyncJobs        *prometheus.CounterVec
	SyncDuration    prometheus.Histogram
	Invitations     *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	LaneTransitions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanework",
			Name:      "sync_jobs_total",
			Help:      "Durable sync jobs handled, by result.",
		}, []string{"result"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lanework",
			Name:      "sync_job_duration_seconds",
			Help:      "Time spent handling one durable sync job.",
			Buckets:   prometheus.DefBuckets,
		}),
		Invitations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanework",
			Name:      "invitations_total",
			Help:      "Invitation ledger operations, by action.",
		}, []string{"action"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanework",
			Name:      "instance_cache_lookups_total",
			Help:      "Instance state lookups, by source.",
		}, []string{"source"}),
		LaneTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanework",
			Name:      "lane_transitions_total",
			Help:      "Lane transitions computed while advancing, by state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.SyncJobs, m.SyncDuration, m.Invitations, m.CacheLookups, m.LaneTransitions)
	}
	return m
}
