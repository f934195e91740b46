package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	AccountTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diamory_account_transitions_total",
			Help: "Committed account lifecycle transitions by sweeper and transition",
		},
		[]string{"sweeper", "transition"}, // expiration|removal , renew|suspend|disable|skip|remove
	)

	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diamory_sweep_runs_total",
			Help: "Sweeper invocations by outcome",
		},
		[]string{"sweeper", "outcome"}, // ok|failed|skipped
	)

	SweepFailedAccounts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diamory_sweep_failed_accounts_total",
			Help: "Accounts whose transition failed during a sweep",
		},
		[]string{"sweeper"},
	)

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diamory_sweep_duration_seconds",
			Help:    "Wall time of one sweeper invocation",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"sweeper"},
	)

	LastSweepSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "diamory_sweep_last_success_timestamp_seconds",
			Help: "Unix time of the last sweep that finished without error",
		},
		[]string{"sweeper"},
	)

	CreditsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diamory_credits_total",
			Help: "Payment credit envelopes by outcome",
		},
		[]string{"outcome"}, // applied|duplicate|rejected|invalid
	)

	MailsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diamory_mails_total",
			Help: "Mail deliveries by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		AccountTransitions,
		SweepRuns,
		SweepFailedAccounts,
		SweepDuration,
		LastSweepSuccess,
		CreditsApplied,
		MailsSent,
	}
}

var registerOnce sync.Once

// MustRegister registers all collectors once; later calls are no-ops so
// commands sharing a process do not panic on duplicate registration.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(collectors()...)
	})
}

// Push sends the current values to a Prometheus pushgateway. One-shot cron
// runs exit before a scrape could see them.
func Push(url, job string) error {
	p := push.New(url, job)
	for _, c := range collectors() {
		p = p.Collector(c)
	}
	return p.Push()
}
