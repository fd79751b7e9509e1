package auth

import "github.com/prometheus/client_golang/prometheus"

var (
	refreshSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emporiasync_token_refresh_success_total",
			Help: "Successful id token refreshes",
		},
	)
	refreshFailure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emporiasync_token_refresh_failure_total",
			Help: "Failed id token refreshes",
		},
	)
	tokenValid = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "emporiasync_token_valid",
			Help: "Id token validity (1=valid, 0=invalid)",
		},
	)
	remotePersistOK = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "emporiasync_token_remote_persist_ok",
			Help: "Remote token mirror health (1=ok, 0=error)",
		},
	)
)

// MetricsCollectors returns the session collectors for registration.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		refreshSuccess,
		refreshFailure,
		tokenValid,
		remotePersistOK,
	}
}
