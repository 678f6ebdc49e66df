// Package metrics exposes Prometheus instrumentation for the key broker
// and a standalone metrics HTTP server.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChallengesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keybroker",
		Name:      "challenges_created_total",
		Help:      "Number of attestation challenges issued.",
	})

	// EvidenceSubmissions is labelled with the terminal outcome of the
	// submission: accepted, rejected, expired or error.
	EvidenceSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keybroker",
		Name:      "evidence_submissions_total",
		Help:      "Number of evidence submissions by terminal outcome.",
	}, []string{"outcome"})

	KeysReleased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keybroker",
		Name:      "keys_released_total",
		Help:      "Number of wrapped keys released to attested clients.",
	})

	VerifierErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keybroker",
		Name:      "verifier_unreachable_total",
		Help:      "Number of verifier calls that failed with a transport or protocol error.",
	})
)

// MetricsServer serves the Prometheus registry on a dedicated listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr.
func New(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
