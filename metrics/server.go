package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes /metrics on its own listener, separate from the
// operational API.
type MetricsServer struct {
	srv *http.Server
}

// New registers the collectors, plus a build info gauge labelled with
// service, and returns a server for addr.
func New(service, addr string) (*MetricsServer, error) {
	MustRegister()

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "custody_build_info",
		Help:        "Always 1; labelled with the service name.",
		ConstLabels: prometheus.Labels{"service": service},
	})
	buildInfo.Set(1)
	if err := prometheus.Register(buildInfo); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return nil, err
		}
	}
	if err := prometheus.Register(collectors.NewBuildInfoCollector()); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Handler returns the HTTP handler serving /metrics.
func (m *MetricsServer) Handler() http.Handler {
	return m.srv.Handler
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
