package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	opCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "staffdesk",
			Name:      "operations_total",
			Help:      "Total desk operations",
		},
		[]string{"op", "status"},
	)
	opLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "staffdesk",
			Name:      "operation_duration_seconds",
			Help:      "Desk operation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	metricsRegistered bool
)

// RegisterCollectors registers the operation vectors into the given registry,
// or the default global one when nil. Safe to call more than once.
func RegisterCollectors(reg *prometheus.Registry) {
	if metricsRegistered {
		return
	}
	if reg != nil {
		reg.MustRegister(opCounter, opLatency)
	} else {
		prometheus.MustRegister(opCounter, opLatency)
	}
	metricsRegistered = true
}

// ObserveOp records one desk operation.
func ObserveOp(op string, err error, start time.Time) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	opCounter.WithLabelValues(op, status).Inc()
	opLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// InitMetrics creates a dedicated registry with go and process collectors and
// serves /metrics on addr. Empty addr disables it.
func InitMetrics(addr string, log *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	RegisterCollectors(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}
	}()
	if log != nil {
		log.Info("metrics server listening", zap.String("addr", addr))
	}
	return srv
}
