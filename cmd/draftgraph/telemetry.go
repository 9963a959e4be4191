package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dshills/draftgraph/graph"
)

// serveMetrics registers the engine metrics on a fresh registry and serves
// it at /metrics until teardown.
func (a *app) serveMetrics() (*graph.PrometheusMetrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := graph.NewPrometheusMetrics(reg)

	ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	a.onClose(srv.Shutdown)
	return metrics, nil
}

// tracer starts a tracer provider exporting spans as JSON.
func (a *app) tracer() (trace.Tracer, error) {
	var w io.Writer = os.Stderr
	if out := a.cfg.Tracing.Output; out != "" {
		f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("trace output: %w", err)
		}
		a.onClose(func(context.Context) error { return f.Close() })
		w = f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes("",
			attribute.String("service.name", a.cfg.Tracing.ServiceName),
		)),
	)
	a.onClose(tp.Shutdown)
	return tp.Tracer("draftgraph"), nil
}
