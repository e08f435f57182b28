package monitoring

import (
	"context"
	"fmt"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/tbcv/tbcv/pkg/logger"
)

const meterName = "tbcv"

// Service owns the meter provider, the Prometheus registry and the pipeline
// instruments. A disabled service carries a no-op meter, so callers can
// record unconditionally.
type Service struct {
	meter             metric.Meter
	exporter          *prometheus.Exporter
	provider          *sdkmetric.MeterProvider
	registry          *prom.Registry
	pipeline          *pipelineMetrics
	config            *Config
	initialized       bool
	initializationErr error
}

func newDisabledService(ctx context.Context, cfg *Config, initErr error) *Service {
	meter := noop.NewMeterProvider().Meter(meterName)
	pipeline, err := newPipelineMetrics(meter)
	if err != nil {
		logger.FromContext(ctx).Error("failed to build no-op pipeline instruments", "error", err)
	}
	return &Service{
		config:            cfg,
		meter:             meter,
		pipeline:          pipeline,
		initialized:       false,
		initializationErr: initErr,
	}
}

// NewService creates the monitoring service. When the config disables
// monitoring the returned service is a safe no-op.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	log := logger.FromContext(ctx)
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		log.Debug("monitoring disabled, using no-op meter")
		return newDisabledService(ctx, cfg, nil), nil
	}
	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("initialize prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)
	pipeline, err := newPipelineMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("build pipeline instruments: %w", err)
	}
	service := &Service{
		meter:       meter,
		exporter:    exporter,
		provider:    provider,
		registry:    registry,
		pipeline:    pipeline,
		config:      cfg,
		initialized: true,
	}
	InitSystemMetrics(ctx, meter)
	log.Info("monitoring service initialized", "path", cfg.Path)
	return service, nil
}

// NewServiceWithFallback creates the monitoring service and degrades to a
// no-op implementation instead of failing the process when initialization
// errors out.
func NewServiceWithFallback(ctx context.Context, cfg *Config) *Service {
	service, err := NewService(ctx, cfg)
	if err != nil {
		logger.FromContext(ctx).Error("failed to initialize monitoring, using no-op implementation", "error", err)
		if cfg == nil {
			cfg = DefaultConfig()
		}
		return newDisabledService(ctx, cfg, err)
	}
	return service
}

// Meter returns the OpenTelemetry meter for custom instrumentation.
func (s *Service) Meter() metric.Meter {
	return s.meter
}

// Path returns the configured exporter path.
func (s *Service) Path() string {
	return s.config.Path
}

// ExporterHandler returns the HTTP handler serving the Prometheus scrape
// endpoint. A disabled service answers 503.
func (s *Service) ExporterHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.initialized {
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, err := w.Write([]byte("monitoring service not initialized")); err != nil {
				logger.FromContext(r.Context()).Error("failed to write response", "error", err)
			}
			return
		}
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// Shutdown flushes and stops the meter provider.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.provider != nil {
		return s.provider.Shutdown(ctx)
	}
	return nil
}

// IsInitialized reports whether the exporter pipeline is live.
func (s *Service) IsInitialized() bool {
	return s.initialized
}

// InitializationError returns the error that forced the no-op fallback, if
// any.
func (s *Service) InitializationError() error {
	return s.initializationErr
}

// SetAsGlobal installs the service's provider as the global OpenTelemetry
// meter provider.
func (s *Service) SetAsGlobal() {
	if s.provider != nil {
		otel.SetMeterProvider(s.provider)
	}
}
