package monitoring

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tbcv/tbcv/pkg/logger"
	"github.com/tbcv/tbcv/pkg/version"
)

var (
	buildInfo          metric.Float64Gauge
	uptimeGauge        metric.Float64ObservableGauge
	uptimeRegistration metric.Registration
	startTime          time.Time
	systemInitOnce     sync.Once
	systemResetMutex   sync.Mutex
)

func initSystemMetrics(ctx context.Context, meter metric.Meter) {
	log := logger.FromContext(ctx)
	systemInitOnce.Do(func() {
		var err error
		buildInfo, err = meter.Float64Gauge(
			"tbcv_build_info",
			metric.WithDescription("Build information (value=1)"),
		)
		if err != nil {
			log.Error("failed to create build info gauge", "error", err)
		}
		uptimeGauge, err = meter.Float64ObservableGauge(
			"tbcv_uptime_seconds",
			metric.WithDescription("Service uptime in seconds"),
		)
		if err != nil {
			log.Error("failed to create uptime gauge", "error", err)
			return
		}
		startTime = time.Now()
		uptimeRegistration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveFloat64(uptimeGauge, time.Since(startTime).Seconds())
			return nil
		}, uptimeGauge)
		if err != nil {
			log.Error("failed to register uptime callback", "error", err)
		}
	})
}

func getBuildInfo() (buildVersion, commit, goVersion string) {
	buildVersion = version.Version
	commit = version.CommitHash
	if info, ok := debug.ReadBuildInfo(); ok {
		if buildVersion == "unknown" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			buildVersion = info.Main.Version
		}
		if commit == "unknown" {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					commit = setting.Value
					break
				}
			}
		}
	}
	return buildVersion, commit, runtime.Version()
}

func recordBuildInfo(ctx context.Context) {
	if buildInfo == nil {
		return
	}
	buildVersion, commit, goVersion := getBuildInfo()
	buildInfo.Record(ctx, 1,
		metric.WithAttributes(
			attribute.String("version", buildVersion),
			attribute.String("commit_hash", commit),
			attribute.String("go_version", goVersion),
		),
	)
	logger.FromContext(ctx).Info("system metrics initialized",
		"version", buildVersion,
		"commit", commit,
		"go_version", goVersion,
	)
}

// InitSystemMetrics registers build info and uptime instruments on the meter.
func InitSystemMetrics(ctx context.Context, meter metric.Meter) {
	initSystemMetrics(ctx, meter)
	recordBuildInfo(ctx)
}

func resetSystemMetrics(ctx context.Context) {
	if uptimeRegistration != nil {
		if err := uptimeRegistration.Unregister(); err != nil {
			logger.FromContext(ctx).Error("failed to unregister uptime callback during reset", "error", err)
		}
		uptimeRegistration = nil
	}
	buildInfo = nil
	uptimeGauge = nil
	startTime = time.Time{}
	systemInitOnce = sync.Once{}
}

// ResetSystemMetricsForTesting clears the package-level instrument state so
// tests can initialize against fresh meters.
func ResetSystemMetricsForTesting(ctx context.Context) {
	systemResetMutex.Lock()
	defer systemResetMutex.Unlock()
	resetSystemMetrics(ctx)
}
