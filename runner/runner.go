// Package runner boots the service: configuration, logging, stats, the
// error tracker and the consumer loop, with coordinated shutdown.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/profiler"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"

	"github.com/stacktrail/stacktrail/gateway"
	"github.com/stacktrail/stacktrail/processor"
	"github.com/stacktrail/stacktrail/reporting"
	"github.com/stacktrail/stacktrail/rruntime"
	"github.com/stacktrail/stacktrail/tenant"
)

// ReleaseInfo holds the release information stamped at build time.
type ReleaseInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// Runner is responsible for running the service.
type Runner struct {
	conf        *config.Config
	logger      logger.Logger
	releaseInfo ReleaseInfo
}

// New creates and initializes a new Runner.
func New(releaseInfo ReleaseInfo) *Runner {
	return &Runner{
		conf:        config.Default,
		logger:      logger.NewLogger().Child("runner"),
		releaseInfo: releaseInfo,
	}
}

// Run runs the service until the context is cancelled and returns the exit
// code.
func (r *Runner) Run(ctx context.Context, args []string) int {
	for _, arg := range args[1:] {
		if arg == "version" || arg == "--version" {
			r.printVersion()
			return 0
		}
	}

	if path, err := r.conf.ConfigFileUsed(); err != nil {
		r.logger.Infon("no config file loaded, using defaults")
	} else {
		r.logger.Infon("using config file", logger.NewStringField("path", path))
	}

	stats.Default = stats.NewStats(r.conf, logger.Default, svcMetric.Instance,
		stats.WithServiceName("stacktrail"),
		stats.WithServiceVersion(r.releaseInfo.Version),
	)
	if err := stats.Default.Start(ctx, rruntime.GoRoutineFactory); err != nil {
		r.logger.Errorn("starting stats", logger.NewErrorField(err))
		return 1
	}
	defer stats.Default.Stop()

	if dsn := r.conf.GetString("Sentry.dsn", ""); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Release:     r.releaseInfo.Version,
			Environment: r.conf.GetString("GO_ENV", "development"),
		})
		if err != nil {
			r.logger.Errorn("initializing error tracker", logger.NewErrorField(err))
			return 1
		}
		defer sentry.Flush(2 * time.Second)
	}

	log := logger.NewLogger()
	tenants := tenant.NewStore(r.conf, log)

	var reporter reporting.Reporter
	if len(r.conf.GetStringSlice("Reporting.Kafka.brokers", nil)) > 0 {
		kafkaReporter := reporting.NewKafkaReporter(r.conf, log)
		defer func() {
			if err := kafkaReporter.Close(); err != nil {
				r.logger.Errorn("closing outcome producer", logger.NewErrorField(err))
			}
		}()
		reporter = kafkaReporter
	} else {
		r.logger.Warnn("no outcome brokers configured, keeping outcomes in memory")
		reporter = reporting.NewMemoryReporter()
	}

	proc, err := processor.New(r.conf, log, stats.Default, tenants, reporter)
	if err != nil {
		r.logger.Errorn("setting up processor", logger.NewErrorField(err))
		return 1
	}
	gw := gateway.New(r.conf, log, stats.Default, proc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.Run(gctx)
	})
	g.Go(func() error {
		if !r.conf.GetBool("Profiler.enabled", true) {
			return nil
		}
		return profiler.StartServer(gctx, r.conf.GetInt("Profiler.port", 7777))
	})

	r.logger.Infon("service started",
		logger.NewStringField("version", r.releaseInfo.Version),
		logger.NewStringField("commit", r.releaseInfo.Commit))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Errorn("service exited with error", logger.NewErrorField(err))
		return 1
	}
	r.logger.Infon("service stopped")
	return 0
}

func (r *Runner) printVersion() {
	fmt.Printf("version: %s\ncommit: %s\nbuilt: %s\n",
		r.releaseInfo.Version, r.releaseInfo.Commit, r.releaseInfo.BuildDate)
}
