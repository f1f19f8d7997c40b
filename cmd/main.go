package main

import (
	"context"
	"errors"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/kubescape/endpoint-agent/pkg/alertthrottle"
	"github.com/kubescape/endpoint-agent/pkg/config"
	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/endpoint-agent/pkg/exporters"
	"github.com/kubescape/endpoint-agent/pkg/metricsmanager"
	metricprometheus "github.com/kubescape/endpoint-agent/pkg/metricsmanager/prometheus"
	"github.com/kubescape/endpoint-agent/pkg/pipeline"
	"github.com/kubescape/endpoint-agent/pkg/processinfo"
	"github.com/kubescape/endpoint-agent/pkg/processtable"
	"github.com/kubescape/endpoint-agent/pkg/replay"
	"github.com/kubescape/endpoint-agent/pkg/ruleswatcher"
	"github.com/kubescape/endpoint-agent/pkg/scanner"
	"github.com/kubescape/endpoint-agent/pkg/scanner/clamav"
	"github.com/kubescape/endpoint-agent/pkg/utils"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/spf13/afero"
)

const clamdReadyTimeout = 30 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configDir := config.DefaultConfigDir
	if envPath := os.Getenv(config.ConfigDirEnvVar); envPath != "" {
		configDir = envPath
	}
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		logger.L().Ctx(ctx).Error(utils.ErrInvalidConfig, helpers.Error(err))
		os.Exit(utils.ExitCodeInvalidConfig)
	}
	if err := logger.L().SetLevel(cfg.LogLevel); err != nil {
		logger.L().Warning("invalid log level, keeping default", helpers.String("level", cfg.LogLevel), helpers.Error(err))
	}
	if cfg.OSVersion != "" {
		events.SetOSVersion(cfg.OSVersion)
	}

	if os.Getenv("ENABLE_PROFILER") == "true" {
		go func() {
			logger.L().Info("starting profiler on port 6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				logger.L().Error("profiler stopped", helpers.Error(err))
			}
		}()
	}

	hostName, _ := os.Hostname()

	if pyroscopeServerSvc, present := os.LookupEnv("PYROSCOPE_SERVER_SVC"); present {
		logger.L().Info("starting pyroscope profiler")

		if os.Getenv("APPLICATION_NAME") == "" {
			os.Setenv("APPLICATION_NAME", "endpoint-agent")
		}

		_, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: os.Getenv("APPLICATION_NAME"),
			ServerAddress:   pyroscopeServerSvc,
			Logger:          pyroscope.StandardLogger,
			Tags:            map[string]string{"host": hostName, "app": "endpoint-agent"},
		})

		if err != nil {
			logger.L().Ctx(ctx).Error("error starting pyroscope", helpers.Error(err))
		}
	}

	// Create the metrics manager
	var metrics metricsmanager.MetricsManager = metricsmanager.NewMetricsMock()
	var prometheusExporter *metricprometheus.PrometheusMetric
	if cfg.Metrics.Enabled {
		prometheusExporter = metricprometheus.NewPrometheusMetric(cfg.Metrics.Address)
		prometheusExporter.Start()
		metrics = prometheusExporter
	}

	// Create the scan engine
	scanOpts, err := cfg.ScannerOptions()
	if err != nil {
		logger.L().Ctx(ctx).Error(utils.ErrInvalidConfig, helpers.Error(err))
		os.Exit(utils.ExitCodeInvalidConfig)
	}
	scanOpts.Fs = afero.NewOsFs()
	if cfg.ClamAV.Address != "" {
		backend := clamav.NewBackend(cfg.ClamAV.Address, scanner.Action(cfg.ClamAV.Action))
		if err := backend.WaitReady(ctx, clamdReadyTimeout); err != nil {
			logger.L().Warning("clamd is not answering, scans will report it unavailable until it does",
				helpers.String("address", cfg.ClamAV.Address), helpers.Error(err))
		}
		scanOpts.Backends = append(scanOpts.Backends, backend)
	}
	engine := scanner.NewEngine(scanOpts)

	// Create the process table
	table, err := processtable.New(cfg.TableConfig())
	if err != nil {
		logger.L().Ctx(ctx).Error(utils.ErrInvalidConfig, helpers.Error(err))
		os.Exit(utils.ExitCodeInvalidConfig)
	}

	// Create the exporters
	var pipelineOpts []pipeline.Option
	exporterBus, err := exporters.InitExporters(cfg.Exporters, hostName)
	switch {
	case errors.Is(err, exporters.ErrNoExporters):
		logger.L().Warning("no exporters enabled, decisions are only logged")
	case err != nil:
		logger.L().Ctx(ctx).Fatal("error creating exporters", helpers.Error(err))
	default:
		pipelineOpts = append(pipelineOpts, pipeline.WithExporter(exporterBus))
	}
	pipelineOpts = append(pipelineOpts,
		pipeline.WithMetrics(metrics),
		pipeline.WithThrottle(alertthrottle.New(cfg.AlertThrottle)))

	if provider, err := processinfo.NewProcfsProvider(cfg.ProcfsPath); err != nil {
		logger.L().Warning("process information is unavailable, the table starts empty", helpers.Error(err))
	} else {
		pipelineOpts = append(pipelineOpts, pipeline.WithProcessInfo(provider))
	}

	// Create the pipeline
	pipelineCfg, err := cfg.PipelineConfig()
	if err != nil {
		logger.L().Ctx(ctx).Error(utils.ErrInvalidConfig, helpers.Error(err))
		os.Exit(utils.ExitCodeInvalidConfig)
	}
	p, err := pipeline.New(pipelineCfg, table, engine, pipelineOpts...)
	if err != nil {
		logger.L().Ctx(ctx).Error(utils.ErrInvalidConfig, helpers.Error(err))
		os.Exit(utils.ExitCodeInvalidConfig)
	}

	// Load the rules; the agent does not start without a ruleset
	rulesWatcher := ruleswatcher.NewRulesWatcher(cfg.Rules.Paths, p, cfg.Rules.ReloadInterval, ruleswatcher.DefaultDebounce, nil)
	if err := rulesWatcher.InitialSync(ctx); err != nil {
		logger.L().Ctx(ctx).Error(utils.ErrRuleCompilation, helpers.Error(err))
		os.Exit(utils.ExitCodeRuleCompilation)
	}

	if err := p.Start(ctx); err != nil {
		logger.L().Ctx(ctx).Fatal("error starting the pipeline", helpers.Error(err))
	}

	if cfg.Rules.Watch {
		if err := rulesWatcher.Start(ctx); err != nil {
			logger.L().Ctx(ctx).Error("error watching rule paths, reloads are disabled", helpers.Error(err))
		}
	}

	// Start the event source
	sourceDone := make(chan error, 1)
	go func() {
		sourceDone <- runSource(ctx, cfg.ReplayPath, p)
	}()

	// Wait for shutdown signal or the end of the event stream
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	exitCode := utils.ExitCodeSuccess
	select {
	case sig := <-shutdown:
		switch sig {
		case os.Interrupt:
			logger.L().Info("Received interrupt signal")
		case syscall.SIGTERM:
			logger.L().Info("Received SIGTERM signal")
		default:
			logger.L().Info("Received unknown signal")
			exitCode = utils.ExitCodeError
		}
	case err := <-sourceDone:
		switch {
		case err == nil:
			logger.L().Info("event stream ended")
		case strings.Contains(err.Error(), utils.ErrNoEventSource):
			logger.L().Ctx(ctx).Error(utils.ErrNoEventSource, helpers.Error(err))
			exitCode = utils.ExitCodeNoEventSource
		default:
			logger.L().Ctx(ctx).Error("event stream failed", helpers.Error(err))
			exitCode = utils.ExitCodeError
		}
	}
	cancel()

	rulesWatcher.Stop()
	p.Stop()
	if exporterBus != nil {
		exporterBus.Stop()
	}
	if prometheusExporter != nil {
		prometheusExporter.Destroy()
	}
	os.Exit(exitCode)
}

// runSource feeds recorded events into the pipeline. "-" streams standard
// input, so a live collector can be piped in.
func runSource(ctx context.Context, path string, p *pipeline.Pipeline) error {
	var (
		decisions, skipped int
		err                error
	)
	switch path {
	case "":
		return errors.New(utils.ErrNoEventSource)
	case "-":
		skipped, err = replay.Stream(ctx, os.Stdin, p, func(replay.Result) { decisions++ })
	default:
		var summary replay.Summary
		summary, err = replay.ReplayFile(ctx, afero.NewOsFs(), path, p)
		decisions, skipped = len(summary.Results), summary.Skipped
	}
	logger.L().Info("event stream finished",
		helpers.Int("decisions", decisions),
		helpers.Int("skipped", skipped))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
