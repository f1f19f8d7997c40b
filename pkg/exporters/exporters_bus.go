package exporters

import (
	"errors"
	"os"
	"sync"

	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/workerpool"
)

const defaultBusWorkers = 4

var ErrNoExporters = errors.New("no exporters were initialized")

type ExportersConfig struct {
	StdoutExporter           *bool               `mapstructure:"stdoutExporter"`
	HTTPExporterConfig       *HTTPExporterConfig `mapstructure:"httpExporterConfig"`
	SyslogExporter           string              `mapstructure:"syslogExporterURL"`
	SyslogProtocol           string              `mapstructure:"syslogProtocol"`
	CsvDecisionExporterPath  string              `mapstructure:"csvDecisionExporterPath"`
	AlertManagerExporterUrls []string            `mapstructure:"alertManagerExporterUrls"`
	Workers                  int                 `mapstructure:"workers"`
}

// ExporterBus is the single point of contact for all exporters. Records are
// delivered asynchronously so exporters never slow down a decision.
type ExporterBus struct {
	exporters []Exporter
	pool      *workerpool.WorkerPool
	mu        sync.RWMutex
	stopped   bool
}

// InitExporters initializes all configured exporters.
func InitExporters(exportersConfig ExportersConfig, hostName string) (*ExporterBus, error) {
	var exporters []Exporter
	for _, url := range exportersConfig.AlertManagerExporterUrls {
		alertMan := InitAlertManagerExporter(url, hostName)
		if alertMan != nil {
			exporters = append(exporters, alertMan)
		}
	}
	stdoutExp := InitStdoutExporter(exportersConfig.StdoutExporter)
	if stdoutExp != nil {
		exporters = append(exporters, stdoutExp)
	}
	syslogExp := InitSyslogExporter(exportersConfig.SyslogExporter, exportersConfig.SyslogProtocol)
	if syslogExp != nil {
		exporters = append(exporters, syslogExp)
	}
	csvExp := InitCsvExporter(exportersConfig.CsvDecisionExporterPath)
	if csvExp != nil {
		exporters = append(exporters, csvExp)
	}
	if exportersConfig.HTTPExporterConfig == nil {
		if httpURL := os.Getenv("HTTP_ENDPOINT_URL"); httpURL != "" {
			exportersConfig.HTTPExporterConfig = &HTTPExporterConfig{URL: httpURL}
		}
	}
	if exportersConfig.HTTPExporterConfig != nil {
		httpExp, err := InitHTTPExporter(*exportersConfig.HTTPExporterConfig, hostName)
		if err != nil {
			logger.L().Error("failed to initialize http exporter", helpers.Error(err))
		} else {
			exporters = append(exporters, httpExp)
		}
	}

	if len(exporters) == 0 {
		return nil, ErrNoExporters
	}
	logger.L().Info("exporters initialized", helpers.Int("count", len(exporters)))

	return NewExporterBus(exportersConfig.Workers, exporters...), nil
}

// NewExporterBus fans records out to exporters on a pool of workers.
func NewExporterBus(workers int, exporters ...Exporter) *ExporterBus {
	if workers <= 0 {
		workers = defaultBusWorkers
	}
	return &ExporterBus{
		exporters: exporters,
		pool:      workerpool.New(workers),
	}
}

func (e *ExporterBus) SendDecision(record types.DecisionRecord) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return
	}
	for _, exporter := range e.exporters {
		exporter := exporter
		e.pool.Submit(func() {
			exporter.SendDecision(record)
		}, "SendDecision")
	}
}

// Stop waits for queued records to be delivered.
func (e *ExporterBus) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()
	e.pool.StopWait()
}
