package exporters

import (
	"os"

	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"

	log "github.com/sirupsen/logrus"
)

type StdoutExporter struct {
	logger *log.Logger
}

func InitStdoutExporter(useStdout *bool) *StdoutExporter {
	if useStdout == nil {
		useStdout = new(bool)
		*useStdout = os.Getenv("STDOUT_ENABLED") != "false"
	}
	if !*useStdout {
		return nil
	}

	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	return &StdoutExporter{
		logger: logger,
	}
}

func (exporter *StdoutExporter) SendDecision(record types.DecisionRecord) {
	entry := exporter.logger.WithFields(log.Fields{
		"id":             record.ID,
		"eventType":      record.EventType,
		"action":         record.Action,
		"verdict":        record.Verdict,
		"reason":         record.Reason,
		"ruleIds":        record.RuleIDs,
		"pid":            record.Token.PID,
		"pidVersion":     record.Token.PIDVersion,
		"ppid":           record.ParentToken.PID,
		"path":           record.Path,
		"executablePath": record.ExecutablePath,
		"signingId":      record.SigningID,
		"sha256":         record.SHA256,
		"scanDuration":   record.ScanDuration.String(),
		"truncated":      record.Truncated,
		"advisory":       record.Advisory,
		"fallback":       record.Fallback,
		"generation":     record.Generation,
	})
	switch record.Verdict {
	case types.VerdictDeny:
		entry.Error(decisionTitle(record))
	case types.VerdictLog:
		entry.Warning(decisionTitle(record))
	default:
		entry.Info(decisionTitle(record))
	}
}
