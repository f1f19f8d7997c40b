package exporters

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
	"github.com/sirupsen/logrus"
)

var csvHeaders = []string{
	"ID",
	"Timestamp",
	"Event Type",
	"Action",
	"Verdict",
	"Reason",
	"Rule IDs",
	"PID",
	"PID Version",
	"PPID",
	"Path",
	"Executable",
	"Signing ID",
	"SHA256",
	"Scan Duration",
	"Truncated",
	"Fallback",
}

// CsvExporter is an exporter that appends decisions to a csv file
type CsvExporter struct {
	CsvDecisionPath string
	mu              sync.Mutex
}

// InitCsvExporter initializes a new CsvExporter
func InitCsvExporter(csvDecisionPath string) *CsvExporter {
	if csvDecisionPath == "" {
		csvDecisionPath = os.Getenv("EXPORTER_CSV_DECISION_PATH")
		if csvDecisionPath == "" {
			logrus.Debugf("csv decision path not provided, decisions will not be exported to csv")
			return nil
		}
	}

	if _, err := os.Stat(csvDecisionPath); os.IsNotExist(err) {
		writeDecisionHeaders(csvDecisionPath)
	}

	return &CsvExporter{
		CsvDecisionPath: csvDecisionPath,
	}
}

// SendDecision appends a decision to the csv file
func (ce *CsvExporter) SendDecision(record types.DecisionRecord) {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	csvFile, err := os.OpenFile(ce.CsvDecisionPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logrus.Errorf("failed to open csv decision file: %v", err)
		return
	}
	defer csvFile.Close()

	csvWriter := csv.NewWriter(csvFile)
	defer csvWriter.Flush()

	if err := csvWriter.Write([]string{
		record.ID,
		record.Time.UTC().Format(time.RFC3339Nano),
		string(record.EventType),
		string(record.Action),
		string(record.Verdict),
		record.Reason,
		strings.Join(record.RuleIDs, ";"),
		fmt.Sprintf("%d", record.Token.PID),
		fmt.Sprintf("%d", record.Token.PIDVersion),
		fmt.Sprintf("%d", record.ParentToken.PID),
		shorten(record.Path),
		shorten(record.ExecutablePath),
		record.SigningID,
		record.SHA256,
		record.ScanDuration.String(),
		fmt.Sprintf("%t", record.Truncated),
		fmt.Sprintf("%t", record.Fallback),
	}); err != nil {
		logrus.Errorf("failed to write csv decision: %v", err)
	}
}

func writeDecisionHeaders(csvPath string) {
	csvFile, err := os.OpenFile(csvPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logrus.Errorf("failed to initialize csv exporter: %v", err)
		return
	}
	defer csvFile.Close()

	csvWriter := csv.NewWriter(csvFile)
	defer csvWriter.Flush()
	_ = csvWriter.Write(csvHeaders)
}
