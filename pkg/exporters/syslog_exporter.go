package exporters

import (
	"fmt"
	"log/syslog"
	"os"
	"strings"

	"github.com/crewjam/rfc5424"
	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"

	log "github.com/sirupsen/logrus"
)

const syslogAppName = "endpoint-agent"

// SyslogExporter is an exporter that sends decisions to syslog
type SyslogExporter struct {
	writer   *syslog.Writer
	hostName string
}

// InitSyslogExporter initializes a new SyslogExporter
func InitSyslogExporter(syslogHost, protocol string) *SyslogExporter {
	if syslogHost == "" {
		syslogHost = os.Getenv("SYSLOG_HOST")
		if syslogHost == "" {
			return nil
		}
	}
	if protocol == "" {
		protocol = os.Getenv("SYSLOG_PROTOCOL")
	}
	// Set default protocol to UDP
	if protocol == "" {
		protocol = "udp"
	}

	writer, err := syslog.Dial(protocol, syslogHost, syslog.LOG_ERR, syslogAppName)
	if err != nil {
		log.Printf("failed to initialize syslog exporter: %v", err)
		return nil
	}
	hostName, _ := os.Hostname()

	return &SyslogExporter{
		writer:   writer,
		hostName: hostName,
	}
}

// SendDecision sends a decision to syslog (RFC 5424) - https://tools.ietf.org/html/rfc5424
func (se *SyslogExporter) SendDecision(record types.DecisionRecord) {
	message := rfc5424.Message{
		Priority:  verdictToPriority(record.Verdict),
		Timestamp: record.Time,
		Hostname:  se.hostName,
		AppName:   syslogAppName,
		ProcessID: fmt.Sprintf("%d", record.Token.PID),
		MessageID: string(record.EventType),
		StructuredData: []rfc5424.StructuredData{
			{
				ID: fmt.Sprintf("decision@%d", os.Getpid()),
				Parameters: []rfc5424.SDParam{
					{
						Name:  "id",
						Value: record.ID,
					},
					{
						Name:  "verdict",
						Value: string(record.Verdict),
					},
					{
						Name:  "reason",
						Value: record.Reason,
					},
					{
						Name:  "rule_ids",
						Value: strings.Join(record.RuleIDs, ","),
					},
					{
						Name:  "action",
						Value: string(record.Action),
					},
					{
						Name:  "pid_version",
						Value: fmt.Sprintf("%d", record.Token.PIDVersion),
					},
					{
						Name:  "ppid",
						Value: fmt.Sprintf("%d", record.ParentToken.PID),
					},
					{
						Name:  "uid",
						Value: fmt.Sprintf("%d", record.Token.EUID),
					},
					{
						Name:  "path",
						Value: shorten(record.Path),
					},
					{
						Name:  "executable",
						Value: shorten(record.ExecutablePath),
					},
					{
						Name:  "signing_id",
						Value: record.SigningID,
					},
					{
						Name:  "sha256",
						Value: record.SHA256,
					},
					{
						Name:  "scan_duration",
						Value: record.ScanDuration.String(),
					},
					{
						Name:  "truncated",
						Value: fmt.Sprintf("%t", record.Truncated),
					},
					{
						Name:  "fallback",
						Value: fmt.Sprintf("%t", record.Fallback),
					},
				},
			},
		},
		Message: []byte(decisionTitle(record)),
	}

	_, err := message.WriteTo(se.writer)
	if err != nil {
		log.Errorf("failed to send decision to syslog: %v", err)
	}
}
