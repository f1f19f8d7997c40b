package exporters

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
	"github.com/prometheus/alertmanager/api/v2/client"
	"github.com/prometheus/alertmanager/api/v2/client/alert"
	"github.com/prometheus/alertmanager/api/v2/models"

	log "github.com/sirupsen/logrus"
)

const alertDuration = time.Hour

// AlertManagerExporter raises Alertmanager alerts for denied, logged and
// fallback decisions. Plain allows are not alerts.
type AlertManagerExporter struct {
	Host   string
	client *client.AlertmanagerAPI
}

func InitAlertManagerExporter(alertManagerURL, hostName string) *AlertManagerExporter {
	cfg := client.DefaultTransportConfig().WithHost(alertManagerURL)
	amClient := client.NewHTTPClientWithConfig(nil, cfg)
	if hostName == "" {
		hostName, _ = os.Hostname()
	}

	return &AlertManagerExporter{
		client: amClient,
		Host:   hostName,
	}
}

func (ame *AlertManagerExporter) SendDecision(record types.DecisionRecord) {
	if record.Verdict == types.VerdictAllow && !record.Fallback {
		return
	}
	alertName := "EndpointRuleMatched"
	if record.Fallback {
		alertName = "EndpointScanFallback"
	}
	summary := decisionTitle(record)
	now := record.Time
	if now.IsZero() {
		now = time.Now()
	}
	myAlert := models.PostableAlert{
		StartsAt: strfmt.DateTime(now),
		EndsAt:   strfmt.DateTime(now.Add(alertDuration)),
		Annotations: map[string]string{
			"title":       summary,
			"summary":     summary,
			"description": record.Reason,
		},
		Alert: models.Alert{
			Labels: map[string]string{
				"alertname":   alertName,
				"decision_id": record.ID,
				"verdict":     string(record.Verdict),
				"reason":      record.Reason,
				"rule_ids":    strings.Join(record.RuleIDs, ","),
				"event_type":  string(record.EventType),
				"severity":    VerdictToSeverity(record),
				"host":        ame.Host,
				"pid":         fmt.Sprintf("%d", record.Token.PID),
				"pid_version": fmt.Sprintf("%d", record.Token.PIDVersion),
				"ppid":        fmt.Sprintf("%d", record.ParentToken.PID),
				"path":        shorten(record.Path),
				"executable":  shorten(record.ExecutablePath),
				"signing_id":  record.SigningID,
			},
		},
	}

	params := alert.NewPostAlertsParams().WithContext(context.Background()).WithAlerts(models.PostableAlerts{&myAlert})
	isOK, err := ame.client.Alert.PostAlerts(params)
	if err != nil {
		log.Errorf("Error sending alert: %v", err)
		return
	}
	if isOK == nil {
		log.Errorln("Alert was not sent successfully")
	}
}
