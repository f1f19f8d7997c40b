package exporters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
)

const (
	decisionsPath       = "/v1/decisions"
	retryInitialBackoff = 100 * time.Millisecond
)

type HTTPExporterConfig struct {
	// URL is the URL to send the HTTP request to
	URL string `json:"url" mapstructure:"url"`
	// Headers is a map of headers to send in the HTTP request
	Headers map[string]string `json:"headers" mapstructure:"headers"`
	// Timeout is the timeout for the HTTP request
	TimeoutSeconds int `json:"timeoutSeconds" mapstructure:"timeoutSeconds"`
	// Method is the HTTP method to use for the HTTP request
	Method                string `json:"method" mapstructure:"method"`
	MaxDecisionsPerMinute int    `json:"maxDecisionsPerMinute" mapstructure:"maxDecisionsPerMinute"`
	// MaxRetries bounds the retries of a failed delivery
	MaxRetries int `json:"maxRetries" mapstructure:"maxRetries"`
}

// HTTPExporter posts decision records as a CRD-like json list
type HTTPExporter struct {
	config     HTTPExporterConfig
	Host       string `json:"host"`
	httpClient *http.Client
	// recordCount is the number of records sent in the last minute, used to limit the number of records sent
	recordCount       int
	recordCountLock   sync.Mutex
	recordCountStart  time.Time
	limitNotified     bool
	initialRetryDelay time.Duration
}

type HTTPDecisionsList struct {
	Kind       string                `json:"kind"`
	APIVersion string                `json:"apiVersion"`
	Spec       HTTPDecisionsListSpec `json:"spec"`
}

type HTTPDecisionsListSpec struct {
	Host      string                 `json:"host"`
	Decisions []types.DecisionRecord `json:"decisions"`
	// LimitReached is set on the single notice sent when the rate limit trips
	LimitReached bool `json:"limitReached,omitempty"`
}

func (config *HTTPExporterConfig) Validate() error {
	if config.Method == "" {
		config.Method = http.MethodPost
	} else if config.Method != http.MethodPost && config.Method != http.MethodPut {
		return fmt.Errorf("method must be POST or PUT")
	}
	if config.TimeoutSeconds == 0 {
		config.TimeoutSeconds = 5
	}
	if config.MaxDecisionsPerMinute == 0 {
		config.MaxDecisionsPerMinute = 100
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.Headers == nil {
		config.Headers = make(map[string]string)
	}
	if config.URL == "" {
		return fmt.Errorf("URL is required")
	}
	return nil
}

// InitHTTPExporter initializes an HTTPExporter with the given URL, headers, timeout, and method
func InitHTTPExporter(config HTTPExporterConfig, hostName string) (*HTTPExporter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &HTTPExporter{
		Host:   hostName,
		config: config,
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
		initialRetryDelay: retryInitialBackoff,
	}, nil
}

func (exporter *HTTPExporter) SendDecision(record types.DecisionRecord) {
	isLimitReached, notify := exporter.checkRecordLimit()
	if isLimitReached {
		if notify {
			logger.L().Error("decision export limit reached", helpers.Int("limit", exporter.config.MaxDecisionsPerMinute))
			exporter.sendList(HTTPDecisionsListSpec{Host: exporter.Host, LimitReached: true})
		}
		return
	}
	exporter.sendList(HTTPDecisionsListSpec{
		Host:      exporter.Host,
		Decisions: []types.DecisionRecord{record},
	})
}

func (exporter *HTTPExporter) sendList(spec HTTPDecisionsListSpec) {
	list := HTTPDecisionsList{
		Kind:       "EndpointDecisions",
		APIVersion: "kubescape.io/v1",
		Spec:       spec,
	}
	bodyBytes, err := json.Marshal(list)
	if err != nil {
		logger.L().Error("failed to marshal HTTPDecisionsList", helpers.Error(err))
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = exporter.initialRetryDelay
	b.MaxElapsedTime = time.Duration(exporter.config.TimeoutSeconds) * time.Second * time.Duration(exporter.config.MaxRetries)
	err = backoff.Retry(func() error {
		return exporter.send(bodyBytes)
	}, backoff.WithMaxRetries(b, uint64(exporter.config.MaxRetries)))
	if err != nil {
		logger.L().Error("failed to send decisions", helpers.Error(err), helpers.String("url", exporter.config.URL))
	}
}

func (exporter *HTTPExporter) send(body []byte) error {
	req, err := http.NewRequest(exporter.config.Method, exporter.config.URL+decisionsPath, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range exporter.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := exporter.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// discard the body so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("received status code %d", resp.StatusCode)
	}
	return backoff.Permanent(fmt.Errorf("received status code %d", resp.StatusCode))
}

// checkRecordLimit counts the record against the per-minute budget. notify is
// true for the first record over the limit in each window.
func (exporter *HTTPExporter) checkRecordLimit() (limited bool, notify bool) {
	exporter.recordCountLock.Lock()
	defer exporter.recordCountLock.Unlock()

	if exporter.recordCountStart.IsZero() {
		exporter.recordCountStart = time.Now()
	}

	if time.Since(exporter.recordCountStart) > time.Minute {
		exporter.recordCountStart = time.Now()
		exporter.recordCount = 0
		exporter.limitNotified = false
	}

	exporter.recordCount++
	if exporter.recordCount <= exporter.config.MaxDecisionsPerMinute {
		return false, false
	}
	if !exporter.limitNotified {
		exporter.limitNotified = true
		return true, true
	}
	return true, false
}
