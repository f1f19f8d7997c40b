package exporters

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() types.DecisionRecord {
	return types.DecisionRecord{
		ID:        "d1",
		Token:     events.MustBuildAuditToken(100, 1),
		EventType: events.ExecEventType,
		Action:    events.AuthAction,
		Verdict:   types.VerdictDeny,
		Reason:    "rule-match:evil",
		RuleIDs:   []string{"evil"},
		Path:      "/tmp/evil",
	}
}

func TestSendDecision(t *testing.T) {
	bodyChan := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/decisions", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		w.WriteHeader(http.StatusOK)
		bodyChan <- body
	}))
	defer server.Close()

	exporter, err := InitHTTPExporter(HTTPExporterConfig{
		URL:     server.URL,
		Headers: map[string]string{"X-Token": "secret"},
	}, "host-1")
	require.NoError(t, err)

	exporter.SendDecision(testRecord())

	list := HTTPDecisionsList{}
	select {
	case body := <-bodyChan:
		require.NoError(t, json.Unmarshal(body, &list))
	case <-time.After(time.Second):
		t.Fatalf("Timed out waiting for request body")
	}
	assert.Equal(t, "EndpointDecisions", list.Kind)
	assert.Equal(t, "kubescape.io/v1", list.APIVersion)
	assert.Equal(t, "host-1", list.Spec.Host)
	require.Len(t, list.Spec.Decisions, 1)
	assert.Equal(t, "rule-match:evil", list.Spec.Decisions[0].Reason)
	assert.Equal(t, int32(100), list.Spec.Decisions[0].Token.PID)
}

func TestSendDecisionRateReached(t *testing.T) {
	bodyChan := make(chan []byte, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodyChan <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exporter, err := InitHTTPExporter(HTTPExporterConfig{
		URL:                   server.URL,
		MaxDecisionsPerMinute: 1,
	}, "")
	require.NoError(t, err)

	exporter.SendDecision(testRecord())
	exporter.SendDecision(testRecord())
	exporter.SendDecision(testRecord())

	var lists []HTTPDecisionsList
	for len(bodyChan) > 0 {
		var list HTTPDecisionsList
		require.NoError(t, json.Unmarshal(<-bodyChan, &list))
		lists = append(lists, list)
	}
	require.Len(t, lists, 2, "one decision and one limit notice")
	assert.Len(t, lists[0].Spec.Decisions, 1)
	assert.True(t, lists[1].Spec.LimitReached)
	assert.Empty(t, lists[1].Spec.Decisions)
}

func TestSendDecisionRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exporter, err := InitHTTPExporter(HTTPExporterConfig{URL: server.URL}, "")
	require.NoError(t, err)
	exporter.initialRetryDelay = time.Millisecond

	exporter.SendDecision(testRecord())
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendDecisionClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	exporter, err := InitHTTPExporter(HTTPExporterConfig{URL: server.URL}, "")
	require.NoError(t, err)
	exporter.initialRetryDelay = time.Millisecond

	exporter.SendDecision(testRecord())
	assert.Equal(t, int32(1), calls.Load())
}

func TestValidateHTTPExporterConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  HTTPExporterConfig
		wantErr bool
	}{
		{name: "defaults", config: HTTPExporterConfig{URL: "http://localhost"}},
		{name: "put", config: HTTPExporterConfig{URL: "http://localhost", Method: "PUT"}},
		{name: "bad method", config: HTTPExporterConfig{URL: "http://localhost", Method: "GET"}, wantErr: true},
		{name: "missing url", config: HTTPExporterConfig{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 5, tt.config.TimeoutSeconds)
			assert.Equal(t, 100, tt.config.MaxDecisionsPerMinute)
			assert.NotNil(t, tt.config.Headers)
		})
	}
}
