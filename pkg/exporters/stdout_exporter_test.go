package exporters

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitStdoutExporter(t *testing.T) {
	// Test when useStdout is true
	useStdout := new(bool)
	*useStdout = true
	exporter := InitStdoutExporter(useStdout)
	assert.NotNil(t, exporter)
	assert.NotNil(t, exporter.logger)

	// Test when useStdout is false
	*useStdout = false
	exporter = InitStdoutExporter(useStdout)
	assert.Nil(t, exporter)

	// Test when STDOUT_ENABLED environment variable is set to "false"
	t.Setenv("STDOUT_ENABLED", "false")
	exporter = InitStdoutExporter(nil)
	assert.Nil(t, exporter)

	// Test when STDOUT_ENABLED environment variable is set to "true"
	t.Setenv("STDOUT_ENABLED", "true")
	exporter = InitStdoutExporter(nil)
	assert.NotNil(t, exporter)
}

func TestStdoutExporter_SendDecision(t *testing.T) {
	useStdout := true
	exporter := InitStdoutExporter(&useStdout)
	require.NotNil(t, exporter)
	var buf bytes.Buffer
	exporter.logger.SetOutput(&buf)

	exporter.SendDecision(types.DecisionRecord{
		ID:        "d1",
		Token:     events.MustBuildAuditToken(100, 1),
		EventType: events.ExecEventType,
		Action:    events.AuthAction,
		Verdict:   types.VerdictDeny,
		Reason:    "rule-match:evil",
		RuleIDs:   []string{"evil"},
		Path:      "/tmp/evil",
	})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "deny", line["verdict"])
	assert.Equal(t, "rule-match:evil", line["reason"])
	assert.Equal(t, float64(100), line["pid"])
	assert.Contains(t, line["msg"], "/tmp/evil")
}
