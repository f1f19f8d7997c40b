package exporters

import (
	"path/filepath"
	"testing"

	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExporterBusFansOut(t *testing.T) {
	a, b := &ExporterMock{}, &ExporterMock{}
	bus := NewExporterBus(2, a, b)
	for i := 0; i < 10; i++ {
		bus.SendDecision(types.DecisionRecord{Reason: "no-match"})
	}
	bus.Stop()
	assert.Len(t, a.Records(), 10)
	assert.Len(t, b.Records(), 10)

	// records sent after Stop are dropped
	bus.SendDecision(types.DecisionRecord{})
	bus.Stop()
	assert.Len(t, a.Records(), 10)
}

func TestInitExporters(t *testing.T) {
	t.Setenv("HTTP_ENDPOINT_URL", "")
	t.Setenv("SYSLOG_HOST", "")
	t.Setenv("EXPORTER_CSV_DECISION_PATH", "")

	disabled := false
	_, err := InitExporters(ExportersConfig{StdoutExporter: &disabled}, "host")
	assert.ErrorIs(t, err, ErrNoExporters)

	bus, err := InitExporters(ExportersConfig{
		StdoutExporter:          &disabled,
		CsvDecisionExporterPath: filepath.Join(t.TempDir(), "d.csv"),
		HTTPExporterConfig:      &HTTPExporterConfig{URL: "http://127.0.0.1:1", Method: "GET"},
	}, "host")
	require.NoError(t, err)
	defer bus.Stop()
	assert.Len(t, bus.exporters, 1, "invalid http config is skipped")
}
