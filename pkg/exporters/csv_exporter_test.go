package exporters

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCsvExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.csv")
	csvExporter := InitCsvExporter(path)
	require.NotNil(t, csvExporter)

	csvExporter.SendDecision(types.DecisionRecord{
		ID:           "d1",
		Time:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Token:        events.MustBuildAuditToken(100, 1),
		EventType:    events.ExecEventType,
		Action:       events.AuthAction,
		Verdict:      types.VerdictDeny,
		Reason:       "rule-match:a,b",
		RuleIDs:      []string{"a", "b"},
		Path:         "/tmp/evil",
		ScanDuration: 3 * time.Millisecond,
	})

	// a second exporter on the same file must not repeat the header
	again := InitCsvExporter(path)
	require.NotNil(t, again)
	again.SendDecision(types.DecisionRecord{ID: "d2", Verdict: types.VerdictAllow, Reason: "no-match"})

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeaders, rows[0])
	assert.Equal(t, "d1", rows[1][0])
	assert.Equal(t, "deny", rows[1][4])
	assert.Equal(t, "a;b", rows[1][6])
	assert.Equal(t, "100", rows[1][7])
	assert.Equal(t, "/tmp/evil", rows[1][10])
	assert.Equal(t, "d2", rows[2][0])
}

func TestInitCsvExporterDisabled(t *testing.T) {
	t.Setenv("EXPORTER_CSV_DECISION_PATH", "")
	assert.Nil(t, InitCsvExporter(""))
}
