package exporters

import (
	"testing"
	"time"

	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/mcuadros/go-syslog.v2"
)

func setupServer(t *testing.T) (*syslog.Server, syslog.LogPartsChannel, string) {
	channel := make(syslog.LogPartsChannel, 100)
	handler := syslog.NewChannelHandler(channel)

	server := syslog.NewServer()
	server.SetFormat(syslog.Automatic)
	server.SetHandler(handler)
	// Due to permission issues, we can't listen on port 514 on the CI.
	address := "127.0.0.1:40001"
	require.NoError(t, server.ListenUDP(address))
	require.NoError(t, server.Boot())
	go server.Wait()

	return server, channel, address
}

func TestSyslogExporter(t *testing.T) {
	server, channel, address := setupServer(t)
	defer server.Kill()

	t.Setenv("SYSLOG_HOST", address)
	t.Setenv("SYSLOG_PROTOCOL", "udp")

	syslogExp := InitSyslogExporter("", "")
	require.NotNil(t, syslogExp)

	syslogExp.SendDecision(types.DecisionRecord{
		ID:        "d1",
		Time:      time.Now(),
		Token:     events.MustBuildAuditToken(100, 1),
		EventType: events.ExecEventType,
		Action:    events.AuthAction,
		Verdict:   types.VerdictDeny,
		Reason:    "rule-match:evil",
		RuleIDs:   []string{"evil"},
		Path:      "/tmp/evil",
	})

	select {
	case parts := <-channel:
		content, ok := parts["content"].(string)
		if !ok {
			content, _ = parts["message"].(string)
		}
		assert.NotEmpty(t, content)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for syslog message")
	}
}

func TestInitSyslogExporterDisabled(t *testing.T) {
	t.Setenv("SYSLOG_HOST", "")
	assert.Nil(t, InitSyslogExporter("", ""))
}
