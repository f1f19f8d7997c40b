package exporters

import (
	"sync"

	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
)

// generic exporter interface
type Exporter interface {
	// SendDecision sends a decision record to the exporter
	SendDecision(record types.DecisionRecord)
}

var _ Exporter = (*ExporterMock)(nil)

// ExporterMock records every decision it receives.
type ExporterMock struct {
	mu      sync.Mutex
	records []types.DecisionRecord
}

func (e *ExporterMock) SendDecision(record types.DecisionRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, record)
}

// Records returns a copy of the decisions received so far.
func (e *ExporterMock) Records() []types.DecisionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.DecisionRecord(nil), e.records...)
}
