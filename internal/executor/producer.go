package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/undoable-org/undoable/internal/plan"
	"github.com/undoable-org/undoable/internal/runs"
)

// ErrNotAPlan is returned when a run's instruction cannot be parsed as a
// plan document.
var ErrNotAPlan = errors.New("instruction is not a plan document")

// InstructionProducer is the default plan source: agent clients submit the
// JSON form of a plan graph as the run instruction. Validation happens in
// the planning phase.
type InstructionProducer struct{}

func (InstructionProducer) Produce(_ context.Context, run *runs.Run) (*plan.Graph, error) {
	text := strings.TrimSpace(run.Instruction)
	if !strings.HasPrefix(text, "{") {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrNotAPlan)
	}
	var g plan.Graph
	if err := json.Unmarshal([]byte(text), &g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAPlan, err)
	}
	if g.AgentID == "" {
		g.AgentID = run.AgentID
	}
	return &g, nil
}
