package graph

import (
	"testing"
	"time"

	"github.com/hupe1980/agentgraph/core"
	"github.com/stretchr/testify/assert"
)

var timeZero = time.Time{}

func TestAggregate_Scenarios(t *testing.T) {
	all := []core.Gate{core.GateSecurity, core.GateTests, core.GateReview}
	tests := []struct {
		name      string
		verdicts  map[core.Gate]bool
		iteration int
		max       int
		want      Decision
	}{
		{"all pass", map[core.Gate]bool{core.GateSecurity: true, core.GateTests: true, core.GateReview: true}, 0, 5, DecisionApprove},
		{"security fails early", map[core.Gate]bool{core.GateSecurity: false, core.GateTests: true, core.GateReview: true}, 1, 5, DecisionRefine},
		{"budget exhausted", map[core.Gate]bool{core.GateSecurity: true, core.GateTests: false, core.GateReview: true}, 5, 5, DecisionMaxIterations},
		{"all pass at budget", map[core.Gate]bool{core.GateSecurity: true, core.GateTests: true, core.GateReview: true}, 5, 5, DecisionApprove},
		{"missing verdict fails", map[core.Gate]bool{core.GateSecurity: true, core.GateTests: true}, 0, 3, DecisionRefine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(all, tt.verdicts, tt.iteration, tt.max))
		})
	}
}

func TestAggregate_OrderIndependent(t *testing.T) {
	orders := [][]core.Gate{
		{core.GateSecurity, core.GateTests, core.GateReview},
		{core.GateReview, core.GateSecurity, core.GateTests},
		{core.GateTests, core.GateReview, core.GateSecurity},
	}
	for mask := 0; mask < 8; mask++ {
		for it := 0; it <= 3; it++ {
			var want Decision
			for i, order := range orders {
				// Simulate verdicts arriving in a different completion order.
				verdicts := map[core.Gate]bool{}
				for _, g := range order {
					verdicts[g] = mask&(1<<gateIndex(g)) != 0
				}
				got := Aggregate(order, verdicts, it, 3)
				if i == 0 {
					want = got
					continue
				}
				assert.Equal(t, want, got)
			}
		}
	}
}

func gateIndex(g core.Gate) int {
	for i, x := range core.Gates() {
		if x == g {
			return i
		}
	}
	return -1
}

func TestAggregatorRouter_UsesState(t *testing.T) {
	s := core.NewWorkflowState("wf", "s", "r", "/ws", time.Now())
	s.Gates = []core.Gate{core.GateSecurity, core.GateReview}
	s.MaxIterations = 5
	s.Iteration = 1
	s.SecurityPassed = core.Bool(false)
	s.ReviewApproved = core.Bool(true)
	s.TestsPassed = core.Bool(false) // not requested

	assert.Equal(t, DecisionRefine, AggregatorRouter(s))

	s.SecurityPassed = core.Bool(true)
	assert.Equal(t, DecisionApprove, AggregatorRouter(s))
}

func TestLoopTerminatesWithinBudget(t *testing.T) {
	for max := 1; max <= 10; max++ {
		refines := 0
		for iteration := 0; ; iteration++ {
			d := Aggregate([]core.Gate{core.GateTests}, map[core.Gate]bool{core.GateTests: false}, iteration, max)
			if d != DecisionRefine {
				assert.Equal(t, DecisionMaxIterations, d)
				break
			}
			refines++
		}
		assert.LessOrEqual(t, refines, max)
	}
}

func TestApprovalRouter(t *testing.T) {
	s := core.NewWorkflowState("wf", "s", "r", "/ws", time.Now())
	assert.Equal(t, Decision(""), ApprovalRouter(s))

	for action, want := range map[string]Decision{
		"approve": DecisionApproved,
		"edit":    DecisionApproved,
		"reject":  DecisionRejected,
		"cancel":  "",
	} {
		s.Approval = &core.ApprovalRecord{RequestID: "r1", Action: action}
		assert.Equal(t, want, ApprovalRouter(s), action)
	}
}

func TestLoopApprovalRouter_RespectsBudget(t *testing.T) {
	s := core.NewWorkflowState("wf", "s", "r", "/ws", time.Now())
	s.MaxIterations = 3
	s.Approval = &core.ApprovalRecord{RequestID: "r1", Action: "reject"}

	s.Iteration = 2
	assert.Equal(t, DecisionRejected, LoopApprovalRouter(s))

	s.Iteration = 3
	assert.Equal(t, DecisionMaxIterations, LoopApprovalRouter(s))

	s.Approval.Action = "approve"
	assert.Equal(t, DecisionApproved, LoopApprovalRouter(s))
}
