package graph

import (
	"slices"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/logging"
	"github.com/hupe1980/agentgraph/registry"
)

// Catalog is the subset of the capability registry the builder needs.
type Catalog interface {
	Validate(names []string) error
	ResolveDependencies(names []string) ([]string, error)
	Primary(name string) (registry.Descriptor, bool)
}

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	Logger logging.Logger
}

// Builder turns a strategy plus capability set into a compiled graph.
type Builder struct {
	catalog Catalog
	logger  logging.Logger
}

// NewBuilder creates a Builder resolving stages from catalog.
func NewBuilder(catalog Catalog, optFns ...func(o *BuilderOptions)) *Builder {
	opts := BuilderOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Builder{catalog: catalog, logger: opts.Logger}
}

var structural = []string{
	core.CapImplementation, core.CapSecurity, core.CapTesting, core.CapReview,
	core.CapAggregator, core.CapRootCause, core.CapRefinement, core.CapApproval, core.CapFinalize,
}

// Build assembles the topology for strategy:
//
//   - linear: implementation, requested gates in sequence, finalize.
//   - parallel_gates: implementation fans out to the requested gates, which
//     join at the aggregator; refine loops through root_cause and refinement
//     back to implementation.
//   - adaptive_loop: implementation, optional security, review, optional
//     tests, aggregator, with the same loop.
//   - staged_approval: parallel_gates plus a human approval stage between the
//     aggregator and finalize; rejection routes to root_cause.
//
// Capabilities that are not part of the fixed topology run in dependency
// order right after implementation. requiresApproval inserts the approval
// stage before finalize for any strategy.
func (b *Builder) Build(strategy core.Strategy, capabilities []string, requiresApproval bool) (*Compiled, error) {
	if !strategy.Valid() {
		return nil, core.NewValidationError("strategy", "unknown strategy %q", strategy)
	}

	caps := slices.Clone(capabilities)
	if !strategy.Loops() {
		caps = slices.DeleteFunc(caps, func(c string) bool {
			return c == core.CapAggregator || c == core.CapRootCause || c == core.CapRefinement
		})
	}
	need := func(c string) {
		if !slices.Contains(caps, c) {
			caps = append(caps, c)
		}
	}
	need(core.CapImplementation)
	need(core.CapFinalize)
	if strategy == core.StrategyAdaptiveLoop {
		need(core.CapReview)
	}
	if strategy.Loops() {
		need(core.CapAggregator)
		need(core.CapRootCause)
		need(core.CapRefinement)
	}
	withApproval := requiresApproval || strategy == core.StrategyStagedApproval || slices.Contains(caps, core.CapApproval)
	if withApproval {
		need(core.CapApproval)
	}

	if err := b.catalog.Validate(caps); err != nil {
		return nil, err
	}
	closure, err := b.catalog.ResolveDependencies(caps)
	if err != nil {
		return nil, err
	}

	// Gates are only those explicitly requested; a gate pulled in as a
	// dependency still runs but as an ordinary stage.
	var gates []core.Gate
	for _, g := range core.Gates() {
		if slices.Contains(caps, core.CapabilityForGate(g)) {
			gates = append(gates, g)
		}
	}

	g := New()
	names := map[string]string{}
	for _, c := range closure {
		d, ok := b.catalog.Primary(c)
		if !ok {
			return nil, core.NewValidationError("capability", "unknown capability %q", c)
		}
		if err := g.AddNode(d.Stage); err != nil {
			return nil, err
		}
		names[c] = d.Stage.Name()
	}
	node := func(c string) string { return names[c] }
	gateNode := func(gt core.Gate) string { return names[core.CapabilityForGate(gt)] }

	// Extra capabilities (and unrequested gates pulled in as dependencies)
	// form a chain after implementation.
	var extras []string
	for _, c := range closure {
		if !slices.Contains(structural, c) {
			extras = append(extras, node(c))
			continue
		}
		if gt, ok := core.GateForCapability(c); ok && !slices.Contains(gates, gt) {
			extras = append(extras, node(c))
		}
	}
	chain := func(from string, seq []string) string {
		for _, n := range seq {
			g.AddEdge(from, n)
			from = n
		}
		return from
	}

	g.AddEdge(START, node(core.CapImplementation))
	tail := chain(node(core.CapImplementation), extras)

	finalize := node(core.CapFinalize)
	afterGates := finalize
	if withApproval {
		afterGates = node(core.CapApproval)
	}

	switch strategy {
	case core.StrategyLinear:
		var seq []string
		for _, gt := range gates {
			seq = append(seq, gateNode(gt))
		}
		last := chain(tail, seq)
		g.AddEdge(last, afterGates)

	case core.StrategyParallelGates, core.StrategyStagedApproval:
		agg := node(core.CapAggregator)
		if len(gates) == 0 {
			g.AddEdge(tail, agg)
		}
		for _, gt := range gates {
			g.AddEdge(tail, gateNode(gt))
			g.AddEdge(gateNode(gt), agg)
		}

	case core.StrategyAdaptiveLoop:
		var seq []string
		for _, gt := range []core.Gate{core.GateSecurity, core.GateReview, core.GateTests} {
			if slices.Contains(gates, gt) {
				seq = append(seq, gateNode(gt))
			}
		}
		last := chain(tail, seq)
		g.AddEdge(last, node(core.CapAggregator))
	}

	if strategy.Loops() {
		rca := node(core.CapRootCause)
		g.AddConditionalEdge(ConditionalEdge{
			From:      node(core.CapAggregator),
			Name:      "aggregate",
			Router:    AggregatorRouter,
			Decisions: []Decision{DecisionApprove, DecisionRefine, DecisionMaxIterations},
			Routes: map[Decision]Route{
				DecisionApprove:       {Target: afterGates, Status: core.StatusRunning},
				DecisionRefine:        {Target: rca, Status: core.StatusSelfHealing},
				DecisionMaxIterations: {Target: END, Status: core.StatusBlocked},
			},
		})
		g.AddEdge(rca, node(core.CapRefinement))
		g.AddEdge(node(core.CapRefinement), node(core.CapImplementation))
	}

	if withApproval {
		edge := ConditionalEdge{
			From:      node(core.CapApproval),
			Name:      "approval",
			Router:    ApprovalRouter,
			Decisions: []Decision{DecisionApproved, DecisionRejected},
			Routes: map[Decision]Route{
				DecisionApproved: {Target: finalize, Status: core.StatusRunning},
				DecisionRejected: {Target: END, Status: core.StatusFailed},
			},
		}
		if strategy.Loops() {
			// rejections refine like failed gates and share their budget
			edge.Router = LoopApprovalRouter
			edge.Decisions = append(edge.Decisions, DecisionMaxIterations)
			edge.Routes[DecisionRejected] = Route{Target: node(core.CapRootCause), Status: core.StatusSelfHealing}
			edge.Routes[DecisionMaxIterations] = Route{Target: END, Status: core.StatusBlocked}
		}
		g.AddConditionalEdge(edge)
	}
	g.AddEdge(finalize, END)

	c, err := g.Compile()
	if err != nil {
		return nil, err
	}
	c.Strategy = strategy
	c.Capabilities = closure
	c.Gates = gates
	c.RequiresApproval = withApproval

	b.logger.Debug("Graph compiled", "strategy", strategy, "nodes", len(c.order), "gates", gates)
	return c, nil
}
