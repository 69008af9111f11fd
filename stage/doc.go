// Package stage provides the concrete workflow stages and the default
// capability catalog that wires them into a registry.
//
// Every stage implements core.Stage; the quality gates (security, tests,
// review) implement core.GateStage. Stages never mutate the state they
// receive: they describe their changes as a core.StatePatch. Stages that
// run concurrently write disjoint fields: gates only write their own verdict,
// their own output key and append-only lists, while the aggregator is the
// single writer of LastFailure in looping topologies.
package stage
