// Package graph assembles workflow graphs from stages and compiles them into
// an immutable, validated form the engine can drive.
//
// A node's outgoing transitions are either unconditional edges (several of
// them fan out into concurrently executed nodes) or a single conditional
// edge whose Router returns a Decision that is looked up in an exhaustive
// route table.
package graph

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/hupe1980/agentgraph/core"
)

// Virtual nodes.
const (
	START = "__start__"
	END   = "__end__"
)

// Route is the destination of one decision. A non-empty Status is applied to
// the run when the route is taken.
type Route struct {
	Target string
	Status core.Status
}

// ConditionalEdge routes from a node through a pure router.
type ConditionalEdge struct {
	From      string
	Name      string
	Router    Router
	Decisions []Decision
	Routes    map[Decision]Route
}

// Transition records a conditional edge that was taken.
type Transition struct {
	From     string
	Decision Decision
	Route    Route
}

// Graph is a mutable graph under construction.
type Graph struct {
	nodes map[string]core.Stage
	order []string
	edges map[string][]string
	cond  map[string]*ConditionalEdge
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		nodes: map[string]core.Stage{},
		edges: map[string][]string{},
		cond:  map[string]*ConditionalEdge{},
	}
}

// AddNode adds a stage under its name.
func (g *Graph) AddNode(stage core.Stage) error {
	name := stage.Name()
	if name == "" || name == START || name == END {
		return core.NewValidationError("graph.node", "invalid node name %q", name)
	}
	if _, ok := g.nodes[name]; ok {
		return core.NewValidationError("graph.node", "duplicate node %q", name)
	}
	g.nodes[name] = stage
	g.order = append(g.order, name)
	return nil
}

// AddEdge adds an unconditional edge. Several edges from one node fan out.
func (g *Graph) AddEdge(from, to string) {
	if !slices.Contains(g.edges[from], to) {
		g.edges[from] = append(g.edges[from], to)
	}
}

// AddConditionalEdge attaches a router to from.
func (g *Graph) AddConditionalEdge(e ConditionalEdge) {
	cp := e
	cp.Decisions = slices.Clone(e.Decisions)
	cp.Routes = make(map[Decision]Route, len(e.Routes))
	for k, v := range e.Routes {
		cp.Routes[k] = v
	}
	g.cond[e.From] = &cp
}

// Compile validates the graph and freezes it. It rejects dangling targets,
// mixed or missing out-edges, non-exhaustive route tables, nodes that cannot
// be reached from START and nodes with no path to END.
func (g *Graph) Compile() (*Compiled, error) {
	if len(g.edges[START]) == 0 {
		return nil, core.NewValidationError("graph", "no entry edge from %s", START)
	}
	if _, ok := g.cond[START]; ok {
		return nil, core.NewValidationError("graph", "%s cannot have a conditional edge", START)
	}

	exists := func(n string) bool {
		_, ok := g.nodes[n]
		return ok || n == END
	}

	for from, tos := range g.edges {
		if from != START && !exists(from) {
			return nil, core.NewValidationError("graph.edge", "unknown source %q", from)
		}
		if _, ok := g.cond[from]; ok {
			return nil, core.NewValidationError("graph.edge", "node %q has both conditional and unconditional edges", from)
		}
		for _, to := range tos {
			if !exists(to) {
				return nil, core.NewValidationError("graph.edge", "%s -> unknown target %q", from, to)
			}
		}
	}

	for from, e := range g.cond {
		if !exists(from) || from == END {
			return nil, core.NewValidationError("graph.route", "unknown source %q", from)
		}
		if e.Router == nil {
			return nil, core.NewValidationError("graph.route", "%s has no router", from)
		}
		if len(e.Decisions) == 0 {
			return nil, core.NewValidationError("graph.route", "%s declares no decisions", from)
		}
		for _, d := range e.Decisions {
			r, ok := e.Routes[d]
			if !ok {
				return nil, core.NewValidationError("graph.route", "%s: decision %q has no route", from, d)
			}
			if !exists(r.Target) {
				return nil, core.NewValidationError("graph.route", "%s: decision %q -> unknown target %q", from, d, r.Target)
			}
		}
		for d := range e.Routes {
			if !slices.Contains(e.Decisions, d) {
				return nil, core.NewValidationError("graph.route", "%s: route for undeclared decision %q", from, d)
			}
		}
	}

	for _, n := range g.order {
		if len(g.edges[n]) == 0 && g.cond[n] == nil {
			return nil, core.NewValidationError("graph.node", "node %q has no outgoing edge", n)
		}
	}

	c := &Compiled{
		nodes: g.nodes,
		order: slices.Clone(g.order),
		edges: g.edges,
		cond:  g.cond,
	}

	reachable := c.reach(START, c.successorsAll)
	for _, n := range c.order {
		if !reachable[n] {
			return nil, core.NewValidationError("graph.node", "node %q is unreachable from %s", n, START)
		}
	}

	pred := c.predecessors()
	terminates := c.reach(END, func(n string) []string { return pred[n] })
	for _, n := range c.order {
		if !terminates[n] {
			return nil, core.NewValidationError("graph.node", "node %q has no path to %s", n, END)
		}
	}

	return c, nil
}

// Compiled is an immutable, validated workflow graph.
type Compiled struct {
	Strategy         core.Strategy
	Capabilities     []string
	Gates            []core.Gate
	RequiresApproval bool

	nodes map[string]core.Stage
	order []string
	edges map[string][]string
	cond  map[string]*ConditionalEdge
}

// Node returns the stage for name.
func (c *Compiled) Node(name string) (core.Stage, bool) {
	s, ok := c.nodes[name]
	return s, ok
}

// Nodes returns node names in insertion order.
func (c *Compiled) Nodes() []string { return slices.Clone(c.order) }

// Entry returns the nodes START points to.
func (c *Compiled) Entry() []string { return slices.Clone(c.edges[START]) }

// Conditional returns the conditional edge leaving name, if any.
func (c *Compiled) Conditional(name string) (*ConditionalEdge, bool) {
	e, ok := c.cond[name]
	return e, ok
}

// Next evaluates the out-edges of node against state. For conditional edges
// the taken transition is returned; a decision without a route is a
// ValidationError.
func (c *Compiled) Next(node string, state *core.WorkflowState) ([]string, *Transition, error) {
	if e, ok := c.cond[node]; ok {
		d := e.Router(state)
		r, ok := e.Routes[d]
		if !ok {
			return nil, nil, core.NewValidationError("route", "%s produced undeclared decision %q", node, d)
		}
		return []string{r.Target}, &Transition{From: node, Decision: d, Route: r}, nil
	}
	return slices.Clone(c.edges[node]), nil, nil
}

func (c *Compiled) successorsAll(n string) []string {
	out := slices.Clone(c.edges[n])
	if e, ok := c.cond[n]; ok {
		for _, d := range e.Decisions {
			out = append(out, e.Routes[d].Target)
		}
	}
	return out
}

func (c *Compiled) predecessors() map[string][]string {
	pred := map[string][]string{}
	for _, n := range append([]string{START}, c.order...) {
		for _, s := range c.successorsAll(n) {
			pred[s] = append(pred[s], n)
		}
	}
	return pred
}

func (c *Compiled) reach(from string, next func(string) []string) map[string]bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, s := range next(n) {
			if !seen[s] {
				seen[s] = true
				queue = append(queue, s)
			}
		}
	}
	return seen
}

// Edges lists all transitions as "from -> to" or "from -[decision]-> to",
// sorted for stable output.
func (c *Compiled) Edges() []string {
	var out []string
	for _, n := range append([]string{START}, c.order...) {
		for _, to := range c.edges[n] {
			out = append(out, fmt.Sprintf("%s -> %s", n, to))
		}
		if e, ok := c.cond[n]; ok {
			for _, d := range e.Decisions {
				r := e.Routes[d]
				out = append(out, fmt.Sprintf("%s -[%s]-> %s", n, d, r.Target))
			}
		}
	}
	sort.Strings(out)
	return out
}

// Mermaid renders the graph as a Mermaid flowchart.
func (c *Compiled) Mermaid() string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	for _, n := range append([]string{START}, c.order...) {
		for _, to := range c.edges[n] {
			fmt.Fprintf(&b, "    %s --> %s\n", n, to)
		}
		if e, ok := c.cond[n]; ok {
			for _, d := range e.Decisions {
				fmt.Fprintf(&b, "    %s -- %s --> %s\n", n, d, e.Routes[d].Target)
			}
		}
	}
	return b.String()
}
