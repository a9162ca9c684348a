package driftkit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Edge is an outgoing connection from a step. A nil On makes the edge
// sequential (unconditional); otherwise the edge is taken when the produced
// payload's runtime type is assignable to On.
type Edge struct {
	To string
	On reflect.Type
}

// asyncRegistration binds a task-id pattern to a handler. A trailing '*' in
// the pattern matches any suffix; the registration with the longest literal
// prefix wins.
type asyncRegistration struct {
	pattern string
	handler AsyncHandler
}

// Graph is an immutable workflow description identified by (id, version).
// Nodes live in an arena keyed by step id; edges store target ids, never
// pointers, so graphs may self-loop. A Graph may be shared across any number
// of concurrent instances.
type Graph struct {
	id         string
	version    string
	inputType  reflect.Type
	outputType reflect.Type

	nodes   map[string]*Step
	order   []string // declaration order, for deterministic iteration
	edges   map[string][]Edge
	initial string

	asyncHandlers []asyncRegistration

	fingerprint string
}

// ID returns the workflow id.
func (g *Graph) ID() string { return g.id }

// Version returns the workflow version.
func (g *Graph) Version() string { return g.version }

// InputType returns the declared input type of the workflow, nil for void.
func (g *Graph) InputType() reflect.Type { return g.inputType }

// OutputType returns the declared output type of the workflow.
func (g *Graph) OutputType() reflect.Type { return g.outputType }

// InitialStepID returns the id of the entry node.
func (g *Graph) InitialStepID() string { return g.initial }

// Step returns the node with the given id, nil if absent.
func (g *Graph) Step(id string) *Step { return g.nodes[id] }

// Edges returns the ordered outgoing edges of a step.
func (g *Graph) Edges(stepID string) []Edge { return g.edges[stepID] }

// Fingerprint returns a content hash of the graph structure. Registering the
// same (id, version) twice is idempotent iff the fingerprints match.
func (g *Graph) Fingerprint() string { return g.fingerprint }

// newGraph assembles and validates a graph from builder output.
func newGraph(id, version string, input, output reflect.Type, steps []*Step, edges map[string][]Edge, initial string, handlers []asyncRegistration) (*Graph, error) {
	if id == "" {
		return nil, &DefinitionError{Graph: "(unnamed)", Detail: "workflow id is required"}
	}
	if len(steps) == 0 {
		return nil, &DefinitionError{Graph: id, Detail: "workflow has no steps"}
	}

	g := &Graph{
		id:            id,
		version:       version,
		inputType:     input,
		outputType:    output,
		nodes:         make(map[string]*Step, len(steps)),
		edges:         edges,
		initial:       initial,
		asyncHandlers: handlers,
	}
	for _, s := range steps {
		if _, dup := g.nodes[s.id]; dup {
			return nil, &DefinitionError{Graph: id, Detail: fmt.Sprintf("duplicate step id %q", s.id)}
		}
		g.nodes[s.id] = s
		g.order = append(g.order, s.id)
	}

	if g.initial == "" {
		return nil, &DefinitionError{Graph: id, Detail: "no initial step"}
	}
	if _, ok := g.nodes[g.initial]; !ok {
		return nil, &DefinitionError{Graph: id, Detail: fmt.Sprintf("initial step %q does not exist", g.initial)}
	}

	// Every edge target must exist.
	for from, outs := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return nil, &DefinitionError{Graph: id, Detail: fmt.Sprintf("edge source %q does not exist", from)}
		}
		for _, e := range outs {
			if _, ok := g.nodes[e.To]; !ok {
				return nil, &DefinitionError{Graph: id, Detail: fmt.Sprintf("edge %s -> %s targets unknown step", from, e.To)}
			}
		}
	}

	// Duplicate async patterns are an unresolvable-registration error.
	seen := make(map[string]bool, len(handlers))
	for _, h := range handlers {
		if seen[h.pattern] {
			return nil, &DefinitionError{Graph: id, Detail: fmt.Sprintf("duplicate async handler pattern %q", h.pattern)}
		}
		seen[h.pattern] = true
	}

	// Unreachable nodes are a warning at build, not an error; the builder
	// logs them. Reachability from the initial node is not computed here;
	// unreachable() computes it on demand so callers can assert on it.
	g.fingerprint = computeFingerprint(g)
	return g, nil
}

// unreachable returns step ids not reachable from the initial node by
// following edges.
func (g *Graph) unreachable() []string {
	reached := make(map[string]bool, len(g.nodes))
	stack := []string{g.initial}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[id] {
			continue
		}
		reached[id] = true
		for _, e := range g.edges[id] {
			stack = append(stack, e.To)
		}
	}
	var missing []string
	for _, id := range g.order {
		if !reached[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// selectEdge picks the outgoing edge for a produced payload type, per the
// type-based routing rules: conditional edges whose class is assignable from
// the payload's class are candidates; with zero candidates a single
// unconditional edge is used; with multiple candidates the unique
// most-specific class wins.
func (g *Graph) selectEdge(stepID string, payload reflect.Type) (Edge, error) {
	outs := g.edges[stepID]
	if len(outs) == 0 {
		return Edge{}, &RoutingError{Step: stepID, Payload: payload}
	}

	var candidates []Edge
	var unconditional []Edge
	for _, e := range outs {
		if e.On == nil {
			unconditional = append(unconditional, e)
			continue
		}
		if payload != nil && payload.AssignableTo(e.On) {
			candidates = append(candidates, e)
		}
	}

	switch len(candidates) {
	case 0:
		if len(unconditional) == 1 {
			return unconditional[0], nil
		}
		return Edge{}, &RoutingError{Step: stepID, Payload: payload}
	case 1:
		return candidates[0], nil
	}

	// Multiple candidates: the winner's class must be a strict subtype of
	// every other candidate's class.
	best := -1
	for i, c := range candidates {
		dominates := true
		for j, o := range candidates {
			if i == j {
				continue
			}
			if !strictSubtype(c.On, o.On) {
				dominates = false
				break
			}
		}
		if dominates {
			best = i
			break
		}
	}
	if best == -1 {
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = fmt.Sprintf("%s(%s)", c.To, typeName(c.On))
		}
		return Edge{}, &RoutingError{Step: stepID, Payload: payload, Candidates: names}
	}
	return candidates[best], nil
}

// strictSubtype reports whether a is assignable to b but not vice versa.
func strictSubtype(a, b reflect.Type) bool {
	return a.AssignableTo(b) && !b.AssignableTo(a)
}

// matchAsyncHandler resolves the handler for a task id: among registrations
// whose pattern matches, the longest literal prefix wins; two matches of
// equal specificity are a configuration error.
func matchAsyncHandler(regs []asyncRegistration, taskID string) (AsyncHandler, error) {
	type match struct {
		prefixLen int
		reg       asyncRegistration
	}
	var matches []match
	for _, r := range regs {
		if prefix, ok := patternMatches(r.pattern, taskID); ok {
			matches = append(matches, match{prefixLen: len(prefix), reg: r})
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no async handler registered for task %q", taskID)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].prefixLen > matches[j].prefixLen })
	if len(matches) > 1 && matches[0].prefixLen == matches[1].prefixLen {
		return nil, fmt.Errorf("ambiguous async handlers for task %q: %q and %q",
			taskID, matches[0].reg.pattern, matches[1].reg.pattern)
	}
	return matches[0].reg.handler, nil
}

// patternMatches reports whether taskID matches pattern and returns the
// pattern's literal prefix. A trailing '*' matches any suffix; without one
// the match is exact.
func patternMatches(pattern, taskID string) (string, bool) {
	if prefix, found := strings.CutSuffix(pattern, "*"); found {
		if strings.HasPrefix(taskID, prefix) {
			return prefix, true
		}
		return "", false
	}
	if pattern == taskID {
		return pattern, true
	}
	return "", false
}

// computeFingerprint hashes the structural content of the graph: node
// descriptors, edges, types, retry parameters, and async patterns.
func computeFingerprint(g *Graph) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s@%s:%s->%s:init=%s;", g.id, g.version, typeName(g.inputType), typeName(g.outputType), g.initial)
	for _, id := range g.order {
		s := g.nodes[id]
		fmt.Fprintf(&b, "node=%s(%s->%s,limit=%d/%s", id, typeName(s.inputType), typeName(s.outputType), s.invocationLimit, s.onLimit)
		if s.retry != nil {
			fmt.Fprintf(&b, ",retry=%d/%s/%g/%s/%g/%t", s.retry.MaxAttempts, s.retry.Delay, s.retry.BackoffMultiplier, s.retry.MaxDelay, s.retry.JitterFactor, s.retry.RetryOnFailResult)
		}
		b.WriteString(");")
		for _, e := range g.edges[id] {
			fmt.Fprintf(&b, "edge=%s->%s(%s);", id, e.To, typeName(e.On))
		}
	}
	patterns := make([]string, len(g.asyncHandlers))
	for i, h := range g.asyncHandlers {
		patterns[i] = h.pattern
	}
	sort.Strings(patterns)
	fmt.Fprintf(&b, "async=%s", strings.Join(patterns, ","))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
