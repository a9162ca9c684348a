package driftkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"
)

// parallelGrace bounds how long a parallel macro waits for siblings after
// the first child failure cancelled them.
const parallelGrace = 2 * time.Second

// Flow is an ordered sub-chain of steps used as a macro-node body (branch
// arms, case arms) or as the target of a conditional edge in Choose.
type Flow struct {
	steps []*Step
}

// NewFlow builds a sub-chain from steps executed in order, each receiving
// the previous step's Continue payload.
func NewFlow(steps ...*Step) *Flow {
	return &Flow{steps: steps}
}

// EdgeCase binds a payload type to the flow that consumes it. Used with
// GraphBuilder.Choose to declare conditional outgoing edges.
type EdgeCase struct {
	On   reflect.Type
	Flow *Flow
}

// When constructs an EdgeCase.
func When(on reflect.Type, flow *Flow) EdgeCase {
	return EdgeCase{On: on, Flow: flow}
}

// GraphBuilder assembles an immutable Graph from a fluent description.
// Operations append nodes and edges in order; the first error sticks and is
// returned by Build. The builder is not safe for concurrent use.
type GraphBuilder struct {
	id         string
	version    string
	inputType  reflect.Type
	outputType reflect.Type
	logger     *slog.Logger

	steps    []*Step
	edges    map[string][]Edge
	initial  string
	last     string // last appended node, target of the next sequential edge
	ended    bool   // set once the chain diverged (Choose) or finished
	handlers []asyncRegistration

	openCases bool // a case chain was started without Otherwise
	err       error
}

// NewGraph starts a builder for workflow (id, version) with the given input
// and output types. Use TypeOf to produce type tokens; a nil input type
// declares a void trigger.
func NewGraph(id, version string, input, output reflect.Type) *GraphBuilder {
	return &GraphBuilder{
		id:         id,
		version:    version,
		inputType:  input,
		outputType: output,
		logger:     slog.Default(),
		edges:      make(map[string][]Edge),
	}
}

// WithLogger sets the logger used for build-time warnings (unreachable
// nodes). Defaults to slog.Default().
func (b *GraphBuilder) WithLogger(l *slog.Logger) *GraphBuilder {
	b.logger = l
	return b
}

// fail records the first builder error.
func (b *GraphBuilder) fail(format string, args ...any) *GraphBuilder {
	if b.err == nil {
		b.err = &DefinitionError{Graph: b.id, Detail: fmt.Sprintf(format, args...)}
	}
	return b
}

// append adds a node and the sequential edge from the previous one.
func (b *GraphBuilder) append(s *Step) *GraphBuilder {
	if b.err != nil {
		return b
	}
	if b.ended {
		return b.fail("cannot append step %q after the chain diverged", s.id)
	}
	for _, existing := range b.steps {
		if existing.id == s.id {
			return b.fail("duplicate step id %q", s.id)
		}
	}
	b.steps = append(b.steps, s)
	if b.last == "" {
		b.initial = s.id
	} else {
		b.edges[b.last] = append(b.edges[b.last], Edge{To: s.id})
	}
	b.last = s.id
	return b
}

// Then appends a sequential step.
func (b *GraphBuilder) Then(s *Step) *GraphBuilder {
	return b.append(s)
}

// WithRetry attaches a retry policy to the last appended step.
func (b *GraphBuilder) WithRetry(p *RetryPolicy) *GraphBuilder {
	if b.err != nil {
		return b
	}
	if b.last == "" {
		return b.fail("WithRetry before any step")
	}
	b.steps[len(b.steps)-1].retry = p
	return b
}

// WithInvocationLimit attaches a lifetime invocation limit to the last
// appended step.
func (b *GraphBuilder) WithInvocationLimit(n int, policy LimitPolicy, defaultValue any) *GraphBuilder {
	if b.err != nil {
		return b
	}
	if b.last == "" {
		return b.fail("WithInvocationLimit before any step")
	}
	b.steps[len(b.steps)-1].WithInvocationLimit(n, policy, defaultValue)
	return b
}

// HandleAsync registers an async handler for task ids matching pattern.
// A trailing '*' matches any suffix; the registration with the longest
// literal prefix wins at dispatch.
func (b *GraphBuilder) HandleAsync(pattern string, fn AsyncHandler) *GraphBuilder {
	if b.err != nil {
		return b
	}
	b.handlers = append(b.handlers, asyncRegistration{pattern: pattern, handler: fn})
	return b
}

// Parallel appends a macro-node that runs children concurrently and joins
// their Continue payloads into an ordered []any. The first child failure
// cancels the others; a child that suspends is a configuration error.
func (b *GraphBuilder) Parallel(id string, children ...*Step) *GraphBuilder {
	if len(children) == 0 {
		return b.fail("parallel %q has no children", id)
	}
	macro := &Step{
		id:         id,
		inputType:  children[0].inputType,
		outputType: TypeOf[[]any](),
		run: func(ctx context.Context, input any, wctx *WorkflowContext) (StepResult, error) {
			return runParallel(ctx, id, children, input, wctx), nil
		},
	}
	return b.append(macro)
}

// BranchWhen appends a macro-node that evaluates pred against the incoming
// payload and runs either the true or the false sub-chain inline.
func (b *GraphBuilder) BranchWhen(id string, pred func(input any, wctx *WorkflowContext) bool, ifTrue, ifFalse *Flow) *GraphBuilder {
	if ifTrue == nil || ifFalse == nil {
		return b.fail("branch %q requires both sub-chains", id)
	}
	macro := &Step{
		id: id,
		run: func(ctx context.Context, input any, wctx *WorkflowContext) (StepResult, error) {
			flow := ifFalse
			if pred(input, wctx) {
				flow = ifTrue
			}
			return runFlow(ctx, id, flow, input, wctx), nil
		},
	}
	if len(ifTrue.steps) > 0 {
		macro.inputType = ifTrue.steps[0].inputType
	}
	return b.append(macro)
}

// Choose ends the main chain with conditional edges: each case's flow is
// materialized as real nodes, entered when the previous step's payload is
// assignable to the case's type. This is also how resume values are routed
// after a Suspend.
func (b *GraphBuilder) Choose(cases ...EdgeCase) *GraphBuilder {
	if b.err != nil {
		return b
	}
	if b.last == "" {
		return b.fail("Choose before any step")
	}
	if len(cases) == 0 {
		return b.fail("Choose with no cases")
	}
	from := b.last
	for _, c := range cases {
		if c.Flow == nil || len(c.Flow.steps) == 0 {
			return b.fail("Choose case for %s has an empty flow", typeName(c.On))
		}
		prev := ""
		for i, s := range c.Flow.steps {
			for _, existing := range b.steps {
				if existing.id == s.id {
					return b.fail("duplicate step id %q", s.id)
				}
			}
			b.steps = append(b.steps, s)
			if i == 0 {
				b.edges[from] = append(b.edges[from], Edge{To: s.id, On: c.On})
			} else {
				b.edges[prev] = append(b.edges[prev], Edge{To: s.id})
			}
			prev = s.id
		}
	}
	b.ended = true
	return b
}

// --- N-way value branch (On / Is / Otherwise) ---

// CaseChain accumulates an On(...).Is(...)...Otherwise(...) macro-node.
// Otherwise is required once any case is declared.
type CaseChain struct {
	b        *GraphBuilder
	id       string
	selector func(input any, wctx *WorkflowContext) any
	values   []any
	flows    []*Flow
}

// On starts an N-way branch macro: selector extracts the routing value from
// the incoming payload and context.
func (b *GraphBuilder) On(id string, selector func(input any, wctx *WorkflowContext) any) *CaseChain {
	b.openCases = true
	return &CaseChain{b: b, id: id, selector: selector}
}

// Is adds a case: when the selected value equals v, flow runs.
// Duplicate case values are rejected at build time.
func (c *CaseChain) Is(v any, flow *Flow) *CaseChain {
	for _, existing := range c.values {
		if existing == v {
			c.b.fail("branch %q: duplicate case value %v", c.id, v)
			return c
		}
	}
	c.values = append(c.values, v)
	c.flows = append(c.flows, flow)
	return c
}

// Otherwise closes the chain with the default flow and appends the compiled
// macro-node to the graph.
func (c *CaseChain) Otherwise(flow *Flow) *GraphBuilder {
	c.b.openCases = false
	if c.b.err != nil {
		return c.b
	}
	id := c.id
	selector := c.selector
	values := c.values
	flows := c.flows
	macro := &Step{
		id: id,
		run: func(ctx context.Context, input any, wctx *WorkflowContext) (StepResult, error) {
			v := selector(input, wctx)
			for i, want := range values {
				if v == want {
					return runFlow(ctx, id, flows[i], input, wctx), nil
				}
			}
			return runFlow(ctx, id, flow, input, wctx), nil
		},
	}
	return c.b.append(macro)
}

// --- Try / Catch / Finally ---

// catchClause pairs an error type with its handler step.
type catchClause struct {
	errType reflect.Type
	handler *Step
}

// TryChain accumulates a try/catch/finally macro-node. Call End to append
// the compiled node.
type TryChain struct {
	b        *GraphBuilder
	id       string
	body     *Step
	catches  []catchClause
	cleanup  *Step
}

// Try starts a try/catch/finally macro around body.
func (b *GraphBuilder) Try(id string, body *Step) *TryChain {
	return &TryChain{b: b, id: id, body: body}
}

// Catch adds a handler for failures whose error (or anything it wraps) is
// assignable to errType. Handlers are consulted in declaration order; the
// first supertype match wins.
func (t *TryChain) Catch(errType reflect.Type, handler *Step) *TryChain {
	t.catches = append(t.catches, catchClause{errType: errType, handler: handler})
	return t
}

// Finally sets a cleanup step that runs after the body and any handler,
// regardless of outcome.
func (t *TryChain) Finally(cleanup *Step) *TryChain {
	t.cleanup = cleanup
	return t
}

// End compiles the macro-node and appends it to the graph.
func (t *TryChain) End() *GraphBuilder {
	if t.b.err != nil {
		return t.b
	}
	id, body, catches, cleanup := t.id, t.body, t.catches, t.cleanup
	macro := &Step{
		id:         id,
		inputType:  body.inputType,
		outputType: body.outputType,
		run: func(ctx context.Context, input any, wctx *WorkflowContext) (StepResult, error) {
			return runTry(ctx, id, body, catches, cleanup, input, wctx), nil
		},
	}
	return t.b.append(macro)
}

// Build validates the description and returns the immutable Graph.
func (b *GraphBuilder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.openCases {
		return nil, &DefinitionError{Graph: b.id, Detail: "case chain not closed with Otherwise"}
	}
	g, err := newGraph(b.id, b.version, b.inputType, b.outputType, b.steps, b.edges, b.initial, b.handlers)
	if err != nil {
		return nil, err
	}
	if missing := g.unreachable(); len(missing) > 0 {
		b.logger.Warn("workflow has unreachable steps", "workflow", b.id, "steps", missing)
	}
	return g, nil
}

// --- Macro-node bodies ---

// invokeChild runs one macro-body child through the retry executor and the
// context's internal step listener.
func invokeChild(ctx context.Context, child *Step, input any, wctx *WorkflowContext) attempted {
	exec := wctx.executor()
	listener := wctx.stepListener()
	sc := &StepContext{RunID: wctx.RunID(), StepID: child.id, Input: input, Context: wctx}
	attempt := func() StepResult {
		sc.Attempt = wctx.RetryAttempt()
		res, replaced := StepResult{}, false
		if listener != nil {
			if r := listener.BeforeStep(sc); r != nil {
				res, replaced = *r, true
			}
		}
		if !replaced {
			res = child.invoke(ctx, input, wctx)
		}
		if listener != nil {
			listener.AfterStep(sc, res)
		}
		return res
	}
	return exec.run(ctx, child.id, child.retry, wctx, wctx.cancelledChan(), attempt)
}

// runFlow executes a macro sub-chain in order, piping Continue payloads.
// Finish and Fail propagate; Suspend and Async inside a macro body are a
// configuration error because the macro keeps no resumable continuation.
func runFlow(ctx context.Context, macroID string, flow *Flow, input any, wctx *WorkflowContext) StepResult {
	cur := input
	for _, child := range flow.steps {
		att := invokeChild(ctx, child, cur, wctx)
		switch att.result.Kind() {
		case ResultContinue, ResultBranch:
			cur = att.result.Data()
			wctx.setStepOutput(child.id, cur)
		case ResultFinish:
			wctx.setStepOutput(child.id, att.result.Data())
			return att.result
		case ResultFail:
			return att.result
		default:
			return Fail(&DefinitionError{Graph: macroID,
				Detail: fmt.Sprintf("step %q returned %s inside a macro body", child.id, att.result.Kind())})
		}
	}
	return Continue(cur)
}

// runParallel dispatches children concurrently and joins their payloads in
// declared order. All-succeed-or-first-fail: the first failure cancels the
// remaining children's contexts and retry sleeps, and siblings are awaited
// only for a bounded grace period.
func runParallel(parent context.Context, macroID string, children []*Step, input any, wctx *WorkflowContext) StepResult {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	results := make([]StepResult, len(children))
	done := make(chan int, len(children))
	for i, child := range children {
		go func(i int, child *Step) {
			att := invokeChild(ctx, child, input, wctx)
			results[i] = att.result
			done <- i
		}(i, child)
	}

	var firstFail *StepResult
	finished := 0
	for finished < len(children) {
		i := <-done
		finished++
		if r := results[i]; r.isFailure() && firstFail == nil {
			ff := r
			firstFail = &ff
			cancel()
			// Bounded grace for the cancelled siblings.
			grace := time.NewTimer(parallelGrace)
			for finished < len(children) {
				select {
				case <-done:
					finished++
				case <-grace.C:
					grace.Stop()
					return *firstFail
				}
			}
			grace.Stop()
		}
	}
	if firstFail != nil {
		return *firstFail
	}

	joined := make([]any, len(children))
	for i, r := range results {
		switch r.Kind() {
		case ResultContinue, ResultFinish, ResultBranch:
			joined[i] = r.Data()
			wctx.setStepOutput(children[i].id, r.Data())
		default:
			return Fail(&DefinitionError{Graph: macroID,
				Detail: fmt.Sprintf("parallel child %q returned %s", children[i].id, r.Kind())})
		}
	}
	return Continue(joined)
}

// runTry executes body under a try/catch/finally discipline. On failure the
// first handler whose declared type matches the error chain runs with the
// matched error value as input; with no match the failure propagates after
// the cleanup. The cleanup always runs last; if it fails while another error
// is pending, the errors are joined.
func runTry(ctx context.Context, macroID string, body *Step, catches []catchClause, cleanup *Step, input any, wctx *WorkflowContext) StepResult {
	att := invokeChild(ctx, body, input, wctx)
	result := att.result

	if result.isFailure() {
		if clause, errVal := matchCatch(catches, result.Err()); clause != nil {
			handled := invokeChild(ctx, clause.handler, errVal, wctx)
			result = handled.result
		}
	}

	switch result.Kind() {
	case ResultSuspend, ResultAsync:
		result = Fail(&DefinitionError{Graph: macroID,
			Detail: fmt.Sprintf("step %q returned %s inside a try macro", body.id, result.Kind())})
	case ResultContinue, ResultFinish, ResultBranch:
		wctx.setStepOutput(body.id, result.Data())
	}

	if cleanup != nil {
		cleaned := invokeChild(ctx, cleanup, input, wctx)
		if cleaned.result.isFailure() {
			if result.isFailure() {
				return Fail(errors.Join(result.Err(), cleaned.result.Err()))
			}
			return cleaned.result
		}
	}
	return result
}

// matchCatch finds the first clause whose declared type is a supertype of
// some error in the chain, returning the matched error value to hand to the
// handler.
func matchCatch(catches []catchClause, err error) (*catchClause, error) {
	for i := range catches {
		for e := err; e != nil; e = errors.Unwrap(e) {
			if _, internal := e.(*stepErrMark); internal {
				continue
			}
			if reflect.TypeOf(e).AssignableTo(catches[i].errType) {
				return &catches[i], e
			}
		}
	}
	return nil, nil
}
