package driftkit

import (
	"context"
	"fmt"
	"reflect"
)

// MethodSpec declares one step to discover on a user object. Step ids are
// explicit: Go has no method annotations, so the registration carries what
// the original reflection scan would read from them. Parameter and return
// types are still discovered via reflection.
type MethodSpec struct {
	id     string
	method string

	initial bool

	async   bool
	pattern string

	nextSteps   []string
	nextClasses []reflect.Type

	retry       *RetryPolicy
	limit       int
	limitPolicy LimitPolicy
	limitValue  any

	output reflect.Type
}

// MethodOption refines a Method spec.
type MethodOption func(*MethodSpec)

// Initial marks the method as the workflow's entry step. Exactly one step
// must carry it.
func Initial() MethodOption {
	return func(s *MethodSpec) { s.initial = true }
}

// NextSteps declares an explicit edge list to the named steps. The dispatch
// type check still applies: each edge accepts its target's input type.
func NextSteps(ids ...string) MethodOption {
	return func(s *MethodSpec) { s.nextSteps = append(s.nextSteps, ids...) }
}

// NextClasses declares the event classes this step may produce, enabling
// type-based routing on Continue and Branch results. Each class is bound at
// build time to the step that accepts it.
func NextClasses(types ...reflect.Type) MethodOption {
	return func(s *MethodSpec) { s.nextClasses = append(s.nextClasses, types...) }
}

// MethodRetry attaches a retry policy to the step.
func MethodRetry(p *RetryPolicy) MethodOption {
	return func(s *MethodSpec) { s.retry = p }
}

// MethodLimit caps the step's lifetime invocations.
func MethodLimit(n int, policy LimitPolicy, defaultValue any) MethodOption {
	return func(s *MethodSpec) {
		s.limit = n
		s.limitPolicy = policy
		s.limitValue = defaultValue
	}
}

// OutputType overrides the discovered output type. Required when the method
// returns a bare StepResult and the step's output participates in routing.
func OutputType(t reflect.Type) MethodOption {
	return func(s *MethodSpec) { s.output = t }
}

// Method declares a step backed by the named method of the scanned object.
func Method(id, methodName string, opts ...MethodOption) MethodSpec {
	s := MethodSpec{id: id, method: methodName}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// AsyncMethod declares an async handler backed by the named method, bound to
// a task-id pattern. The method must have the AsyncHandler signature.
func AsyncMethod(pattern, methodName string) MethodSpec {
	return MethodSpec{pattern: pattern, method: methodName, async: true}
}

var (
	ctxType       = reflect.TypeOf((*context.Context)(nil)).Elem()
	wctxType      = reflect.TypeOf((*WorkflowContext)(nil))
	stepResType   = reflect.TypeOf(StepResult{})
	errType       = reflect.TypeOf((*error)(nil)).Elem()
	asyncFuncType = reflect.TypeOf((AsyncHandler)(nil))
)

// AnalyzeSteps builds a Graph by scanning recv's methods per the specs. The
// supported parameter shapes are (), (input), (Context), and
// (input, Context), each optionally preceded by a context.Context; supported
// returns are StepResult, (StepResult, error), and (T, error), where a plain
// T is wrapped in Continue and becomes the step's output type.
//
// The workflow's input type is the initial step's input type; the output
// type is left unset (nil), whatever the terminal steps return.
func AnalyzeSteps(id, version string, recv any, specs ...MethodSpec) (*Graph, error) {
	rv := reflect.ValueOf(recv)
	if !rv.IsValid() {
		return nil, &DefinitionError{Graph: id, Detail: "nil step receiver"}
	}

	var steps []*Step
	var handlers []asyncRegistration
	stepSpecs := make(map[string]MethodSpec)
	var initial string

	for _, spec := range specs {
		m := rv.MethodByName(spec.method)
		if !m.IsValid() {
			return nil, &DefinitionError{Graph: id, Detail: fmt.Sprintf("method %q not found on %T", spec.method, recv)}
		}
		if spec.async {
			fn, ok := m.Interface().(func(context.Context, map[string]any, *WorkflowContext, ProgressReporter) StepResult)
			if !ok {
				return nil, &DefinitionError{Graph: id,
					Detail: fmt.Sprintf("method %q does not match the async handler signature %s", spec.method, asyncFuncType)}
			}
			handlers = append(handlers, asyncRegistration{pattern: spec.pattern, handler: AsyncHandler(fn)})
			continue
		}

		step, err := stepFromMethod(id, spec, m)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
		stepSpecs[spec.id] = spec
		if spec.initial {
			if initial != "" {
				return nil, &DefinitionError{Graph: id, Detail: fmt.Sprintf("both %q and %q marked initial", initial, spec.id)}
			}
			initial = spec.id
		}
	}
	if initial == "" {
		return nil, &DefinitionError{Graph: id, Detail: "no initial step"}
	}

	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		byID[s.id] = s
	}

	edges := make(map[string][]Edge)
	for _, s := range steps {
		spec := stepSpecs[s.id]
		for _, target := range spec.nextSteps {
			t, ok := byID[target]
			if !ok {
				return nil, &DefinitionError{Graph: id, Detail: fmt.Sprintf("step %q: next step %q not found", s.id, target)}
			}
			edges[s.id] = append(edges[s.id], Edge{To: target, On: t.inputType})
		}
		for _, class := range spec.nextClasses {
			target, err := stepAccepting(id, s.id, byID, class)
			if err != nil {
				return nil, err
			}
			edges[s.id] = append(edges[s.id], Edge{To: target, On: class})
		}
	}

	var inputType reflect.Type
	if init := byID[initial]; init != nil {
		inputType = init.inputType
	}

	return newGraph(id, version, inputType, nil, steps, edges, initial, handlers)
}

// stepAccepting finds the unique step whose declared input type accepts the
// event class. Zero or multiple matches are definition errors.
func stepAccepting(graphID, fromID string, steps map[string]*Step, class reflect.Type) (string, error) {
	var found string
	for sid, s := range steps {
		if sid == fromID || s.inputType == nil {
			continue
		}
		if class.AssignableTo(s.inputType) {
			if found != "" {
				return "", &DefinitionError{Graph: graphID,
					Detail: fmt.Sprintf("step %q: event class %s accepted by both %q and %q", fromID, class, found, sid)}
			}
			found = sid
		}
	}
	if found == "" {
		return "", &DefinitionError{Graph: graphID,
			Detail: fmt.Sprintf("step %q: no step accepts event class %s", fromID, class)}
	}
	return found, nil
}

// stepFromMethod builds a Step descriptor from a method's reflected
// signature.
func stepFromMethod(graphID string, spec MethodSpec, m reflect.Value) (*Step, error) {
	mt := m.Type()

	// Parameters: [context.Context,] [input,] [*WorkflowContext]
	var inputType reflect.Type
	wantsCtx, wantsWctx := false, false
	inputAt := -1
	for i := 0; i < mt.NumIn(); i++ {
		p := mt.In(i)
		switch {
		case i == 0 && p == ctxType:
			wantsCtx = true
		case p == wctxType:
			if wantsWctx {
				return nil, &DefinitionError{Graph: graphID, Detail: fmt.Sprintf("step %q: duplicate context parameter", spec.id)}
			}
			wantsWctx = true
		default:
			if inputType != nil {
				return nil, &DefinitionError{Graph: graphID, Detail: fmt.Sprintf("step %q: more than one input parameter", spec.id)}
			}
			inputType = p
			inputAt = i
		}
	}
	if wantsWctx && inputAt > 0 && mt.In(inputAt-1) == wctxType {
		return nil, &DefinitionError{Graph: graphID, Detail: fmt.Sprintf("step %q: input must precede the workflow context", spec.id)}
	}

	// Returns: StepResult | (StepResult, error) | (T, error)
	var outputType reflect.Type
	wrapContinue := false
	switch mt.NumOut() {
	case 1:
		if mt.Out(0) != stepResType {
			return nil, &DefinitionError{Graph: graphID,
				Detail: fmt.Sprintf("step %q: single return must be StepResult, got %s", spec.id, mt.Out(0))}
		}
	case 2:
		if mt.Out(1) != errType {
			return nil, &DefinitionError{Graph: graphID,
				Detail: fmt.Sprintf("step %q: second return must be error, got %s", spec.id, mt.Out(1))}
		}
		if mt.Out(0) != stepResType {
			outputType = mt.Out(0)
			wrapContinue = true
		}
	default:
		return nil, &DefinitionError{Graph: graphID, Detail: fmt.Sprintf("step %q: unsupported return arity %d", spec.id, mt.NumOut())}
	}
	if spec.output != nil {
		outputType = spec.output
	}

	call := func(ctx context.Context, input any, wctx *WorkflowContext) (StepResult, error) {
		args := make([]reflect.Value, 0, 3)
		if wantsCtx {
			args = append(args, reflect.ValueOf(ctx))
		}
		if inputType != nil {
			if input == nil {
				args = append(args, reflect.Zero(inputType))
			} else {
				args = append(args, reflect.ValueOf(input))
			}
		}
		if wantsWctx {
			args = append(args, reflect.ValueOf(wctx))
		}
		out := m.Call(args)

		if len(out) == 2 {
			if errv := out[1]; !errv.IsNil() {
				return StepResult{}, errv.Interface().(error)
			}
		}
		if wrapContinue {
			return Continue(out[0].Interface()), nil
		}
		return out[0].Interface().(StepResult), nil
	}

	return &Step{
		id:              spec.id,
		inputType:       inputType,
		outputType:      outputType,
		requiresContext: wantsWctx,
		retry:           spec.retry,
		invocationLimit: spec.limit,
		onLimit:         spec.limitPolicy,
		limitValue:      spec.limitValue,
		run:             call,
	}, nil
}
