package driftkit

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// TypedValue is a serialized payload plus the registered name of its runtime
// type, adequate for type-based routing after reload.
type TypedValue struct {
	Type  string `json:"type,omitempty"`
	Value any    `json:"value,omitempty"`
}

// ContextSnapshot is the persisted form of a WorkflowContext.
type ContextSnapshot struct {
	Trigger TypedValue            `json:"trigger"`
	Outputs map[string]TypedValue `json:"outputs,omitempty"`
	Values  map[string]any        `json:"values,omitempty"`
}

// typeRegistry maps registered type names to reflect.Type tokens so that
// persisted payloads can be rehydrated to their runtime types. The engine
// populates it from every registered graph's node types, edge classes, and
// suspension resume types.
type typeRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
}

func newTypeRegistry() *typeRegistry {
	return &typeRegistry{byName: make(map[string]reflect.Type)}
}

func (r *typeRegistry) register(t reflect.Type) {
	if t == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[t.String()] = t
}

func (r *typeRegistry) registerGraph(g *Graph) {
	r.register(g.inputType)
	r.register(g.outputType)
	for _, id := range g.order {
		s := g.nodes[id]
		r.register(s.inputType)
		r.register(s.outputType)
		for _, e := range g.edges[id] {
			r.register(e.On)
		}
	}
}

func (r *typeRegistry) lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// encode wraps a runtime value with its type name. Unregistered types keep
// an empty tag and round-trip as generic JSON.
func (r *typeRegistry) encode(v any) TypedValue {
	if v == nil {
		return TypedValue{}
	}
	t := reflect.TypeOf(v)
	name := t.String()
	if _, ok := r.lookup(name); !ok {
		r.register(t)
	}
	return TypedValue{Type: name, Value: v}
}

// decode restores a persisted value to its registered runtime type. Values
// that never left the process (in-memory store) are returned as-is; values
// that round-tripped through JSON are re-unmarshalled into the registered
// type.
func (r *typeRegistry) decode(tv TypedValue) (any, error) {
	if tv.Value == nil {
		return nil, nil
	}
	if tv.Type == "" {
		return tv.Value, nil
	}
	t, ok := r.lookup(tv.Type)
	if !ok {
		return tv.Value, nil
	}
	if reflect.TypeOf(tv.Value) == t {
		return tv.Value, nil
	}
	raw, err := json.Marshal(tv.Value)
	if err != nil {
		return nil, fmt.Errorf("re-encode %s: %w", tv.Type, err)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", tv.Type, err)
	}
	return ptr.Elem().Interface(), nil
}

// snapshotContext serializes a WorkflowContext for persistence.
func snapshotContext(wctx *WorkflowContext, reg *typeRegistry) ContextSnapshot {
	outputs := wctx.snapshotOutputs()
	encoded := make(map[string]TypedValue, len(outputs))
	for k, v := range outputs {
		encoded[k] = reg.encode(v)
	}
	return ContextSnapshot{
		Trigger: reg.encode(wctx.Trigger()),
		Outputs: encoded,
		Values:  wctx.snapshotValues(),
	}
}

// hydrateContext rebuilds a WorkflowContext from its persisted snapshot.
func hydrateContext(runID string, snap ContextSnapshot, reg *typeRegistry) (*WorkflowContext, error) {
	trigger, err := reg.decode(snap.Trigger)
	if err != nil {
		return nil, err
	}
	wctx := newWorkflowContext(runID, trigger)
	for k, tv := range snap.Outputs {
		v, err := reg.decode(tv)
		if err != nil {
			return nil, err
		}
		wctx.outputs[k] = v
	}
	for k, v := range snap.Values {
		wctx.values[k] = v
	}
	return wctx, nil
}
