// Package driftkit is a durable, type-directed workflow orchestration engine
// for long-running, possibly interactive computations: chat assistants,
// approval flows, ETL pipelines, sagas.
//
// Programs are expressed as immutable graphs of steps exchanging typed
// values. The engine drives each instance of a graph through suspensions,
// retries, branches, and asynchronous sub-tasks, persisting progress so that
// crashes or restarts never lose state.
//
// # Quick Start
//
// Build a graph, register it, execute an instance:
//
//	g, err := driftkit.NewGraph("greeting", "v1", driftkit.TypeOf[string](), driftkit.TypeOf[string]()).
//		Then(driftkit.Transform("hello", func(name string) (string, error) { return "Hello " + name, nil })).
//		Then(driftkit.Final("shout", func(s string) (string, error) { return strings.ToUpper(s), nil })).
//		Build()
//
//	engine := driftkit.New(memory.New())
//	engine.Register(g)
//	exec, _ := engine.Execute(ctx, "greeting", "World")
//	outcome, _ := exec.Await(ctx)
//
// # Core Pieces
//
//   - [StepResult] — the tagged outcome of every step: Continue, Finish,
//     Fail, Suspend, Async, Branch
//   - [WorkflowContext] — per-instance state: trigger data, step outputs,
//     user key-value store
//   - [GraphBuilder] — fluent construction with macro-nodes (Parallel,
//     BranchWhen, On/Is/Otherwise, Try/Catch/Finally)
//   - [AnalyzeSteps] — reflection scan of a user object's methods
//   - [RetryPolicy] — attempts, backoff, jitter, retry/abort error classes
//   - [Engine] — Execute, Resume, Cancel, async tracking, interceptors
//   - [Store] — pluggable persistence with lease-based instance locks
//
// # Included Stores
//
// store/memory (in-process, tests and defaults), store/sqlite (single-node
// durable, pure Go), store/postgres (multi-node, conditional-write lock
// leases).
//
// Suspension is explicit state, not stack magic: a suspended instance is
// entirely described by its persisted status, last step, and context, so any
// engine process can resume it.
package driftkit
