// Package toolexecutor runs tools as billed, persisted tasks.
//
// The Executor applies the same pipeline to every tool regardless of backend:
//
//	prepare args → cost → verify balance → persist (pending) → start → spend
//
// and, once the backend reports a terminal state, settles the task exactly
// once, refunding the unproduced share of the cost on failure or cancellation.
// Backends are reached only through backend.Adapter.
package toolexecutor
