// Package vm manages the lifecycle of the ephemeral configure VM.
//
// The Controller drives an Orchestrator through create, start, stop and
// remove, and exposes bounded wait-until-state operations on top of the
// orchestrator's show action.
//
// State:
//
// Nothing is cached. Every check re-queries the orchestrator, so a wait
// always sees the instance as the orchestrator currently reports it.
//
// Response shape:
//
// Orchestrators answer with JSON documents shaped like
// {"instance": {"id": ..., "state": ...}}, optionally wrapped in
// {"output": ...}. Every nesting level is checked before use; a mismatch is
// reported as ErrUnexpectedResponse together with the partial document.
//
// Context Support:
//
// All operations accept a context.Context. Waits stop between polls when the
// context is cancelled.
package vm
