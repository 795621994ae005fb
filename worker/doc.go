// Package worker implements the execution unit at the heart of procmesh:
// a state machine that pulls items from one input queue, filters and
// transforms them, and fans results out to zero or more output queues.
//
// Lifecycle:
//
//	New → PoweringOn → Running → PoweringOff → Stopped
//
// with an orthogonal absorbing Terminated state reachable from any
// non-Stopped state through Terminate.
//
// Behavior is supplied through the Handler interface: five overridable
// checks around a transform, each defaulting to a permissive no-op via
// the embeddable Base. Per-item transform failures are isolated; a
// worker never crashes because one item was bad.
package worker
