// Package queue provides the FIFO message channel every data path in
// procmesh is built on.
//
// A Queue is a multi-producer/multi-consumer channel with:
//   - Non-blocking enqueue: Put never blocks, bounded queues report full
//   - Timeout-bounded dequeue: Get blocks up to a configurable timeout
//   - Exactly-once consumption: an item is delivered to a single consumer
//   - Stop sentinel: StopSignal marks end-of-stream for one consumer
//
// Queues are process-local and best-effort; items in flight when a
// consumer is forcibly terminated are lost.
package queue
