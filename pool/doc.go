// Package pool provides the Pool Manager: owner of a homogeneous set of
// workers, the queues they share, the autoscaling control loop, and the
// dependency graph that chains independent pools into pipelines.
//
// Usage protocol:
//
//	m, _ := pool.New(pool.Config{Handler: h, MinWorkers: 2})
//	m.Start()
//	m.Push(item)
//	m.PushStopSignal()
//	m.Wait()
//
// or Terminate at any point for abrupt shutdown. Push is rejected after
// PushStopSignal.
//
// Pools chain through Chain or Link: the producer's output queue becomes
// the consumer's input queue and a dependency edge is recorded, so Wait
// and Terminate on the head of a pipeline cascade to every downstream
// pool. Edges that would create a cycle are rejected at construction.
package pool
