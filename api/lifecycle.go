// Package api defines public API contracts for shmchan.
package api

// Lifecycle is the per-process view of a launched group of workers.
type Lifecycle interface {
	// Rank is unique in [0, Size).
	Rank() int
	Size() int
	// Wait blocks until every process this one spawned has exited.
	Wait() error
}
