// Package api defines public API contracts for shmchan.
package api

// Health reports whether a supervised process is still running.
type Health interface {
	Alive() (bool, error)
}
