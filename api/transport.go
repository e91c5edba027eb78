// Package api defines public API contracts for shmchan.
package api

import (
	"io"

	"github.com/srediag/shmchan/pkg/shm"
)

// Stats counts the traffic one endpoint has seen in this process. Counters are
// process-local; they are not part of the shared mapping.
type Stats struct {
	Messages uint64
	Bytes    uint64
}

// Endpoint is what both sides of a channel expose regardless of payload type.
type Endpoint interface {
	// Owner reads the ownership flag.
	Owner() shm.Owner
	// SlotSize is the payload capacity in bytes.
	SlotSize() int
	Stats() Stats
}

// ByteSender is the byte-stream view of the sending side. A write longer than
// the slot fails without a handoff.
type ByteSender interface {
	Endpoint
	io.Writer
}

// ByteReceiver is the byte-stream view of the receiving side.
type ByteReceiver interface {
	Endpoint
	io.Reader
	io.Closer
}
