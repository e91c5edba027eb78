package channel

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"unsafe"

	"github.com/srediag/shmchan/api"
	"github.com/srediag/shmchan/pkg/shm"
)

var (
	// ErrNotByteCopyable is returned for payload types holding pointers.
	ErrNotByteCopyable = errors.New("payload type is not byte-copyable")
	// ErrPayloadTooLarge is returned by Write when the data does not fit the slot.
	ErrPayloadTooLarge = errors.New("payload exceeds slot size")
)

var (
	_ api.ByteSender   = (*Sender[int64])(nil)
	_ api.ByteReceiver = (*Receiver[int64])(nil)
)

// Option configures NewReceiver.
type Option func(*options)

type options struct {
	name  string
	owner shm.Owner
	spin  shm.SpinPolicy
}

// WithName labels the backing mapping.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithOwner sets the initial flag. The default is shm.Sender.
func WithOwner(owner shm.Owner) Option {
	return func(o *options) { o.owner = owner }
}

// WithSpin selects the wait policy of both endpoints.
func WithSpin(p shm.SpinPolicy) Option {
	return func(o *options) { o.spin = p }
}

type counters struct {
	messages atomic.Uint64
	bytes    atomic.Uint64
}

func (c *counters) add(n int) {
	c.messages.Add(1)
	c.bytes.Add(uint64(n))
}

func (c *counters) stats() api.Stats {
	return api.Stats{Messages: c.messages.Load(), Bytes: c.bytes.Load()}
}

// Receiver is the receiving endpoint. It owns the TransferBuffer.
//
// A Receiver and its Sender are created before the process splits; afterwards
// each process uses only one of them. Neither endpoint may be used from
// several goroutines at once.
type Receiver[T any] struct {
	buf *shm.TransferBuffer
	counters
}

// Sender is the sending endpoint. It borrows the Receiver's buffer and must
// not be used after the Receiver is closed.
type Sender[T any] struct {
	buf *shm.TransferBuffer
	counters
}

// NewReceiver maps a slot of exactly sizeof(T) bytes. In a process started by
// pkg/spmd it attaches the slot its parent created at the same point.
func NewReceiver[T any](ctx context.Context, opts ...Option) (*Receiver[T], error) {
	var zero T
	t := reflect.TypeOf(&zero).Elem()
	if !byteCopyable(t) {
		return nil, fmt.Errorf("%w: %s", ErrNotByteCopyable, t)
	}
	o := options{name: t.String()}
	for _, opt := range opts {
		opt(&o)
	}
	buf, err := shm.Open(ctx, shm.OpenOptions{
		Name:  o.name,
		Size:  int(unsafe.Sizeof(zero)),
		Owner: o.owner,
		Spin:  o.spin,
	})
	if err != nil {
		return nil, fmt.Errorf("new receiver %s: %w", o.name, err)
	}
	return &Receiver[T]{buf: buf}, nil
}

// NewSender returns a Sender bound to r's buffer.
func (r *Receiver[T]) NewSender() *Sender[T] {
	return &Sender[T]{buf: r.buf}
}

// Recv waits for a value and hands the slot back to the sender.
func (r *Receiver[T]) Recv() T {
	var v T
	r.RecvInto(&v)
	return v
}

// RecvInto is Recv writing straight into dst, which avoids a copy for large T.
func (r *Receiver[T]) RecvInto(dst *T) {
	r.buf.SpinUntil(shm.Receiver)
	n := copy(bytesOf(dst), r.buf.Payload())
	r.buf.WriteFlag(shm.Sender)
	r.add(n)
}

// Read waits for a handoff and copies min(len(p), slot) bytes of the slot.
// The slot carries no length, so short writes leave stale bytes behind them.
func (r *Receiver[T]) Read(p []byte) (int, error) {
	r.buf.SpinUntil(shm.Receiver)
	n := copy(p, r.buf.Payload())
	r.buf.WriteFlag(shm.Sender)
	r.add(n)
	return n, nil
}

func (r *Receiver[T]) Owner() shm.Owner { return r.buf.ReadFlag() }

func (r *Receiver[T]) SlotSize() int { return r.buf.Size() }

func (r *Receiver[T]) Stats() api.Stats { return r.stats() }

// Close releases this process's mapping.
func (r *Receiver[T]) Close() error {
	return r.buf.Close()
}

// Send waits for the slot, copies v into it and hands it to the receiver.
func (s *Sender[T]) Send(v T) {
	s.SendFrom(&v)
}

// SendFrom is Send reading from src.
func (s *Sender[T]) SendFrom(src *T) {
	s.buf.SpinUntil(shm.Sender)
	n := copy(s.buf.Payload(), bytesOf(src))
	s.buf.WriteFlag(shm.Receiver)
	s.add(n)
}

// Write hands p over as one message. p must fit the slot.
func (s *Sender[T]) Write(p []byte) (int, error) {
	if len(p) > s.buf.Size() {
		return 0, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(p), s.buf.Size())
	}
	s.buf.SpinUntil(shm.Sender)
	n := copy(s.buf.Payload(), p)
	s.buf.WriteFlag(shm.Receiver)
	s.add(n)
	return n, nil
}

func (s *Sender[T]) Owner() shm.Owner { return s.buf.ReadFlag() }

func (s *Sender[T]) SlotSize() int { return s.buf.Size() }

func (s *Sender[T]) Stats() api.Stats { return s.stats() }

func bytesOf[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// byteCopyable reports whether a raw copy of t's bytes is a faithful copy of the value.
func byteCopyable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return t.Len() == 0 || byteCopyable(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !byteCopyable(t.Field(i).Type) {
				return false
			}
		}
		return true
	}
	return false
}
