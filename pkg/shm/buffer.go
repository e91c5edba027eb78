package shm

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	internalshm "github.com/srediag/shmchan/internal/shm"
)

// Owner is the value of the ownership flag: the side allowed to touch the payload.
type Owner uint32

const (
	Sender   Owner = 0
	Receiver Owner = 1
)

func (o Owner) String() string {
	switch o {
	case Sender:
		return "sender"
	case Receiver:
		return "receiver"
	}
	return fmt.Sprintf("owner(%d)", uint32(o))
}

// SpinPolicy selects how SpinUntil waits.
type SpinPolicy int

const (
	// SpinPure re-reads the flag back to back, without yielding.
	SpinPure SpinPolicy = iota
	// SpinYield calls runtime.Gosched every 64 reads. Use it when the peer may
	// share a CPU with the spinner.
	SpinYield
)

var (
	// ErrResourceExhausted is returned when the shared mapping cannot be created.
	ErrResourceExhausted = internalshm.ErrResourceExhausted

	errInvalidSize  = errors.New("invalid payload size")
	errInvalidOwner = errors.New("invalid initial owner")
)

// TransferBuffer is a payload slot plus an ownership flag in a mapping that
// child processes inherit.
type TransferBuffer struct {
	region *internalshm.MappedRegion
	size   int
	flag   *uint32
	spin   SpinPolicy
}

// OpenOptions defines options for creating or attaching a TransferBuffer.
type OpenOptions struct {
	// Name labels the backing memfd; it is not a filesystem path.
	Name string
	// Size is the number of usable payload bytes.
	Size int
	// Owner is written to the flag when the region is created here. An
	// inherited region keeps whatever its creator wrote.
	Owner Owner
	Spin  SpinPolicy
}

// Open creates a TransferBuffer, or attaches the one the parent process
// created at the same point of the program.
func Open(ctx context.Context, opts OpenOptions) (*TransferBuffer, error) {
	if opts.Size < 0 {
		return nil, fmt.Errorf("%w: %d", errInvalidSize, opts.Size)
	}
	if opts.Owner != Sender && opts.Owner != Receiver {
		return nil, fmt.Errorf("%w: %d", errInvalidOwner, opts.Owner)
	}
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name: opts.Name,
		Size: internalshm.RegionSize(opts.Size),
	})
	if err != nil {
		return nil, err
	}
	b := &TransferBuffer{
		region: region,
		size:   opts.Size,
		flag:   internalshm.FlagPtr(region.Addr, opts.Size),
		spin:   opts.Spin,
	}
	if !region.Inherited {
		b.WriteFlag(opts.Owner)
	}
	return b, nil
}

// Size returns the number of payload bytes.
func (b *TransferBuffer) Size() int {
	return b.size
}

// Inherited reports whether the mapping came from a parent process.
func (b *TransferBuffer) Inherited() bool {
	return b.region.Inherited
}

// Payload returns the payload bytes [0, Size); the flag follows at [Size].
// Only the side matching the flag may touch it.
func (b *TransferBuffer) Payload() []byte {
	off := internalshm.PayloadOffset(b.size)
	return b.region.Addr[off : off+b.size : off+b.size]
}

// ReadFlag loads the flag. Every call reads memory.
func (b *TransferBuffer) ReadFlag() Owner {
	return Owner(internalshm.LoadFlag(b.flag))
}

// WriteFlag publishes every payload write made before it.
func (b *TransferBuffer) WriteFlag(o Owner) {
	internalshm.StoreFlag(b.flag, uint32(o))
}

// SpinUntil busy-waits until the flag equals target. It never returns if the
// peer never hands over.
func (b *TransferBuffer) SpinUntil(target Owner) {
	if b.spin == SpinYield {
		for i := 0; b.ReadFlag() != target; i++ {
			if i&0x3F == 0 {
				runtime.Gosched()
			}
		}
		return
	}
	for b.ReadFlag() != target {
	}
}

// Close unmaps the buffer and closes its descriptor in this process. Peers
// keep their own mapping.
func (b *TransferBuffer) Close() error {
	return internalshm.UnmapRegion(context.Background(), b.region)
}
