//go:build linux

package shm

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sys/unix"
)

// MapRegion maps a shared memory region (Linux implementation). The first
// region the parent passed down under the same name is attached as is;
// otherwise, or when the parent had already closed it, a new memfd is created.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", opts.Size)
	}
	e := table.claim(opts.Name)
	if e != nil && e.file != nil {
		return attachRegion(e.file, opts)
	}
	if !canAllocate(ctx, uint64(opts.Size)) {
		return nil, fmt.Errorf("%w: %d bytes exceed available memory", ErrResourceExhausted, opts.Size)
	}
	fd, err := unix.MemfdCreate("shmchan:"+opts.Name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: memfd_create: %v", ErrResourceExhausted, err)
	}
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: ftruncate: %v", ErrResourceExhausted, err)
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: mmap: %v", ErrResourceExhausted, err)
	}
	f := os.NewFile(uintptr(fd), "shmchan:"+opts.Name)
	table.bind(e, opts.Name, f)
	return &MappedRegion{
		Addr: addr,
		File: f,
	}, nil
}

func attachRegion(f *os.File, opts MapOptions) (*MappedRegion, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		dropInherited(f)
		return nil, fmt.Errorf("fstat inherited region: %w", err)
	}
	if st.Size != int64(opts.Size) {
		dropInherited(f)
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrRegionMismatch, opts.Name, st.Size, opts.Size)
	}
	addr, err := unix.Mmap(int(f.Fd()), 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		dropInherited(f)
		return nil, fmt.Errorf("%w: mmap inherited: %v", ErrResourceExhausted, err)
	}
	return &MappedRegion{
		Addr:      addr,
		File:      f,
		Inherited: true,
	}, nil
}

func dropInherited(f *os.File) {
	table.release(f)
	_ = f.Close()
}

// UnmapRegion unmaps and closes the shared memory region (Linux implementation).
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	if region.File != nil {
		table.release(region.File)
		if err := region.File.Close(); err != nil {
			return fmt.Errorf("close region fd: %w", err)
		}
	}
	return nil
}

// canAllocate is only a best-effort guard; on any stat failure it lets mmap decide.
func canAllocate(ctx context.Context, size uint64) bool {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return true
	}
	return size <= vm.Available
}
