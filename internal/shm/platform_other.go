//go:build !linux

package shm

import (
	"context"
)

// MapRegion is not available off Linux; memfd is the only backing supported.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// UnmapRegion is a no-op off Linux.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	return nil
}
