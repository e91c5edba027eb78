package shm

import (
	"sync/atomic"
	"unsafe"
)

// FlagWidth is the size of the ownership word. sync/atomic has no 8-bit
// operations, so the flag occupies an aligned uint32.
const FlagWidth = 4

// FlagOffset returns where the ownership word lives in the mapping. The word
// is aligned, and it starts right where a payload of size bytes ends.
func FlagOffset(size int) int {
	return (size + FlagWidth - 1) &^ (FlagWidth - 1)
}

// PayloadOffset returns where a payload of size bytes starts, so that the
// slot reads payload [0, size) followed by the flag at [size]. The payload is
// therefore not aligned for any type wider than the padding allows.
func PayloadOffset(size int) int {
	return FlagOffset(size) - size
}

// RegionSize is the mapping length needed for a payload of size bytes.
func RegionSize(size int) int {
	return FlagOffset(size) + FlagWidth
}

// FlagPtr returns the ownership word inside mem. mem must come from a mapping,
// which is page aligned, so the word is naturally aligned.
func FlagPtr(mem []byte, size int) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[FlagOffset(size)]))
}

// LoadFlag loads the ownership word. Go atomics are sequentially consistent,
// which gives the acquire side of the handoff.
func LoadFlag(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

// StoreFlag stores the ownership word with release semantics (and more).
func StoreFlag(addr *uint32, v uint32) {
	atomic.StoreUint32(addr, v)
}
