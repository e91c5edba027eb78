// Package shm contains platform-specific helpers for the shared memory regions
// behind every channel, and the table of region descriptors that children inherit.
package shm

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
)

// InheritedEnv names the environment variable describing the regions passed
// to a child: one `o:<name>` (descriptor passed, from fd 3 on) or `x:<name>`
// (closed before the spawn) item per region, in creation order.
const InheritedEnv = "SHMCHAN_INHERITED"

var (
	ErrResourceExhausted = errors.New("shared mapping cannot be created")
	ErrRegionMismatch    = errors.New("inherited region does not match the requested size")
	ErrUnsupported       = errors.New("shared mappings are not supported on this platform")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	// File backs the mapping; it is what children inherit.
	File *os.File
	// Inherited is true when the region was attached from a parent process.
	Inherited bool
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name string
	Size int
}

// Function implementations are provided in platform-specific files (e.g., platform_linux.go).

// entry is one region of this process, in creation order. A closed region
// keeps its entry so that a child replaying the same creations stays in step.
type entry struct {
	name string
	// file is nil once the region is closed.
	file *os.File
	// pending entries came from the parent and no MapRegion has claimed them.
	pending bool
}

type regionTable struct {
	mu      sync.Mutex
	entries []*entry
}

var table = newRegionTable()

func newRegionTable() *regionTable {
	v, ok := os.LookupEnv(InheritedEnv)
	if !ok {
		return &regionTable{}
	}
	_ = os.Unsetenv(InheritedEnv)
	entries, err := parseInherited(v, func(i int) *os.File {
		return os.NewFile(uintptr(3+i), "shmchan-inherited-"+strconv.Itoa(i))
	})
	if err != nil {
		return &regionTable{}
	}
	return &regionTable{entries: entries}
}

// parseInherited decodes the InheritedEnv value. open returns the i-th passed
// descriptor; closed regions have none.
func parseInherited(v string, open func(i int) *os.File) ([]*entry, error) {
	if v == "" {
		return nil, nil
	}
	var out []*entry
	fds := 0
	for _, item := range strings.Split(v, ",") {
		if len(item) < 2 || item[1] != ':' {
			return nil, fmt.Errorf("bad inherited region %q", item)
		}
		name, err := url.QueryUnescape(item[2:])
		if err != nil {
			return nil, err
		}
		e := &entry{name: name, pending: true}
		switch item[0] {
		case 'o':
			e.file = open(fds)
			fds++
		case 'x':
		default:
			return nil, fmt.Errorf("bad inherited region %q", item)
		}
		out = append(out, e)
	}
	return out, nil
}

// claim hands out the first unclaimed inherited entry named name, or nil.
// Matching by name lets a child skip regions of code paths it never runs.
func (t *regionTable) claim(name string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.pending && e.name == name {
			e.pending = false
			return e
		}
	}
	return nil
}

// bind records f as the region of e, or of a new entry when e is nil.
func (t *regionTable) bind(e *entry, name string, f *os.File) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e == nil {
		t.entries = append(t.entries, &entry{name: name, file: f})
		return
	}
	e.file = f
}

// release marks the region of f closed.
func (t *regionTable) release(f *os.File) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.file == f {
			e.file = nil
			return
		}
	}
}

// snapshot returns the open descriptors and the InheritedEnv value that
// describes every entry, closed ones included.
func (t *regionTable) snapshot() ([]*os.File, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var files []*os.File
	items := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		state := "x:"
		if e.file != nil {
			state = "o:"
			files = append(files, e.file)
		}
		items = append(items, state+url.QueryEscape(e.name))
	}
	return files, strings.Join(items, ",")
}

// Inheritance returns what a child needs to attach this process's regions:
// the descriptors to pass from fd 3 on, and the environment entry describing
// them. Regions already closed are listed without a descriptor, so the child
// creating and closing them again does not shift the ones still shared.
func Inheritance() ([]*os.File, string) {
	files, v := table.snapshot()
	return files, InheritedEnv + "=" + v
}

// PendingInherited reports how many inherited regions are still unclaimed.
func PendingInherited() int {
	table.mu.Lock()
	defer table.mu.Unlock()
	n := 0
	for _, e := range table.entries {
		if e.pending {
			n++
		}
	}
	return n
}
