//go:build linux

package spmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalshm "github.com/srediag/shmchan/internal/shm"
	"github.com/srediag/shmchan/internal/testutil"
)

const helperEnv = "SPMD_TEST_HELPER"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "init":
		initHelper()
	case "finalize":
		if Init().Rank == 2 {
			os.Exit(5)
		}
		Finalize()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// initHelper is a program using Init the usual way: every rank marks itself
// in a region created before Init and prints its rank.
func initHelper() {
	size := 4
	if n, err := ParseArgs(os.Args[1:]); err == nil {
		size = 4 * n
	}
	region, err := internalshm.MapRegion(context.Background(), internalshm.MapOptions{Name: "init-ranks", Size: size})
	if err != nil {
		os.Exit(10)
	}
	info := Init()
	atomic.AddUint32(counter(region.Addr, info.Rank), 1)
	fmt.Printf("rank %d of %d\n", info.Rank, info.Processes)
	Finalize()
	if info.Rank == 0 {
		for r := 0; r < info.Processes; r++ {
			if atomic.LoadUint32(counter(region.Addr, r)) != 1 {
				os.Exit(11)
			}
		}
	}
	os.Exit(0)
}

func helper(t *testing.T, mode string, args ...string) *exec.Cmd {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)
	cmd := exec.CommandContext(ctx, os.Args[0], append([]string{"-test.run=^$"}, args...)...)
	cmd.Env = append(os.Environ(), helperEnv+"="+mode)
	cmd.Stderr = os.Stderr
	return cmd
}

func exitCode(t *testing.T, err error) int {
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	return exitErr.ExitCode()
}

func TestInitFromArguments(t *testing.T) {
	out, err := helper(t, "init", "-n", "8").Output()
	require.NoError(t, err)

	var ranks []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		var rank, size int
		_, err := fmt.Sscanf(line, "rank %d of %d", &rank, &size)
		require.NoError(t, err, line)
		assert.Equal(t, 8, size)
		ranks = append(ranks, rank)
	}
	sort.Ints(ranks)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, ranks)
}

func TestInitBadArgumentsExitOne(t *testing.T) {
	assert.Equal(t, 1, exitCode(t, helper(t, "init", "-n", "x").Run()))
	assert.Equal(t, 1, exitCode(t, helper(t, "init", "-n", "0").Run()))
}

func TestFinalizeExitsWithWorkerStatus(t *testing.T) {
	assert.Equal(t, 5, exitCode(t, helper(t, "finalize", "-n", "3").Run()))
}

// testConfig re-runs only the calling test in every worker.
func testConfig(t *testing.T, n int) Config {
	return Config{
		Processes: n,
		Args:      testutil.RunArgs(t),
		Stdout:    os.Stderr,
		Stderr:    os.Stderr,
		Timeout:   time.Minute,
	}
}

func markers(t *testing.T, n int) []byte {
	ctx := context.Background()
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Name: t.Name(), Size: 4 * n})
	require.NoError(t, err)
	t.Cleanup(func() { _ = internalshm.UnmapRegion(ctx, region) })
	return region.Addr
}

func counter(mem []byte, rank int) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[4*rank]))
}

func TestLaunchProcesses(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 8, 16, 17, 33} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			if n > 8 && testing.Short() {
				t.Skip("large group")
			}
			mem := markers(t, n)

			w, err := Launch(context.Background(), testConfig(t, n))
			require.NoError(t, err)
			info := w.Info()
			require.Equal(t, n, info.Processes)
			require.GreaterOrEqual(t, info.Rank, 0)
			require.Less(t, info.Rank, n)
			plan, err := Plan(n)
			require.NoError(t, err)
			require.Equal(t, plan[info.Rank], w.Self())

			atomic.AddUint32(counter(mem, info.Rank), 1)
			require.NoError(t, w.Wait())
			if info.Rank != 0 {
				return
			}
			for r := 0; r < n; r++ {
				assert.Equal(t, uint32(1), atomic.LoadUint32(counter(mem, r)), "rank %d", r)
			}
		})
	}
}

func TestLaunchRootChildren(t *testing.T) {
	w, err := Launch(context.Background(), testConfig(t, 8))
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Wait()) }()
	if w.Rank() != 0 {
		return
	}

	assert.Equal(t, Assignment{Rank: 0, Span: 8, Parent: -1}, w.Self())
	var ranks []int
	for _, p := range w.Children() {
		ranks = append(ranks, p.Rank)
		assert.Positive(t, p.Pid())
	}
	assert.Equal(t, []int{1, 2, 4}, ranks)
}

func TestLaunchSingleProcessStartsNothing(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.Executable = "/nonexistent/shmchan-worker"
	w, err := Launch(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, MpiInformation{Processes: 1, Rank: 0}, w.Info())
	assert.Empty(t, w.Children())
	assert.NoError(t, w.Wait())
}

func TestLaunchWorkerFailure(t *testing.T) {
	w, err := Launch(context.Background(), testConfig(t, 3))
	require.NoError(t, err)
	if w.Rank() == 2 {
		os.Exit(5)
	}
	err = w.Wait()
	if w.Rank() != 0 {
		require.NoError(t, err)
		return
	}

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Rank)
	assert.Equal(t, 5, exitErr.Code)
}

func TestLaunchSpawnFailure(t *testing.T) {
	cfg := testConfig(t, 4)
	cfg.Executable = "/nonexistent/shmchan-worker"
	w, err := Launch(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrLaunch)
	require.NotNil(t, w)
	assert.NoError(t, w.Wait())
}

func TestLaunchRejectsEmptyGroup(t *testing.T) {
	_, err := Launch(context.Background(), Config{Processes: 0})
	assert.ErrorIs(t, err, ErrLaunch)
}

func TestForkExitCode(t *testing.T) {
	p, err := Fork(context.Background(), testConfig(t, 0))
	require.NoError(t, err)
	if p == nil {
		os.Exit(3)
	}

	var exitErr *ExitError
	require.ErrorAs(t, p.Wait(), &exitErr)
	assert.Equal(t, -1, exitErr.Rank)
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, p.Pid(), exitErr.Pid)
	// Repeated waits report the same result.
	assert.Same(t, exitErr, p.Wait())
}

func TestForkSharesRegion(t *testing.T) {
	mem := markers(t, 1)
	p, err := Fork(context.Background(), testConfig(t, 0))
	require.NoError(t, err)
	if p == nil {
		atomic.StoreUint32(counter(mem, 0), 42)
		return
	}
	require.NoError(t, p.Wait())
	assert.Equal(t, uint32(42), atomic.LoadUint32(counter(mem, 0)))
}

func TestForkTimeoutKillsChild(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.Timeout = 300 * time.Millisecond
	cfg.Stderr = io.Discard
	p, err := Fork(context.Background(), cfg)
	require.NoError(t, err)
	if p == nil {
		time.Sleep(time.Minute)
		return
	}

	start := time.Now()
	var exitErr *ExitError
	require.ErrorAs(t, p.Wait(), &exitErr)
	assert.NotZero(t, exitErr.Code)
	assert.Less(t, time.Since(start), 30*time.Second)
}

func TestForkReplaysClosedRegions(t *testing.T) {
	ctx := context.Background()
	mapped := func(name string) *internalshm.MappedRegion {
		r, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Name: t.Name() + "/" + name, Size: 8})
		require.NoError(t, err)
		return r
	}
	// Both sides create and close the same regions before the shared one.
	require.NoError(t, internalshm.UnmapRegion(ctx, mapped("scratch")))
	require.NoError(t, internalshm.UnmapRegion(ctx, mapped("shared")))
	shared := mapped("shared")
	t.Cleanup(func() { _ = internalshm.UnmapRegion(ctx, shared) })

	p, err := Fork(ctx, testConfig(t, 0))
	require.NoError(t, err)
	if p == nil {
		require.True(t, shared.Inherited)
		atomic.StoreUint32(counter(shared.Addr, 1), 42)
		return
	}
	require.NoError(t, p.Wait())
	assert.Equal(t, uint32(42), atomic.LoadUint32(counter(shared.Addr, 1)))
}
