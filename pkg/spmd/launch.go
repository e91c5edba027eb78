package spmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/shmchan/adapter"
	"github.com/srediag/shmchan/api"
	"github.com/srediag/shmchan/internal/logging"
	internalshm "github.com/srediag/shmchan/internal/shm"
	"github.com/srediag/shmchan/pkg/supervise"
)

const (
	envRank   = "SHMCHAN_RANK"
	envSpan   = "SHMCHAN_SPAN"
	envSize   = "SHMCHAN_SIZE"
	envParent = "SHMCHAN_PARENT"
	envDepth  = "SHMCHAN_DEPTH"
	envStep   = "SHMCHAN_STEP"
	envForked = "SHMCHAN_FORKED"
)

var workerEnv = []string{envRank, envSpan, envSize, envParent, envDepth, envStep}

var (
	// ErrLaunch covers every launcher failure: bad arguments, a process count
	// below one, or a worker that could not be started.
	ErrLaunch = errors.New("launch failed")

	logger = logging.New("spmd", nil)
)

// MpiInformation is what every launched process learns about itself.
type MpiInformation struct {
	Processes int
	Rank      int
}

// ExitError reports a worker that exited unsuccessfully.
type ExitError struct {
	Rank int
	Pid  int
	// Code is the exit status, or -1 when the worker was killed by a signal.
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("rank %d (pid %d) exited with code %d: %v", e.Rank, e.Pid, e.Code, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Process is a worker started by this process.
type Process struct {
	// Rank is -1 for a process started by Fork.
	Rank    int
	cmd     *exec.Cmd
	timeout time.Duration

	once sync.Once
	err  error
}

// Pid returns the operating system id of the worker.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Wait reaps the worker. With a timeout configured, a worker still running
// when it elapses is signalled first. Wait may be called more than once.
func (p *Process) Wait() error {
	p.once.Do(func() {
		pid := p.Pid()
		if p.timeout > 0 {
			err := supervise.WaitForProcess(context.Background(), int32(pid),
				supervise.WithTimeout(p.timeout, supervise.Kill))
			if err != nil {
				logger.Warnf("rank %d (pid %d): %v", p.Rank, pid, err)
			}
		}
		err := p.cmd.Wait()
		if err == nil {
			return
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		p.err = &ExitError{Rank: p.Rank, Pid: pid, Code: code, Err: err}
	})
	return p.err
}

// Health exposes the worker to health checks.
func (p *Process) Health() api.Health {
	return supervise.Process{Pid: int32(p.Pid())}
}

// World is this process's place in a launched group.
type World struct {
	info     MpiInformation
	self     Assignment
	children cmap.ConcurrentMap[string, *Process]

	once sync.Once
	err  error
}

var _ api.Lifecycle = (*World)(nil)

func (w *World) Info() MpiInformation { return w.info }

func (w *World) Rank() int { return w.info.Rank }

func (w *World) Size() int { return w.info.Processes }

// Self returns this process's node of the launch tree.
func (w *World) Self() Assignment { return w.self }

// Children returns the workers this process started, by rank.
func (w *World) Children() []*Process {
	out := make([]*Process, 0, w.children.Count())
	for item := range w.children.IterBuffered() {
		out = append(out, item.Val)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// Wait reaps every worker this process started. Workers wait for their own
// children before exiting, so in the root it returns once the whole group is
// done. The error joins one *ExitError per failed worker, lowest rank first.
func (w *World) Wait() error {
	w.once.Do(func() {
		w.err = waitAll(w.Children())
	})
	return w.err
}

func waitAll(procs []*Process) error {
	if len(procs) == 0 {
		return nil
	}
	pool, err := ants.NewPool(len(procs))
	if err != nil {
		return err
	}
	defer pool.Release()

	errs := make([]error, len(procs))
	var wg sync.WaitGroup
	for i, p := range procs {
		i, p := i, p
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			errs[i] = p.Wait()
		}); err != nil {
			wg.Done()
			errs[i] = p.Wait()
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Launch places this process in a group of cfg.Processes and starts the
// workers it is responsible for. The root gets rank 0 and covers the whole
// group; a worker reads its rank and span from the environment its parent
// set. Each split hands the upper half of the remaining span to a new worker,
// so the tree is O(log N) deep.
//
// On a spawn failure the returned World still holds the workers already
// started; the caller should Wait on it.
func Launch(ctx context.Context, cfg Config) (*World, error) {
	self, size, err := position(cfg)
	if err != nil {
		return nil, err
	}
	otel, err := adapter.NewOTel(cfg.Meter, cfg.Tracer)
	if err != nil {
		return nil, err
	}
	if self.Parent < 0 {
		if plan, err := Plan(size); err == nil {
			logger.Debugf("launching %d processes in %d spawn rounds", size, MaxStep(plan))
		}
	}

	w := &World{
		info:     MpiInformation{Processes: size, Rank: self.Rank},
		self:     self,
		children: cmap.New[*Process](),
	}
	for _, c := range children(self) {
		spanCtx, sp := otel.StartSpan(ctx, "spmd.spawn", c.Rank, c.Span)
		p, err := spawn(cfg, c.Rank, assignmentEnv(c, size)...)
		otel.RecordSpawn(spanCtx, sp, c.Rank, err)
		if err != nil {
			return w, fmt.Errorf("%w: rank %d: %v", ErrLaunch, c.Rank, err)
		}
		logger.Debugf("rank %d started rank %d (span %d, pid %d)", self.Rank, c.Rank, c.Span, p.Pid())
		w.children.Set(strconv.Itoa(c.Rank), p)
	}
	return w, nil
}

func assignmentEnv(a Assignment, size int) []string {
	values := []int{a.Rank, a.Span, size, a.Parent, a.Depth, a.Step}
	env := make([]string, len(workerEnv))
	for i, k := range workerEnv {
		env[i] = k + "=" + strconv.Itoa(values[i])
	}
	return env
}

// position works out this process's node: the root of a new group, or the
// worker its parent described in the environment.
func position(cfg Config) (Assignment, int, error) {
	if _, ok := os.LookupEnv(envRank); !ok {
		if err := VerifyConfig(cfg); err != nil {
			return Assignment{}, 0, err
		}
		return Assignment{Rank: 0, Span: cfg.Processes, Parent: -1}, cfg.Processes, nil
	}
	values := make([]int, len(workerEnv))
	var errs []error
	for i, k := range workerEnv {
		v, err := strconv.Atoi(os.Getenv(k))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
		values[i] = v
		_ = os.Unsetenv(k)
	}
	if err := errors.Join(errs...); err != nil {
		return Assignment{}, 0, fmt.Errorf("%w: bad worker environment: %v", ErrLaunch, err)
	}
	a := Assignment{Rank: values[0], Span: values[1], Parent: values[3], Depth: values[4], Step: values[5]}
	size := values[2]
	if size < 1 || a.Rank < 1 || a.Span < 1 || a.Rank+a.Span > size || a.Parent < 0 || a.Parent >= a.Rank {
		return Assignment{}, 0, fmt.Errorf("%w: worker rank %d span %d parent %d outside group of %d",
			ErrLaunch, a.Rank, a.Span, a.Parent, size)
	}
	return a, size, nil
}

// Fork starts one copy of the running program and returns it. In the copy,
// the same call returns a nil Process: the program tells the two sides apart
// the way it would after fork(2). Shared buffers created before Fork are
// attached by the copy when it creates them again.
func Fork(ctx context.Context, cfg Config) (*Process, error) {
	if os.Getenv(envForked) == "1" {
		_ = os.Unsetenv(envForked)
		return nil, nil
	}
	p, err := spawn(cfg, -1, envForked+"=1")
	if err != nil {
		return nil, fmt.Errorf("%w: fork: %v", ErrLaunch, err)
	}
	return p, nil
}

func spawn(cfg Config, rank int, env ...string) (*Process, error) {
	exe := cfg.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, err
		}
	}
	args := cfg.Args
	if args == nil {
		args = os.Args[1:]
	}
	cmd := exec.Command(exe, args...)
	files, inherit := internalshm.Inheritance()
	cmd.ExtraFiles = files
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, inherit)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = cfg.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = cfg.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &Process{Rank: rank, cmd: cmd, timeout: cfg.Timeout}, nil
}

var (
	worldMu sync.Mutex
	world   *World
)

// Init parses `-n N` from the command line (default 8), launches the group
// and returns this process's rank. It is meant to be called once, early in
// main; every process of the group returns from it. Failures are fatal.
func Init() MpiInformation {
	n, err := ParseArgs(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Processes = n
	w, err := Launch(context.Background(), cfg)
	if err != nil {
		if w != nil {
			_ = w.Wait()
		}
		fatal(err)
	}
	worldMu.Lock()
	world = w
	worldMu.Unlock()
	return w.Info()
}

// Current returns the World Init launched, or nil before Init.
func Current() *World {
	worldMu.Lock()
	defer worldMu.Unlock()
	return world
}

// Finalize waits for the workers Init started. If one failed, the process
// exits with that worker's status.
func Finalize() {
	w := Current()
	if w == nil {
		return
	}
	err := w.Wait()
	if err == nil {
		return
	}
	logger.Errorf("%v", err)
	code := 1
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code > 0 {
		code = exitErr.Code
	}
	os.Exit(code)
}

func fatal(err error) {
	logger.Errorf("%v", err)
	os.Exit(1)
}
