//go:build linux

package supervise

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

const helperEnv = "SUPERVISE_TEST_HELPER"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "exit":
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func helper(mode string) *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), helperEnv+"="+mode)
	return cmd
}

type SuperviseTestSuite struct {
	suite.Suite
	ctx context.Context
}

func (s *SuperviseTestSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *SuperviseTestSuite) TestWaitForExitedChild() {
	cmd := helper("exit")
	s.Require().NoError(cmd.Start())
	pid := int32(cmd.Process.Pid)

	// The child stays a zombie until Wait reaps it.
	s.Require().NoError(WaitForProcess(s.ctx, pid, WithTimeout(10*time.Second, nil)))
	done, err := Terminated(s.ctx, pid)
	s.NoError(err)
	s.True(done)
	s.NoError(cmd.Wait())
}

func (s *SuperviseTestSuite) TestWaitTimeoutRunsAction() {
	cmd := helper("sleep")
	s.Require().NoError(cmd.Start())
	pid := int32(cmd.Process.Pid)

	var called atomic.Int32
	err := WaitForProcess(s.ctx, pid,
		WithTimeout(200*time.Millisecond, func(p int32) {
			called.Add(1)
			s.Equal(pid, p)
			Kill(p)
		}),
		WithPollInterval(time.Millisecond, 20*time.Millisecond))
	s.ErrorIs(err, ErrTimeout)
	s.Equal(int32(1), called.Load())

	// SIGABRT makes the Go runtime exit with a non-zero status.
	var exitErr *exec.ExitError
	s.True(errors.As(cmd.Wait(), &exitErr))
}

func (s *SuperviseTestSuite) TestWaitHonoursContext() {
	cmd := helper("sleep")
	s.Require().NoError(cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	ctx, cancel := context.WithTimeout(s.ctx, 100*time.Millisecond)
	defer cancel()
	err := WaitForProcess(ctx, int32(cmd.Process.Pid))
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *SuperviseTestSuite) TestMissingProcessIsTerminated() {
	cmd := helper("exit")
	s.Require().NoError(cmd.Run())
	// Reaped, so the pid is gone.
	done, err := Terminated(s.ctx, int32(cmd.Process.Pid))
	s.NoError(err)
	s.True(done)
}

func (s *SuperviseTestSuite) TestProcessHealth() {
	alive, err := Process{Pid: int32(os.Getpid())}.Alive()
	s.NoError(err)
	s.True(alive)

	cmd := helper("exit")
	s.Require().NoError(cmd.Run())
	alive, err = Process{Pid: int32(cmd.Process.Pid)}.Alive()
	s.NoError(err)
	s.False(alive)
}

func TestSuperviseTestSuite(t *testing.T) {
	suite.Run(t, new(SuperviseTestSuite))
}
