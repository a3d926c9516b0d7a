package util

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskvfs/internal/common"
)

func TestBackgroundProcessLifecycle(t *testing.T) {
	t.Parallel()
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	proc, err := StartBackgroundProcess(sleep, []string{"30"}, nil)
	require.NoError(t, err)
	assert.True(t, IsProcessRunning(proc.Pid))

	require.NoError(t, StopProcess(context.Background(), proc.Pid, ProcessConfig{GracefulTimeout: 5 * time.Second}))
	NewWithT(t).Eventually(func() bool { return IsProcessRunning(proc.Pid) }).
		WithTimeout(2 * time.Second).Should(BeFalse())
}

func TestIsProcessRunningRejectsBadPid(t *testing.T) {
	t.Parallel()
	assert.False(t, IsProcessRunning(0))
	assert.False(t, IsProcessRunning(-1))
}

func TestWaitFor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fast := WaitConfig{Timeout: time.Second, Interval: time.Millisecond}

	n := 0
	err := WaitFor(ctx, fast, "third call", func() (bool, error) {
		n++
		return n == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	err = WaitFor(ctx, WaitConfig{Timeout: 20 * time.Millisecond, Interval: 5 * time.Millisecond}, "never", func() (bool, error) { return false, nil })
	assert.ErrorIs(t, err, common.ErrTimeout)
	assert.Contains(t, err.Error(), "never")

	boom := errors.New("child exited")
	calls := 0
	err = WaitFor(ctx, fast, "startup", func() (bool, error) {
		calls++
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = WaitFor(cctx, fast, "cancelled", func() (bool, error) { return false, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStartDetachedFailsWhenChildExits(t *testing.T) {
	t.Parallel()
	// The test binary rejects the unknown flag and exits at once, so the
	// wait ends long before its timeout.
	start := time.Now()
	_, err := StartDetached(context.Background(), DetachConfig{Wait: WaitConfig{Timeout: 30 * time.Second, Interval: 10 * time.Millisecond}},
		func() bool { return false }, []string{"-test.no-such-flag"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
	assert.Less(t, time.Since(start), 20*time.Second)
}

func TestStartDetachedSkipsWhenRunning(t *testing.T) {
	t.Parallel()
	pid, err := StartDetached(context.Background(), DetachConfig{}, func() bool { return true }, []string{"serve"})
	require.NoError(t, err)
	assert.Zero(t, pid)
}
