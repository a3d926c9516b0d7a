// Copyright 2024 DeskVFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"deskvfs/internal/common"
)

// ProcessConfig configures process management behavior.
type ProcessConfig struct {
	GracefulTimeout time.Duration // Time to wait for graceful shutdown (default: 10s)
	PollInterval    time.Duration // Polling interval for process state (default: 100ms)
}

// StartBackgroundProcess starts a detached background process.
// The process will continue running after the parent exits.
func StartBackgroundProcess(executable string, args []string, env []string) (*os.Process, error) {
	cmd := exec.Command(executable, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if env != nil {
		cmd.Env = env
	} else {
		cmd.Env = os.Environ()
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	// Reap in the background so a short-lived child does not linger as a zombie.
	go cmd.Wait()
	return cmd.Process, nil
}

// ProcessConfigFor derives a ProcessConfig from a wait.
func ProcessConfigFor(w WaitConfig) ProcessConfig {
	return ProcessConfig{GracefulTimeout: w.Timeout, PollInterval: w.Interval}
}

// StopProcess sends SIGTERM and waits for the process to exit, then force
// kills it once the graceful timeout has passed.
func StopProcess(ctx context.Context, pid int, cfg ProcessConfig) error {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if !IsProcessRunning(pid) {
			return nil
		}
		return fmt.Errorf("failed to signal process (PID %d): %w", pid, err)
	}

	stopped := func() (bool, error) { return !IsProcessRunning(pid), nil }
	err = WaitFor(ctx, WaitConfig{Timeout: cfg.GracefulTimeout, Interval: cfg.PollInterval}, "daemon shutdown", stopped)
	if !errors.Is(err, common.ErrTimeout) {
		return err
	}

	// Process didn't stop gracefully, force kill
	_ = proc.Signal(syscall.SIGKILL)
	if err := WaitFor(ctx, WaitConfig{Timeout: time.Second, Interval: cfg.PollInterval}, "daemon kill", stopped); err != nil {
		return fmt.Errorf("failed to stop process (PID %d): %w", pid, err)
	}
	return nil
}

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, sending signal 0 checks if process exists
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
