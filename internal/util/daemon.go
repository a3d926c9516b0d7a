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
	"fmt"
	"io"
	"os"
)

// DetachConfig configures StartDetached.
type DetachConfig struct {
	Notify io.Writer // Status messages go here when set
	Wait   WaitConfig
}

// StartDetached re-executes the current binary with args as a background
// process and waits until isReady reports true. Returns 0 at once when
// isReady already holds. A child that exits before it is ready fails the
// start without waiting out the timeout.
func StartDetached(ctx context.Context, cfg DetachConfig, isReady func() bool, args []string) (int, error) {
	if isReady() {
		return 0, nil
	}
	say := func(format string, a ...any) {
		if cfg.Notify != nil {
			fmt.Fprintf(cfg.Notify, format, a...)
		}
	}
	say("Starting daemon...")

	exe, err := os.Executable()
	if err != nil {
		say(" failed\n")
		return 0, err
	}
	proc, err := StartBackgroundProcess(exe, args, nil)
	if err != nil {
		say(" failed\n")
		return 0, err
	}

	err = WaitFor(ctx, cfg.Wait, "daemon startup", func() (bool, error) {
		if isReady() {
			return true, nil
		}
		if !IsProcessRunning(proc.Pid) {
			return false, fmt.Errorf("daemon exited during startup (PID %d)", proc.Pid)
		}
		return false, nil
	})
	if err != nil {
		say(" failed\n")
		return proc.Pid, err
	}
	say(" done\n")
	return proc.Pid, nil
}
