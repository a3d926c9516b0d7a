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
	"time"

	"deskvfs/internal/common"
)

// WaitConfig bounds how long the CLI watches the daemon process change
// state.
type WaitConfig struct {
	Timeout  time.Duration
	Interval time.Duration
}

// StartupWait is used by serve --detach until the daemon answers.
func StartupWait() WaitConfig {
	return WaitConfig{Timeout: 10 * time.Second, Interval: 50 * time.Millisecond}
}

// ShutdownWait is used by stop after the daemon was signalled.
func ShutdownWait() WaitConfig {
	return WaitConfig{Timeout: 10 * time.Second, Interval: 100 * time.Millisecond}
}

// WaitFor calls check every interval until it reports done. A check error
// ends the wait with that error. Running out of time yields ErrTimeout
// naming what was awaited.
func WaitFor(ctx context.Context, cfg WaitConfig, what string, check func() (bool, error)) error {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	deadline := time.NewTimer(cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return common.Errorf(common.ErrTimeout, "wait", what, "gave up after %s", cfg.Timeout)
		case <-ticker.C:
		}
	}
}
