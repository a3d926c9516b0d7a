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

package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"deskvfs/internal/common"
	"deskvfs/internal/daemon"
	"deskvfs/internal/util"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		detach    bool
		logStderr bool
		listen    string
		nfsListen string
		nfsMount  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Long: `Runs the daemon: mounts everything from the settings, serves the RPC
protocol that "server" mounts speak, and optionally exports one mount
over NFS.

Examples:
  deskvfs serve
  deskvfs serve --detach
  deskvfs serve --listen 0.0.0.0:7878 --nfs-listen 127.0.0.1:2049 --nfs-mount home`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if detach {
				fwd := []string{"serve"}
				for _, name := range []string{"listen", "nfs-listen", "nfs-mount", "log-level"} {
					if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
						fwd = append(fwd, "--"+name, f.Value.String())
					}
				}
				addr := a.settings.Listen
				if listen != "" {
					addr = listen
				}
				pid, err := util.StartDetached(cmd.Context(), util.DetachConfig{
					Notify: cmd.ErrOrStderr(),
					Wait:   util.StartupWait(),
				}, daemonAnswering(addr), fwd)
				if err != nil {
					return err
				}
				if pid == 0 {
					pid, _ = daemon.ReadPid()
					fmt.Fprintf(cmd.OutOrStdout(), "Daemon already running (PID %d)\n", pid)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon started (PID %d)\n", pid)
				return nil
			}

			s := a.settings
			if listen != "" {
				s.Listen = listen
			}
			if nfsListen != "" {
				s.NFSListen = nfsListen
			}
			if nfsMount != "" {
				s.NFSMount = nfsMount
			}
			if err := s.Validate(); err != nil {
				return err
			}
			d := daemon.New(s)
			d.LogToStderr = logStderr
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return d.Run(ctx)
		},
	}
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Run in the background")
	cmd.Flags().BoolVar(&logStderr, "log-stderr", false, "Log to stderr instead of the log file")
	cmd.Flags().StringVar(&listen, "listen", "", "RPC listen address (overrides settings)")
	cmd.Flags().StringVar(&nfsListen, "nfs-listen", "", "NFS listen address (overrides settings)")
	cmd.Flags().StringVar(&nfsMount, "nfs-mount", "", "Mount exported over NFS (overrides settings)")
	return cmd
}

func newStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := daemon.ReadPid()
			if errors.Is(err, common.ErrNotFound) || (err == nil && !util.IsProcessRunning(pid)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon not running")
				return nil
			}
			if err != nil {
				return err
			}
			if err := util.StopProcess(cmd.Context(), pid, util.ProcessConfigFor(util.ShutdownWait())); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !daemonRunning() {
				fmt.Fprintln(out, "Daemon: not running")
			} else {
				pid, _ := daemon.ReadPid()
				fmt.Fprintf(out, "Daemon: running (PID %d)\n", pid)
			}
			fmt.Fprintf(out, "Config: %s\n", daemon.SettingsPath())
			fmt.Fprintf(out, "Listen: %s\n", a.settings.Listen)
			if a.settings.NFSListen != "" {
				fmt.Fprintf(out, "NFS: %s (%s)\n", a.settings.NFSListen, a.settings.NFSMount)
			}
			if lvl := a.settings.Level(); a.settings.LoggingEnabled() {
				fmt.Fprintf(out, "Logging: %s (%s)\n", lvl, daemon.LogPath())
			} else {
				fmt.Fprintln(out, "Logging: off")
			}
			return nil
		},
	}
}

// daemonAnswering reports whether the daemon process is up and its RPC
// endpoint at listen answers /healthz.
func daemonAnswering(listen string) func() bool {
	client := &http.Client{Timeout: 500 * time.Millisecond}
	target := "http://" + dialAddr(listen) + "/healthz"
	return func() bool {
		if !daemonRunning() {
			return false
		}
		resp, err := client.Get(target)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}
}

// dialAddr turns a listen address into one a client can connect to.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func daemonRunning() bool {
	pid, err := daemon.ReadPid()
	return err == nil && util.IsProcessRunning(pid)
}
