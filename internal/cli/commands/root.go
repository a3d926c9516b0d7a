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
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"deskvfs/internal/common"
	"deskvfs/internal/daemon"
	"deskvfs/internal/vfs"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

// app carries the state shared by every command of one invocation.
type app struct {
	logLevel string
	settings *daemon.Settings
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "deskvfs",
		Short: "Virtual filesystem over pluggable storage back-ends",
		Long: `deskvfs exposes local, HTTP, cloud, object-store, WebDAV and SFTP storage
under one URI namespace ("home:///docs/a.txt").

Mounts come from ~/.deskvfs/settings.yaml (or $DESKVFS_CONFIG_DIR) plus the
ones added with "deskvfs mounts add".`,
		Version:       getVersionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			if err := daemon.InitConfigDir(); err != nil {
				return fmt.Errorf("failed to initialize config: %w", err)
			}
			s, err := daemon.LoadSettings()
			if err != nil {
				return err
			}
			if a.logLevel != "" {
				s.LogLevel = a.logLevel
			}
			a.settings = s
			// serve logs to its own file.
			if cmd.Name() != "serve" {
				daemon.ConfigureLogging(s.Level(), os.Stderr)
			}
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate("deskvfs version {{.Version}}\n")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: trace, debug, info, warn, off")

	root.AddCommand(
		newServeCmd(a),
		newStopCmd(a),
		newStatusCmd(a),
		newLsCmd(a),
		newCatCmd(a),
		newPutCmd(a),
		newCpCmd(a),
		newMvCmd(a),
		newRmCmd(a),
		newMkdirCmd(a),
		newInfoCmd(a),
		newFindCmd(a),
		newDfCmd(a),
		newMountsCmd(a),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// ErrorMessage renders err for the terminal, prefixed with its error code
// when it belongs to the VFS taxonomy.
func ErrorMessage(err error) string {
	var ve *common.Error
	if errors.As(err, &ve) || common.KindOf(err) != common.ErrInternal {
		return fmt.Sprintf("%s: %v", common.Code(err), err)
	}
	return err.Error()
}

// withVFS runs fn on an in-process facade built from the settings.
func (a *app) withVFS(cmd *cobra.Command, fn func(ctx context.Context, v *vfs.VFS) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	core, err := daemon.OpenCore(ctx, a.settings)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(context.Background()); err != nil {
			log.WithError(err).Warn("cli: close")
		}
	}()
	return fn(ctx, core.VFS)
}
