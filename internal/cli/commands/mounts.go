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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"deskvfs/internal/common"
	"deskvfs/internal/mount"
	"deskvfs/internal/vfs"
)

func newMountsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mounts",
		Short: "Manage mountpoints",
		Long: `Lists, adds and removes mountpoints.

Mounts added here are saved in the database and come back on every run.
Mounts from settings.yaml are edited in that file.`,
	}
	cmd.AddCommand(newMountsLsCmd(a), newMountsAddCmd(a), newMountsRmCmd(a))
	return cmd
}

func newMountsLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List mountpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVFS(cmd, func(ctx context.Context, v *vfs.VFS) error {
				out := cmd.OutOrStdout()
				mounts := v.Mounts().All()
				if len(mounts) == 0 {
					fmt.Fprintln(out, "No mounts")
					return nil
				}
				for _, mp := range mounts {
					var flags []string
					if mp.ReadOnly() {
						flags = append(flags, "ro")
					}
					if !mp.Visible() {
						flags = append(flags, "hidden")
					}
					if v.Mounts().IsPersisted(mp.Name()) {
						flags = append(flags, "saved")
					}
					if mp.Alias() != "" {
						flags = append(flags, "alias="+mp.Alias())
					}
					transport := mp.TransportName()
					if transport == "" {
						transport = "-"
					}
					fmt.Fprintf(out, "%-12s %-24s %-8s %-10s %s\n",
						mp.Name(), mp.Root(), transport, mp.State(), strings.Join(flags, ","))
				}
				return nil
			})
		},
	}
}

func newMountsAddCmd(a *app) *cobra.Command {
	var (
		cfg     mount.Config
		options map[string]string
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add and save a mountpoint",
		Long: `Adds a mountpoint, mounts it and saves it for later runs.

Examples:
  deskvfs mounts add scratch --transport local --option store=kv
  deskvfs mounts add site --transport http --option url=https://example.com/files
  deskvfs mounts add media --transport s3 --option bucket=media --option region=eu-west-1
  deskvfs mounts add pub --alias home:///public`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Name = args[0]
			if cfg.Transport == "" && cfg.Alias == "" {
				return common.Errorf(common.ErrInvalidArgument, "mounts add", "", "--transport or --alias is required")
			}
			if len(options) > 0 {
				cfg.Options = make(map[string]any, len(options))
				for k, v := range options {
					cfg.Options[k] = v
				}
			}
			return a.withVFS(cmd, func(ctx context.Context, v *vfs.VFS) error {
				mp, err := v.Mounts().Add(ctx, cfg, mount.AddOptions{MountNow: true, Persist: true})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Mounted %s at %s\n", mp.Name(), mp.Root())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cfg.Transport, "transport", "", "Transport: local, http, server, gdrive, disk, s3, webdav, sftp")
	cmd.Flags().StringVar(&cfg.Scheme, "scheme", "", "URI scheme (default: the name)")
	cmd.Flags().StringVar(&cfg.Root, "root", "", "Mount root (default: <scheme>:///)")
	cmd.Flags().StringVar(&cfg.Alias, "alias", "", "Borrow another mount's tree under this root")
	cmd.Flags().BoolVar(&cfg.ReadOnly, "read-only", false, "Refuse writes")
	cmd.Flags().StringToStringVar(&options, "option", nil, "Transport option key=value (repeatable)")
	return cmd
}

func newMountsRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Unmount and forget a saved mountpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVFS(cmd, func(ctx context.Context, v *vfs.VFS) error {
				if err := v.RemoveMount(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return nil
			})
		},
	}
}
