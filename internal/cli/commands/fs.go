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
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"deskvfs/internal/common"
	"deskvfs/internal/payload"
	"deskvfs/internal/transport"
	"deskvfs/internal/vfs"
)

// lookup returns the listing entry for p so callers learn whether it is a
// file or a directory. Mount roots are directories.
func lookup(ctx context.Context, v *vfs.VFS, p string) (common.FileRef, error) {
	n, err := common.Normalize(p)
	if err != nil {
		return common.FileRef{}, common.Wrap("stat", p, nil, err)
	}
	mp, err := v.Resolve(n)
	if err != nil {
		return common.FileRef{}, err
	}
	if mp.IsRoot(n) {
		return vfs.DirRef(n), nil
	}
	list, err := v.Scandir(ctx, vfs.DirRef(common.Dirname(n)), vfs.ScandirOptions{NoBacklink: true})
	if err != nil {
		return common.FileRef{}, err
	}
	base := common.Basename(n)
	for _, ref := range list {
		if ref.Filename == base {
			return ref, nil
		}
	}
	return common.FileRef{}, common.Errorf(common.ErrNotFound, "stat", n, "no such file or directory")
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%c", float64(n)/float64(div), "KMGTPE"[exp])
}

func newLsCmd(a *app) *cobra.Command {
	var (
		sortBy string
		desc   bool
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory, or the mounts when no path is given",
		Long: `Lists a directory.

Examples:
  deskvfs ls
  deskvfs ls home:///docs --sort size --desc
  deskvfs ls home:/// --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVFS(cmd, func(ctx context.Context, v *vfs.VFS) error {
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					for _, mp := range v.Mounts().All() {
						if mp.Visible() {
							fmt.Fprintln(out, mp.Root())
						}
					}
					return nil
				}
				opts := vfs.ScandirOptions{
					HideHidden: !all,
					NoBacklink: true,
					SortBy:     vfs.SortBy(sortBy),
					SortDir:    vfs.SortAsc,
				}
				if desc {
					opts.SortDir = vfs.SortDesc
				}
				list, err := v.Scandir(ctx, vfs.DirRef(args[0]), opts)
				if err != nil {
					return err
				}
				for _, ref := range list {
					name := ref.Filename
					size := humanSize(ref.Size)
					if ref.Type == common.TypeDir {
						name += "/"
						size = "-"
					}
					mtime := "-"
					if !ref.Mtime.IsZero() {
						mtime = ref.Mtime.Local().Format("2006-01-02 15:04")
					}
					fmt.Fprintf(out, "%-4s %8s  %-16s  %s\n", ref.Type, size, mtime, name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sortBy, "sort", "filename", "Sort by: filename, size, mime, ctime, mtime")
	cmd.Flags().BoolVar(&desc, "desc", false, "Sort descending")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Show hidden entries")
	return cmd
}

func newCatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>...",
		Short: "Print file contents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVFS(cmd, func(ctx context.Context, v *vfs.VFS) error {
				for _, p := range args {
					if _, err := v.Download(ctx, vfs.Ref(p), cmd.OutOrStdout()); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newPutCmd(a *app) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "put <local-file|-> <path>",
		Short: "Copy a host file (or stdin) into the VFS",
		Long: `Copies a host file into the VFS. A destination ending in "/" or naming an
existing directory receives the file under its own name.

Examples:
  deskvfs put ./report.pdf home:///docs/
  echo hello | deskvfs put - home:///hello.txt`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dst := args[0], args[1]
			var (
				data []byte
				err  error
			)
			if src == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(src)
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", src, err)
			}
			return a.withVFS(cmd, func(ctx context.Context, v *vfs.VFS) error {
				opts := vfs.WriteOptions{Overwrite: overwrite}
				target := strings.HasSuffix(dst, "/")
				if !target {
					if ref, err := lookup(ctx, v, dst); err == nil && ref.Type == common.TypeDir {
						target = true
					}
				}
				var out common.FileRef
				if target {
					name := filepath.Base(src)
					if src == "-" {
						return common.Errorf(common.ErrInvalidArgument, "put", dst, "stdin needs a file destination")
					}
					out, err = v.Upload(ctx, vfs.DirRef(dst), name, payload.NewBlob(data, ""), opts)
				} else {
					out, err = v.Write(ctx, vfs.Ref(dst), payload.FromBytes(data, ""), opts)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, %s)\n", out.Path, humanSize(out.Size), out.Mime)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&overwrite, "force", "f", false, "Overwrite an existing destination")
	return cmd
}

func newTransferCmd(a *app, use, short string, move bool) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   use + " <src> <dst>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVFS(cmd, func(ctx context.Context, v *vfs.VFS) error {
				src, err := lookup(ctx, v, args[0])
				if err != nil {
					return err
				}
				dst := common.FileRef{Path: args[1], Type: src.Type}
				opts := vfs.WriteOptions{Overwrite: overwrite}
				if move {
					return v.Move(ctx, src, dst, opts)
				}
				return v.Copy(ctx, src, dst, opts)
			})
		},
	}
	cmd.Flags().BoolVarP(&overwrite, "force", "f", false, "Overwrite an existing destination")
	return cmd
}

func newCpCmd(a *app) *cobra.Command {
	return newTransferCmd(a, "cp", "Copy a file or directory tree, across mounts too", false)
}

func newMvCmd(a *app) *cobra.Command {
	return newTransferCmd(a, "mv", "Move or rename a file or directory", true)
}

func newRmCmd(a *app) *cobra.Command {
	var trash bool
	cmd := &cobra.Command{
		Use:   "rm <path>...",
		Short: "Remove files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVFS(cmd, func(ctx context.Context, v *vfs.VFS) error {
				for _, p := range args {
					ref, err := lookup(ctx, v, p)
					if err != nil {
						return err
					}
					if trash {
						err = v.Trash(ctx, ref)
					} else {
						err = v.Unlink(ctx, ref)
					}
					if err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&trash, "trash", false, "Move to the trash where the mount has one")
	return cmd
}

func newMkdirCmd(a *app) *cobra.Command {
	var parents bool
	cmd := &cobra.Command{
		Use:   "mkdir <path>...",
		Short: "Create directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVFS(cmd, func(ctx context.Context, v *vfs.VFS) error {
				for _, p := range args {
					if !parents {
						if err := v.Mkdir(ctx, vfs.DirRef(p), vfs.MkdirOptions{}); err != nil {
							return err
						}
						continue
					}
					if err := mkdirAll(ctx, v, p); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "Create missing parents, accept existing directories")
	return cmd
}

func mkdirAll(ctx context.Context, v *vfs.VFS, p string) error {
	n, err := common.Normalize(p)
	if err != nil {
		return common.Wrap("mkdir", p, nil, err)
	}
	mp, err := v.Resolve(n)
	if err != nil {
		return err
	}
	var chain []string
	for cur := n; !mp.IsRoot(cur); cur = common.Dirname(cur) {
		chain = append(chain, cur)
		if common.Dirname(cur) == cur {
			break
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if err := v.Mkdir(ctx, vfs.DirRef(chain[i]), vfs.MkdirOptions{Overwrite: true}); err != nil {
			return err
		}
	}
	return nil
}

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <path>",
		Short: "Show file metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVFS(cmd, func(ctx context.Context, v *vfs.VFS) error {
				ref, err := lookup(ctx, v, args[0])
				if err != nil {
					return err
				}
				info, err := v.Fileinfo(ctx, ref)
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(info))
				for k := range info {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", k, info[k])
				}
				return nil
			})
		},
	}
}

func newFindCmd(a *app) *cobra.Command {
	var q transport.FindQuery
	cmd := &cobra.Command{
		Use:   "find <root> [query]",
		Short: "Search a tree by name and mime",
		Long: `Searches below root for entries whose name contains query
(case-insensitive). Back-ends without a native search are walked.

Examples:
  deskvfs find home:/// report
  deskvfs find home:///docs --mime '^image/' --exclude 'node_modules/'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				q.Query = args[1]
			}
			return a.withVFS(cmd, func(ctx context.Context, v *vfs.VFS) error {
				found, err := v.Find(ctx, vfs.DirRef(args[0]), q)
				if err != nil {
					return err
				}
				for _, ref := range found {
					fmt.Fprintln(cmd.OutOrStdout(), ref.Path)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&q.Mime, "mime", nil, "Mime regex (repeatable)")
	cmd.Flags().IntVar(&q.Depth, "depth", 0, "Maximum depth below root (0 = unlimited)")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "Maximum number of results (0 = unlimited)")
	cmd.Flags().StringSliceVar(&q.Exclude, "exclude", nil, "Gitignore-style pattern to skip (repeatable)")
	cmd.Flags().BoolVar(&q.Walk, "walk", true, "Walk the tree when the back-end has no search")
	return cmd
}

func newDfCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "df [mount]...",
		Short: "Show free space of mounts",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVFS(cmd, func(ctx context.Context, v *vfs.VFS) error {
				names := args
				if len(names) == 0 {
					for _, mp := range v.Mounts().All() {
						if mp.Visible() && mp.Transport() != nil {
							names = append(names, mp.Name())
						}
					}
				}
				out := cmd.OutOrStdout()
				for _, name := range names {
					mp, err := v.Mounts().Get(name)
					if err != nil {
						return err
					}
					n, err := v.FreeSpace(ctx, vfs.DirRef(mp.Root()))
					switch {
					case err != nil && len(args) > 0:
						return err
					case err != nil:
						fmt.Fprintf(out, "%-12s %s\n", name, common.Code(err))
					case n < 0:
						fmt.Fprintf(out, "%-12s unknown\n", name)
					default:
						fmt.Fprintf(out, "%-12s %s\n", name, humanSize(n))
					}
				}
				return nil
			})
		},
	}
}
