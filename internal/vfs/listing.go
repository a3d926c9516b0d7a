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

package vfs

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"deskvfs/internal/common"
	"deskvfs/internal/mount"
)

// remapListing rewrites transport paths into the caller's view and drops
// any back-link the transport returned itself.
func remapListing(r mount.Route, entries []common.FileRef) []common.FileRef {
	out := make([]common.FileRef, 0, len(entries))
	for _, e := range entries {
		if e.IsBacklink() {
			continue
		}
		e = e.WithPath(r.ToVisible(e.Path))
		if e.IsDir() {
			e.Mime = ""
			e.Size = 0
		}
		out = append(out, e)
	}
	return out
}

// filterListing applies the type, mime and hidden-file filters.
func filterListing(entries []common.FileRef, opts ScandirOptions) ([]common.FileRef, error) {
	var mimes []*regexp.Regexp
	for _, expr := range opts.MimeFilter {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: mime filter %q: %v", common.ErrInvalidArgument, expr, err)
		}
		mimes = append(mimes, re)
	}

	out := entries[:0]
	for _, e := range entries {
		if opts.HideHidden && strings.HasPrefix(e.Filename, ".") {
			continue
		}
		if opts.TypeFilter != "" && e.Type != opts.TypeFilter {
			continue
		}
		if len(mimes) > 0 && !e.IsDir() && !matchesAny(mimes, e.Mime) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// sortListing orders entries in place. Directories come first; entries
// with equal keys keep their original order.
func sortListing(entries []common.FileRef, by SortBy, dir SortDir) {
	if by == SortNone {
		return
	}
	desc := dir == SortDesc
	less := func(a, b common.FileRef) int {
		switch by {
		case SortFilename:
			return strings.Compare(strings.ToLower(a.Filename), strings.ToLower(b.Filename))
		case SortSize:
			return cmpInt64(a.Size, b.Size)
		case SortMime:
			return strings.Compare(a.Mime, b.Mime)
		case SortCtime:
			return a.Ctime.Compare(b.Ctime)
		case SortMtime:
			return a.Mtime.Compare(b.Mtime)
		}
		return 0
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsDir() != b.IsDir() {
			return a.IsDir()
		}
		c := less(a, b)
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// backlink is the synthetic ".." entry pointing at the parent of dir.
func backlink(dir string) common.FileRef {
	return common.FileRef{
		Path:     common.Dirname(dir),
		Filename: common.Backlink,
		Type:     common.TypeDir,
	}
}
