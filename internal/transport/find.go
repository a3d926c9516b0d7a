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

package transport

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"deskvfs/internal/common"
)

// FindQuery selects entries below a root.
type FindQuery struct {
	// Query is a case-insensitive filename substring. Empty matches all.
	Query string `json:"query" yaml:"query"`
	// Mime is a list of regexes; an entry matches if any accepts its mime.
	Mime []string `json:"mime,omitempty" yaml:"mime,omitempty"`
	// Depth bounds recursion below root; 0 is unlimited.
	Depth int `json:"depth,omitempty" yaml:"depth,omitempty"`
	// Limit bounds the number of results; 0 is unlimited.
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty"`
	// Exclude holds gitignore-style patterns relative to root.
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	// Walk lets the facade fall back to WalkFind when the back-end has no
	// native search.
	Walk bool `json:"walk,omitempty" yaml:"walk,omitempty"`
}

// Matcher is a compiled FindQuery.
type Matcher struct {
	q       FindQuery
	needle  string
	mimes   []*regexp.Regexp
	exclude *ignore.GitIgnore
}

// Compile validates q.
func (q FindQuery) Compile() (*Matcher, error) {
	if q.Limit < 0 || q.Depth < 0 {
		return nil, fmt.Errorf("%w: negative limit or depth", common.ErrInvalidArgument)
	}
	m := &Matcher{q: q, needle: strings.ToLower(q.Query)}
	for _, expr := range q.Mime {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: mime filter %q: %v", common.ErrInvalidArgument, expr, err)
		}
		m.mimes = append(m.mimes, re)
	}
	if len(q.Exclude) > 0 {
		m.exclude = ignore.CompileIgnoreLines(q.Exclude...)
	}
	return m, nil
}

// Excluded reports whether rel (relative to the search root) is excluded.
func (m *Matcher) Excluded(rel string, isDir bool) bool {
	if m.exclude == nil || rel == "" {
		return false
	}
	if isDir {
		rel += "/"
	}
	return m.exclude.MatchesPath(rel)
}

// Match reports whether ref satisfies the substring and mime criteria.
func (m *Matcher) Match(ref common.FileRef) bool {
	if m.needle != "" && !strings.Contains(strings.ToLower(ref.Filename), m.needle) {
		return false
	}
	if len(m.mimes) == 0 {
		return true
	}
	if ref.IsDir() {
		return false
	}
	for _, re := range m.mimes {
		if re.MatchString(ref.Mime) {
			return true
		}
	}
	return false
}

// Full reports whether n results satisfy the limit.
func (m *Matcher) Full(n int) bool {
	return m.q.Limit > 0 && n >= m.q.Limit
}

// WithinDepth reports whether a directory at depth d (root is 0) may be
// descended into.
func (m *Matcher) WithinDepth(d int) bool {
	return m.q.Depth == 0 || d < m.q.Depth
}

// WalkFind searches by walking Scandir breadth-first. Children of a
// directory are visited in listing order.
func WalkFind(ctx context.Context, t Transport, root common.FileRef, q FindQuery) ([]common.FileRef, error) {
	m, err := q.Compile()
	if err != nil {
		return nil, err
	}

	type item struct {
		dir   common.FileRef
		depth int
	}
	queue := []item{{dir: root}}
	var out []common.FileRef

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		cur := queue[0]
		queue = queue[1:]

		entries, err := t.Scandir(ctx, cur.dir)
		if err != nil {
			return out, err
		}
		for _, e := range entries {
			if e.IsBacklink() {
				continue
			}
			rel, _ := common.Rebase(e.Path, root.Path, "/")
			rel = strings.TrimPrefix(rel, "/")
			if m.Excluded(rel, e.IsDir()) {
				continue
			}
			if m.Match(e) {
				out = append(out, e)
				if m.Full(len(out)) {
					return out, nil
				}
			}
			if e.IsDir() && m.WithinDepth(cur.depth+1) {
				queue = append(queue, item{dir: e, depth: cur.depth + 1})
			}
		}
	}
	return out, nil
}
