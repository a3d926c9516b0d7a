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

package common

import (
	"fmt"
	"regexp"
	"strings"
)

// Virtual paths have the form scheme://rest. The canonical form keeps the
// rest absolute: "home:///docs/a.txt", root "home:///".
// Paths without a scheme are plain absolute paths ("/docs/a.txt") as seen
// by a transport after StripScheme.

const schemeSep = "://"

var schemeRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// parse splits p into its scheme and cleaned segments. "." and ".." are
// dropped so a path can never climb above its scheme root.
func parse(p string) (string, []string, error) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}

	scheme := ""
	rest := p
	if i := strings.Index(p, schemeSep); i >= 0 {
		scheme = p[:i]
		rest = p[i+len(schemeSep):]
		if !schemeRe.MatchString(scheme) {
			return "", nil, fmt.Errorf("%w: bad scheme in %q", ErrInvalidPath, p)
		}
	} else if strings.Contains(p, ":") && !strings.HasPrefix(p, "/") {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}

	var segs []string
	for _, s := range strings.Split(rest, "/") {
		if s == "" || s == "." || s == ".." {
			continue
		}
		segs = append(segs, s)
	}
	return scheme, segs, nil
}

func format(scheme string, segs []string) string {
	body := "/" + strings.Join(segs, "/")
	if scheme == "" {
		return body
	}
	return scheme + schemeSep + body
}

// Normalize collapses duplicate slashes, drops a trailing slash except at
// the root, and preserves the scheme.
func Normalize(p string) (string, error) {
	scheme, segs, err := parse(p)
	if err != nil {
		return "", err
	}
	return format(scheme, segs), nil
}

// MustNormalize is Normalize for paths already known to be valid.
func MustNormalize(p string) string {
	n, err := Normalize(p)
	if err != nil {
		panic(err)
	}
	return n
}

// Dirname returns the parent within the same scheme. The dirname of a root
// is the root itself.
func Dirname(p string) string {
	scheme, segs, err := parse(p)
	if err != nil {
		return ""
	}
	if len(segs) == 0 {
		return format(scheme, nil)
	}
	return format(scheme, segs[:len(segs)-1])
}

// Basename returns the last segment, "" for a root.
func Basename(p string) string {
	_, segs, err := parse(p)
	if err != nil || len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// Extension returns the lower-cased text after the last dot of the
// basename, or "" when there is none.
func Extension(p string) string {
	base := Basename(p)
	i := strings.LastIndex(base, ".")
	if i < 0 {
		return ""
	}
	return strings.ToLower(base[i+1:])
}

// Join joins parts; the first part may carry a scheme. Scheme tokens in
// later parts are rejected.
func Join(parts ...string) (string, error) {
	if len(parts) == 0 {
		return "", ErrInvalidPath
	}
	scheme, segs, err := parse(parts[0])
	if err != nil {
		return "", err
	}
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		if strings.Contains(part, schemeSep) {
			return "", fmt.Errorf("%w: scheme in join segment %q", ErrInvalidPath, part)
		}
		for _, s := range strings.Split(part, "/") {
			if s == "" || s == "." || s == ".." {
				continue
			}
			segs = append(segs, s)
		}
	}
	return format(scheme, segs), nil
}

// StripScheme returns the path portion, always beginning with "/".
func StripScheme(p string) string {
	_, segs, err := parse(p)
	if err != nil {
		return "/"
	}
	return format("", segs)
}

// SchemeOf returns the scheme token, "" when p has none or is malformed.
func SchemeOf(p string) string {
	scheme, _, err := parse(p)
	if err != nil {
		return ""
	}
	return scheme
}

// WithScheme puts a scheme-less path under scheme.
func WithScheme(scheme, p string) string {
	_, segs, err := parse(p)
	if err != nil {
		return format(scheme, nil)
	}
	return format(scheme, segs)
}

// IsRoot reports whether p is a scheme root ("home:///") or "/".
func IsRoot(p string) bool {
	_, segs, err := parse(p)
	return err == nil && len(segs) == 0
}

// Contains reports whether child equals parent or lies below it.
func Contains(parent, child string) bool {
	ps, psegs, err := parse(parent)
	if err != nil {
		return false
	}
	cs, csegs, err := parse(child)
	if err != nil || ps != cs || len(csegs) < len(psegs) {
		return false
	}
	for i := range psegs {
		if psegs[i] != csegs[i] {
			return false
		}
	}
	return true
}

// Rebase moves p from under prefix from to under prefix to. ok is false when
// p is not contained by from.
func Rebase(p, from, to string) (string, bool) {
	if !Contains(from, p) {
		return "", false
	}
	_, psegs, _ := parse(p)
	_, fsegs, _ := parse(from)
	ts, tsegs, err := parse(to)
	if err != nil {
		return "", false
	}
	segs := append(append([]string{}, tsegs...), psegs[len(fsegs):]...)
	return format(ts, segs), true
}

// SplitPath splits a path into its segments, ignoring any scheme.
func SplitPath(p string) []string {
	_, segs, err := parse(p)
	if err != nil {
		return nil
	}
	return segs
}

// Depth is the number of segments below the root.
func Depth(p string) int {
	return len(SplitPath(p))
}
