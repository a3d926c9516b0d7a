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

import "strings"

const (
	DefaultMime = "application/octet-stream"
	TextMime    = "text/plain"
)

// MimeMap maps lower-case extensions (without the dot) to mime types.
// Transports receive one at construction.
type MimeMap map[string]string

var defaultMimes = MimeMap{
	"txt":  "text/plain",
	"md":   "text/markdown",
	"html": "text/html",
	"htm":  "text/html",
	"css":  "text/css",
	"js":   "application/javascript",
	"json": "application/json",
	"xml":  "application/xml",
	"csv":  "text/csv",
	"yaml": "application/yaml",
	"yml":  "application/yaml",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"svg":  "image/svg+xml",
	"webp": "image/webp",
	"mp3":  "audio/mpeg",
	"ogg":  "audio/ogg",
	"wav":  "audio/wav",
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"pdf":  "application/pdf",
	"zip":  "application/zip",
	"gz":   "application/gzip",
	"tar":  "application/x-tar",
}

// DefaultMimeMap returns a fresh copy of the built-in extension table.
func DefaultMimeMap() MimeMap {
	m := make(MimeMap, len(defaultMimes))
	for k, v := range defaultMimes {
		m[k] = v
	}
	return m
}

// Merge returns a copy of m overlaid with extra. Keys may carry a leading dot.
func (m MimeMap) Merge(extra map[string]string) MimeMap {
	out := make(MimeMap, len(m)+len(extra))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range extra {
		out[strings.ToLower(strings.TrimPrefix(k, "."))] = v
	}
	return out
}

// Lookup returns the mime for p's extension, DefaultMime when unknown.
func (m MimeMap) Lookup(p string) string {
	if m != nil {
		if v, ok := m[Extension(p)]; ok {
			return v
		}
	}
	return DefaultMime
}
