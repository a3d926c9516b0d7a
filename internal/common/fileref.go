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
	"time"
)

// FileType distinguishes regular files, directories and trash entries.
type FileType string

const (
	TypeFile  FileType = "file"
	TypeDir   FileType = "dir"
	TypeTrash FileType = "trash"
)

// Backlink is the filename of the synthetic parent entry in listings.
const Backlink = ".."

// FileRef describes a file or directory. It is a value type: transform it
// with the With* helpers instead of mutating shared copies.
type FileRef struct {
	Path     string         `json:"path"`
	Filename string         `json:"filename"`
	Type     FileType       `json:"type"`
	Mime     string         `json:"mime,omitempty"`
	Size     int64          `json:"size"`
	ID       string         `json:"id,omitempty"`
	Ctime    time.Time      `json:"ctime,omitzero"`
	Mtime    time.Time      `json:"mtime,omitzero"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// NewFileRef builds a normalised FileRef for p.
func NewFileRef(p string, typ FileType) (FileRef, error) {
	n, err := Normalize(p)
	if err != nil {
		return FileRef{}, err
	}
	if typ == "" {
		typ = TypeFile
	}
	return FileRef{Path: n, Filename: Basename(n), Type: typ}, nil
}

// File is a shorthand for a regular file FileRef with a known mime and size.
func File(p, mime string, size int64) (FileRef, error) {
	f, err := NewFileRef(p, TypeFile)
	if err != nil {
		return f, err
	}
	f.Mime = mime
	f.Size = size
	return f, nil
}

// Dir is a shorthand for a directory FileRef.
func Dir(p string) (FileRef, error) {
	return NewFileRef(p, TypeDir)
}

// IsDir reports whether the ref is a directory (trash folders included).
func (f FileRef) IsDir() bool {
	return f.Type == TypeDir || f.Type == TypeTrash
}

// IsBacklink reports whether the ref is the synthetic ".." entry.
func (f FileRef) IsBacklink() bool {
	return f.Filename == Backlink
}

// WithPath returns a copy placed at p with the filename recomputed. p must
// already be normalised.
func (f FileRef) WithPath(p string) FileRef {
	f.Path = p
	f.Filename = Basename(p)
	return f
}

// Validate checks the FileRef invariants.
func (f FileRef) Validate() error {
	n, err := Normalize(f.Path)
	if err != nil {
		return err
	}
	if SchemeOf(n) == "" {
		return fmt.Errorf("%w: %q has no scheme", ErrInvalidPath, f.Path)
	}
	if f.Filename != "" && f.Filename != Basename(n) && !f.IsBacklink() {
		return fmt.Errorf("%w: filename %q does not match %q", ErrInvalidArgument, f.Filename, f.Path)
	}
	if f.Size < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidArgument)
	}
	switch f.Type {
	case TypeFile, TypeDir, TypeTrash, "":
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidArgument, f.Type)
	}
	return nil
}

// Normalized returns f with a canonical path, filename, and the directory
// invariants applied (no mime, zero size).
func (f FileRef) Normalized() (FileRef, error) {
	if err := f.Validate(); err != nil {
		return f, err
	}
	f.Path = MustNormalize(f.Path)
	f.Filename = Basename(f.Path)
	if f.Type == "" {
		f.Type = TypeFile
	}
	if f.IsDir() {
		f.Mime = ""
		f.Size = 0
	}
	return f, nil
}
