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

	"deskvfs/internal/common"
	"deskvfs/internal/payload"
)

// WriteOptions controls write, copy, move and upload.
type WriteOptions struct {
	// Overwrite skips the destination existence check.
	Overwrite bool `json:"overwrite,omitempty"`
}

// MkdirOptions controls mkdir.
type MkdirOptions struct {
	// Overwrite turns an existing directory into a successful no-op.
	Overwrite bool `json:"overwrite,omitempty"`
}

// ReadOptions controls read.
type ReadOptions struct {
	// Type is the form the payload is returned in. Zero means bytes.
	Type payload.Kind `json:"type,omitempty"`
}

// SortBy names a listing sort key.
type SortBy string

const (
	SortNone     SortBy = ""
	SortFilename SortBy = "filename"
	SortSize     SortBy = "size"
	SortMime     SortBy = "mime"
	SortCtime    SortBy = "ctime"
	SortMtime    SortBy = "mtime"
)

// SortDir is the listing sort direction.
type SortDir string

const (
	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// ScandirOptions controls how a listing is decorated. The zero value shows
// hidden files, adds the back-link and keeps the transport's order.
type ScandirOptions struct {
	// TypeFilter keeps only entries of this type when set.
	TypeFilter common.FileType `json:"typeFilter,omitempty"`
	// MimeFilter is a list of regexes; files must match one. Directories
	// are never filtered by mime.
	MimeFilter []string `json:"mimeFilter,omitempty"`
	// HideHidden drops entries whose name starts with a dot.
	HideHidden bool `json:"hideHidden,omitempty"`
	// NoBacklink suppresses the ".." entry.
	NoBacklink bool    `json:"noBacklink,omitempty"`
	SortBy     SortBy  `json:"sortBy,omitempty"`
	SortDir    SortDir `json:"sortDir,omitempty"`
}

func (o ScandirOptions) validate() error {
	switch o.TypeFilter {
	case "", common.TypeFile, common.TypeDir, common.TypeTrash:
	default:
		return fmt.Errorf("%w: type filter %q", common.ErrInvalidArgument, o.TypeFilter)
	}
	switch o.SortBy {
	case SortNone, SortFilename, SortSize, SortMime, SortCtime, SortMtime:
	default:
		return fmt.Errorf("%w: sort key %q", common.ErrInvalidArgument, o.SortBy)
	}
	switch o.SortDir {
	case "", SortAsc, SortDesc:
	default:
		return fmt.Errorf("%w: sort direction %q", common.ErrInvalidArgument, o.SortDir)
	}
	return nil
}
