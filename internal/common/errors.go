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
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error leaving the facade matches exactly one of these
// through errors.Is.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNoMount           = errors.New("no mountpoint")
	ErrNotMounted        = errors.New("not mounted")
	ErrReadOnly          = errors.New("read-only filesystem")
	ErrNotFound          = errors.New("not found")
	ErrExists            = errors.New("already exists")
	ErrNotEmpty          = errors.New("directory not empty")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNetwork           = errors.New("network error")
	ErrUnsupported       = errors.New("operation not supported")
	ErrPayloadConversion = errors.New("payload conversion failed")
	ErrPartialCopy       = errors.New("partial copy")
	ErrInternal          = errors.New("internal error")
)

// Refinements of the kinds above.
var (
	ErrInvalidPath = fmt.Errorf("invalid path: %w", ErrInvalidArgument)
	ErrNotDir      = fmt.Errorf("not a directory: %w", ErrInvalidArgument)
	ErrIsDir       = fmt.Errorf("is a directory: %w", ErrInvalidArgument)
	ErrTimeout     = fmt.Errorf("operation timed out: %w", ErrNetwork)
)

// kinds is ordered so that the more specific kind wins when an error chain
// matches several (a PartialCopyError also carries per-file causes).
var kinds = []error{
	ErrPartialCopy,
	ErrInvalidArgument,
	ErrNoMount,
	ErrNotMounted,
	ErrReadOnly,
	ErrNotFound,
	ErrExists,
	ErrNotEmpty,
	ErrPermissionDenied,
	ErrNetwork,
	ErrUnsupported,
	ErrPayloadConversion,
	ErrInternal,
}

var codes = map[error]string{
	ErrInvalidArgument:   "EINVAL",
	ErrNoMount:           "ENOMOUNT",
	ErrNotMounted:        "ENOTMOUNTED",
	ErrReadOnly:          "EROFS",
	ErrNotFound:          "ENOENT",
	ErrExists:            "EEXIST",
	ErrNotEmpty:          "ENOTEMPTY",
	ErrPermissionDenied:  "EACCES",
	ErrNetwork:           "ENETWORK",
	ErrUnsupported:       "ENOTSUP",
	ErrPayloadConversion: "EPAYLOAD",
	ErrPartialCopy:       "EPARTIAL",
	ErrInternal:          "EINTERNAL",
}

// Error is the error type returned by the facade and the transports.
// Kind is one of the sentinel kinds; Cause keeps the back-end message.
type Error struct {
	Op    string
	Path  string
	Kind  error
	Cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Path != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(e.Path)
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	kind := e.Kind
	if kind == nil {
		kind = ErrInternal
	}
	b.WriteString(kind.Error())
	if e.Cause != nil && e.Cause != e.Kind {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil && e.Cause != e.Kind {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Wrap annotates cause with the operation and path. A nil kind is derived
// from the cause.
func Wrap(op, path string, kind, cause error) error {
	if kind == nil {
		kind = KindOf(cause)
	}
	return &Error{Op: op, Path: path, Kind: kind, Cause: cause}
}

// Errorf builds an *Error whose cause is a formatted message.
func Errorf(kind error, op, path, format string, args ...any) error {
	return &Error{Op: op, Path: path, Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// KindOf returns the taxonomy sentinel err belongs to. Unknown errors are
// ErrInternal; nil stays nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		for _, k := range kinds {
			if errors.Is(e.Kind, k) {
				return k
			}
		}
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}

// Code returns the wire code for err ("" for nil).
func Code(err error) string {
	if err == nil {
		return ""
	}
	return codes[KindOf(err)]
}

// FromCode maps a wire code back to its kind. Unknown codes are ErrInternal.
func FromCode(code string) error {
	for k, c := range codes {
		if c == code {
			return k
		}
	}
	return ErrInternal
}

// PartialCopyError reports the descendants a recursive copy could not
// reproduce. Whatever was copied before the failure is left in place.
type PartialCopyError struct {
	Source      string
	Destination string
	Failed      []string
	Errs        []error
}

func (e *PartialCopyError) Error() string {
	return fmt.Sprintf("copy %s -> %s: partial copy: %d failed (%s)",
		e.Source, e.Destination, len(e.Failed), strings.Join(e.Failed, ", "))
}

func (e *PartialCopyError) Unwrap() error { return ErrPartialCopy }
