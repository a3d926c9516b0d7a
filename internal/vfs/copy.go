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
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"deskvfs/internal/common"
	"deskvfs/internal/events"
	"deskvfs/internal/metrics"
)

// Copy copies src to dst. When both ends share a transport the transport
// copies natively; otherwise the facade reads and writes, walking
// directories sequentially. A walk that fails part way leaves what was
// copied and returns a *common.PartialCopyError naming the failures.
func (v *VFS) Copy(ctx context.Context, src, dst common.FileRef, opts WriteOptions) (err error) {
	s, d, err := v.preparePair(ctx, "copy", src, dst, false, opts)
	if err != nil {
		return err
	}
	defer v.finish(d, &err)

	if sameTransport(s, d) {
		if err := s.transport().Copy(ctx, s.under, d.under); err != nil {
			return err
		}
		d.invalidate(d.under.Path)
		if d.ref.IsDir() {
			v.emit(events.EventMkdir, d.ref)
		} else {
			v.emit(events.EventWrite, d.ref)
		}
		return nil
	}

	if s.ref.IsDir() {
		return v.copyTree(ctx, s, d, opts.Overwrite, true)
	}
	out, err := v.transfer(ctx, s, s.under, d, d.under)
	if err != nil {
		return err
	}
	v.emit(events.EventWrite, d.visible(out))
	return nil
}

// Move moves src to dst. Across transports it copies and then unlinks the
// source; a failed copy removes whatever reached the destination so both
// ends are left as they were.
func (v *VFS) Move(ctx context.Context, src, dst common.FileRef, opts WriteOptions) (err error) {
	s, d, err := v.preparePair(ctx, "move", src, dst, true, opts)
	if err != nil {
		return err
	}
	defer v.finish(d, &err)

	if sameTransport(s, d) {
		if err := s.transport().Move(ctx, s.under, d.under); err != nil {
			return err
		}
		s.invalidate(s.under.Path)
		d.invalidate(d.under.Path)
		v.emitMove(s.ref, d.ref)
		return nil
	}

	existed := false
	if opts.Overwrite {
		if existed, err = d.transport().Exists(ctx, d.under); err != nil {
			return err
		}
	}

	if s.ref.IsDir() {
		err = v.copyTree(ctx, s, d, opts.Overwrite, false)
	} else {
		_, err = v.transfer(ctx, s, s.under, d, d.under)
	}
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			v.rollback(ctx, d, existed)
		}
		return err
	}

	if err := s.transport().Unlink(ctx, s.under); err != nil {
		if !s.ref.IsDir() {
			v.rollback(ctx, d, existed)
			return err
		}
		// A directory may already be half gone, so the copy stays and the
		// source is reported as the part that did not move.
		s.invalidate(s.under.Path)
		return &common.PartialCopyError{
			Source:      s.ref.Path,
			Destination: d.ref.Path,
			Failed:      []string{s.ref.Path},
			Errs:        []error{err},
		}
	}
	s.invalidate(s.under.Path)
	v.emitMove(s.ref, d.ref)
	return nil
}

// Rename is Move.
func (v *VFS) Rename(ctx context.Context, src, dst common.FileRef, opts WriteOptions) error {
	return v.Move(ctx, src, dst, opts)
}

// preparePair resolves both ends of a copy or move. The destination
// read-only check runs before any transport is touched.
func (v *VFS) preparePair(ctx context.Context, verb string, src, dst common.FileRef, srcWrite bool, opts WriteOptions) (*call, *call, error) {
	s, err := v.prepare(verb, src, srcWrite)
	if err != nil {
		return nil, nil, err
	}
	dst.Type = s.ref.Type
	d, err := v.prepare(verb, dst, true)
	if err != nil {
		return nil, nil, err
	}
	if d.ref.IsDir() {
		d.ref.Mime, d.ref.Size = "", 0
		d.under.Mime, d.under.Size = "", 0
	} else {
		d.ref.Mime, d.under.Mime = s.ref.Mime, s.ref.Mime
	}

	if common.Contains(s.ref.Path, d.ref.Path) || (sameTransport(s, d) && common.Contains(s.under.Path, d.under.Path)) {
		err := common.Errorf(common.ErrInvalidArgument, verb, d.ref.Path, "destination is inside %s", s.ref.Path)
		metrics.RecordOperation(verb, d.transportName(), err, 0)
		return nil, nil, err
	}
	if !opts.Overwrite {
		if err := ensureAbsent(ctx, d, d.under); err != nil {
			err = wrapErr(verb, d.ref.Path, err)
			metrics.RecordOperation(verb, d.transportName(), err, 0)
			return nil, nil, err
		}
	}
	return s, d, nil
}

func sameTransport(s, d *call) bool {
	return s.route.Transport == d.route.Transport
}

// transfer copies one file between transports through memory.
func (v *VFS) transfer(ctx context.Context, s *call, from common.FileRef, d *call, to common.FileRef) (common.FileRef, error) {
	data, err := s.transport().Read(ctx, from)
	if err != nil {
		return to, err
	}
	metrics.RecordTransfer(s.transportName(), "read", len(data))

	to.Type = common.TypeFile
	to.Size = int64(len(data))
	if to.Mime == "" {
		to.Mime = v.mimeOf(from, "")
	}
	if err := d.transport().Write(ctx, to, data); err != nil {
		return to, err
	}
	metrics.RecordTransfer(d.transportName(), "write", len(data))
	d.invalidate(to.Path)
	return to, nil
}

// copyTree reproduces the directory s under d, one child at a time. With
// notify set it emits one mkdir for the destination root and one write per
// copied file; sub-directories are created silently.
func (v *VFS) copyTree(ctx context.Context, s, d *call, overwrite, notify bool) error {
	if err := ensurePresent(ctx, s); err != nil {
		return err
	}
	if err := mkdirAt(ctx, d, d.under, overwrite); err != nil {
		return err
	}
	d.invalidate(d.under.Path)
	if notify {
		v.emit(events.EventMkdir, d.ref)
	}

	pce := &common.PartialCopyError{Source: s.ref.Path, Destination: d.ref.Path}
	v.walkCopy(ctx, s, d, s.under, d.under, overwrite, notify, pce)
	if len(pce.Failed) > 0 {
		log.WithFields(log.Fields{
			"src":    s.ref.Path,
			"dst":    d.ref.Path,
			"failed": len(pce.Failed),
		}).Warn("[VFS] copy: partial copy")
		return pce
	}
	return nil
}

func (v *VFS) walkCopy(ctx context.Context, s, d *call, from, to common.FileRef, overwrite, notify bool, pce *common.PartialCopyError) {
	fail := func(p string, err error) {
		pce.Failed = append(pce.Failed, s.route.ToVisible(p))
		pce.Errs = append(pce.Errs, err)
	}

	entries, err := s.transport().Scandir(ctx, from)
	if err != nil {
		fail(from.Path, err)
		return
	}
	for _, e := range entries {
		if e.IsBacklink() {
			continue
		}
		if e.Path == "" {
			e.Path, _ = common.Join(from.Path, e.Filename)
		}
		if err := ctx.Err(); err != nil {
			fail(e.Path, err)
			return
		}
		target, err := common.Join(to.Path, e.Filename)
		if err != nil {
			fail(e.Path, err)
			continue
		}

		if e.IsDir() {
			child := common.FileRef{Path: target, Filename: e.Filename, Type: common.TypeDir}
			if err := mkdirAt(ctx, d, child, overwrite); err != nil {
				fail(e.Path, err)
				continue
			}
			v.walkCopy(ctx, s, d, e, child, overwrite, notify, pce)
			continue
		}

		child := common.FileRef{Path: target, Filename: e.Filename, Type: common.TypeFile, Mime: e.Mime}
		out, err := v.transfer(ctx, s, e, d, child)
		if err != nil {
			fail(e.Path, err)
			continue
		}
		if notify {
			v.emit(events.EventWrite, d.visible(out))
		}
	}
}

// ensurePresent fails with ErrNotFound when the source of a tree copy is
// missing, before anything is created at the destination.
func ensurePresent(ctx context.Context, s *call) error {
	ok, err := s.transport().Exists(ctx, s.under)
	if err != nil {
		return err
	}
	if !ok {
		return common.Wrap(s.verb, s.ref.Path, common.ErrNotFound, nil)
	}
	return nil
}

// mkdirAt creates dir on d's transport. With overwrite an existing
// directory is accepted.
func mkdirAt(ctx context.Context, d *call, dir common.FileRef, overwrite bool) error {
	err := d.transport().Mkdir(ctx, dir)
	if err != nil && overwrite && errors.Is(err, common.ErrExists) {
		return nil
	}
	return err
}

// rollback removes a destination the failed move created.
func (v *VFS) rollback(ctx context.Context, d *call, existed bool) {
	if existed {
		log.WithField("dst", d.ref.Path).Warn("[VFS] move: destination was overwritten in place, not rolled back")
		return
	}
	ok, err := d.transport().Exists(ctx, d.under)
	if err != nil || !ok {
		return
	}
	if err := d.transport().Unlink(ctx, d.under); err != nil {
		log.WithError(err).WithField("dst", d.ref.Path).Warn("[VFS] move: rollback failed")
	}
	d.invalidate(d.under.Path)
}
