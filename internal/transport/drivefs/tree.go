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

package drivefs

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"deskvfs/internal/common"
	"deskvfs/internal/metrics"
)

// tree is a flat snapshot of every object the account can see.
type tree struct {
	files    []File
	children map[string][]*File
	byID     map[string]*File
}

func newTree(files []File) *tree {
	t := &tree{
		files:    files,
		children: make(map[string][]*File),
		byID:     make(map[string]*File, len(files)),
	}
	for i := range t.files {
		f := &t.files[i]
		t.byID[f.ID] = f
		for _, p := range f.Parents {
			t.children[p.ID] = append(t.children[p.ID], f)
		}
	}
	return t
}

// lookup picks the child of parent named name. Live objects beat trashed
// ones, and an object of the wanted kind beats one of the other kind; the
// first in listing order wins among equals.
func (t *tree) lookup(parent, name string, typ common.FileType) *File {
	var best *File
	bestScore := 4
	for _, f := range t.children[parent] {
		if f.Title != name {
			continue
		}
		score := 0
		if f.Labels.Trashed && typ != common.TypeTrash {
			score += 2
		}
		switch typ {
		case common.TypeDir:
			if !f.isFolder() {
				score++
			}
		case common.TypeFile:
			if f.isFolder() {
				score++
			}
		}
		if score < bestScore {
			best, bestScore = f, score
		}
	}
	return best
}

// cachedTree returns the tree, listing every object when the cache is
// empty. The idle timer starts when a fresh tree is installed.
func (fs *FS) cachedTree(ctx context.Context, op, path string) (*tree, error) {
	fs.mu.Lock()
	t, gen := fs.tree, fs.gen
	fs.mu.Unlock()
	if t != nil {
		metrics.RecordCacheLookup("drive_tree", true)
		return t, nil
	}
	metrics.RecordCacheLookup("drive_tree", false)

	var files []File
	q := url.Values{"maxResults": {strconv.Itoa(pageSize)}}
	for {
		var page fileList
		if err := fs.jsonCall(ctx, op, path, http.MethodGet, fs.apiURL("/files", q), nil, &page); err != nil {
			return nil, err
		}
		files = append(files, page.Items...)
		if page.NextPageToken == "" {
			break
		}
		q.Set("pageToken", page.NextPageToken)
	}
	t = newTree(files)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	// a mutation while listing makes this snapshot stale; use it once
	if fs.gen == gen {
		fs.tree = t
		if fs.idle > 0 {
			if fs.timer != nil {
				fs.timer.Stop()
			}
			fs.timer = time.AfterFunc(fs.idle, fs.expire)
		}
	}
	fs.log.WithField("objects", len(files)).Debug("drivefs: tree loaded")
	return t, nil
}

func (fs *FS) expire() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.tree != nil {
		log.WithField("mount", fs.mount).Trace("drivefs: tree cache expired")
	}
	fs.tree = nil
	fs.gen++
}

// clearTree drops the cached tree after a mutation.
func (fs *FS) clearTree() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.timer != nil {
		fs.timer.Stop()
		fs.timer = nil
	}
	fs.tree = nil
	fs.gen++
}

// resolve walks path segment by segment from the root folder. Every
// intermediate segment must be a folder.
func (fs *FS) resolve(ctx context.Context, op string, ref common.FileRef) (*File, *tree, error) {
	t, err := fs.cachedTree(ctx, op, ref.Path)
	if err != nil {
		return nil, nil, err
	}
	root := fs.rootID()
	cur := &File{ID: root, MimeType: FolderMime}
	segs := common.SplitPath(ref.Path)
	for i, seg := range segs {
		typ := common.TypeDir
		if i == len(segs)-1 {
			typ = ref.Type
		}
		next := t.lookup(cur.ID, seg, typ)
		if next == nil || (i < len(segs)-1 && !next.isFolder()) {
			return nil, t, common.Wrap(op, ref.Path, common.ErrNotFound, nil)
		}
		cur = next
	}
	return cur, t, nil
}

// resolveParent resolves the folder that holds ref.
func (fs *FS) resolveParent(ctx context.Context, op string, ref common.FileRef) (*File, error) {
	parent, _, err := fs.resolve(ctx, op, common.FileRef{Path: common.Dirname(ref.Path), Type: common.TypeDir})
	if err != nil {
		return nil, err
	}
	if !parent.isFolder() {
		return nil, common.Wrap(op, ref.Path, common.ErrNotDir, nil)
	}
	return parent, nil
}
