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

package daemon

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"deskvfs/internal/mount"
	"deskvfs/internal/storage"
	"deskvfs/internal/transport"
	"deskvfs/internal/transport/davfs"
	"deskvfs/internal/transport/diskfs"
	"deskvfs/internal/transport/drivefs"
	"deskvfs/internal/transport/httpfs"
	"deskvfs/internal/transport/localfs"
	"deskvfs/internal/transport/s3fs"
	"deskvfs/internal/transport/serverfs"
	"deskvfs/internal/transport/sftpfs"
	"deskvfs/internal/vfs"
)

// NewRegistry returns a registry holding every built-in transport.
func NewRegistry() *transport.Registry {
	r := transport.NewRegistry()
	r.Register(localfs.Name, localfs.Factory)
	r.Register(httpfs.Name, httpfs.Factory)
	r.Register(serverfs.Name, serverfs.Factory)
	r.Register(drivefs.Name, drivefs.Factory)
	r.Register(diskfs.Name, diskfs.Factory)
	r.Register(s3fs.Name, s3fs.Factory)
	r.Register(davfs.Name, davfs.Factory)
	r.Register(sftpfs.Name, sftpfs.Factory)
	return r
}

// Core is a facade built from settings together with the store behind it.
// The daemon and the CLI both run on one.
type Core struct {
	VFS   *vfs.VFS
	Store *storage.Store // nil when no database is configured
}

// OpenCore opens the store, builds the mount manager and mounts every
// configured and persisted mount. Mounts that fail are logged and skipped.
func OpenCore(ctx context.Context, s *Settings) (*Core, error) {
	opts := []mount.Option{mount.WithMimes(s.Mimes())}

	var store *storage.Store
	if p := s.DatabasePath(); p != "" {
		var err error
		store, err = storage.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		opts = append(opts, mount.WithKV(store), mount.WithMountStore(store))
	}

	mgr := mount.NewManager(NewRegistry(), opts...)
	if err := mgr.Init(ctx, s.MountConfigs()); err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}
	log.WithField("mounts", len(mgr.All())).Info("daemon: mounts initialised")
	return &Core{VFS: vfs.New(mgr), Store: store}, nil
}

// Close unmounts everything and closes the store.
func (c *Core) Close(ctx context.Context) error {
	err := c.VFS.Mounts().UnmountAll(ctx)
	if c.Store != nil {
		err = errors.Join(err, c.Store.Close())
	}
	return err
}
