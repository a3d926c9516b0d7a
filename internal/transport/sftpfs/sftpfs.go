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

// Package sftpfs is a transport over SFTP. The SSH session is opened at
// mount time and shared by every verb.
package sftpfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"deskvfs/internal/common"
	"deskvfs/internal/payload"
	"deskvfs/internal/transport"
)

// Name is the registry name of this transport.
const Name = "sftp"

const DefaultTimeout = 15 * time.Second

// Options are the mount options of an SFTP transport.
type Options struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`

	Password   string `yaml:"password"`
	KeyFile    string `yaml:"key_file"`
	Passphrase string `yaml:"passphrase"`
	// HostKey pins the server key, in authorized_keys format. When empty
	// any host key is accepted.
	HostKey string `yaml:"host_key"`

	// Root is the remote directory the mount root maps to.
	Root    string        `yaml:"root"`
	Timeout time.Duration `yaml:"timeout"`
}

// FS is the SFTP transport.
type FS struct {
	addr    string
	root    string
	config  *ssh.ClientConfig
	timeout time.Duration
	mimes   common.MimeMap
	log     *log.Entry

	mu     sync.RWMutex
	sshc   *ssh.Client
	client *sftp.Client
}

var (
	_ transport.Transport  = (*FS)(nil)
	_ transport.Mounter    = (*FS)(nil)
	_ transport.FreeSpacer = (*FS)(nil)
)

// Factory builds an SFTP transport from mount options.
func Factory(_ context.Context, env transport.Env, options map[string]any) (transport.Transport, error) {
	var opts Options
	if err := transport.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return New(env, opts)
}

// New validates opts and prepares the SSH client configuration. Nothing
// is dialled until Mount.
func New(env transport.Env, opts Options) (*FS, error) {
	if opts.Host == "" || opts.User == "" {
		return nil, fmt.Errorf("%w: sftp transport needs a host and a user", common.ErrInvalidArgument)
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Root == "" {
		opts.Root = "/"
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := env.Logger()

	var auth []ssh.AuthMethod
	if opts.KeyFile != "" {
		signer, err := loadKey(opts.KeyFile, opts.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrInvalidArgument, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if opts.Password != "" {
		auth = append(auth, ssh.Password(opts.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: sftp transport needs a password or a key file", common.ErrInvalidArgument)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if opts.HostKey != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(opts.HostKey))
		if err != nil {
			return nil, fmt.Errorf("%w: host key: %v", common.ErrInvalidArgument, err)
		}
		hostKey = ssh.FixedHostKey(pub)
	} else {
		logger.WithField("host", opts.Host).Warn("sftpfs: no host key pinned, accepting any")
	}

	return &FS{
		addr: net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		root: path.Clean("/" + opts.Root),
		config: &ssh.ClientConfig{
			User:            opts.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         opts.Timeout,
		},
		timeout: opts.Timeout,
		mimes:   env.Mimes,
		log:     logger,
	}, nil
}

func loadKey(file, passphrase string) (ssh.Signer, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", file, err)
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(b, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(b)
}

// Mount dials the server, opens the sftp subsystem and checks the root.
func (f *FS) Mount(ctx context.Context) error {
	conn, err := (&net.Dialer{Timeout: f.timeout}).DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return transport.NetError("mount", f.addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, f.addr, f.config)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") || strings.Contains(err.Error(), "host key") {
			return common.Wrap("mount", f.addr, common.ErrPermissionDenied, err)
		}
		return common.Wrap("mount", f.addr, common.ErrNetwork, err)
	}
	sshc := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshc)
	if err != nil {
		sshc.Close()
		return common.Wrap("mount", f.addr, common.ErrUnsupported, fmt.Errorf("sftp subsystem: %w", err))
	}

	fi, err := client.Stat(f.root)
	if err == nil && !fi.IsDir() {
		err = common.ErrNotDir
	}
	if err != nil {
		client.Close()
		sshc.Close()
		return mapErr("mount", f.root, err)
	}

	f.mu.Lock()
	f.sshc, f.client = sshc, client
	f.mu.Unlock()
	f.log.WithFields(log.Fields{"addr": f.addr, "root": f.root}).Info("sftpfs: connected")
	return nil
}

func (f *FS) Unmount(context.Context) error {
	f.mu.Lock()
	client, sshc := f.client, f.sshc
	f.client, f.sshc = nil, nil
	f.mu.Unlock()
	if client == nil {
		return nil
	}
	client.Close()
	return sshc.Close()
}

func (f *FS) conn(op, p string) (*sftp.Client, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.client == nil {
		return nil, common.Wrap(op, p, common.ErrNotMounted, nil)
	}
	return f.client, nil
}

// remote is the server path of virtual path p.
func (f *FS) remote(p string) string {
	return path.Join(append([]string{f.root}, common.SplitPath(p)...)...)
}

func mapErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var kind error
	var se *sftp.StatusError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = common.ErrNotFound
	case errors.Is(err, fs.ErrExist):
		kind = common.ErrExists
	case errors.Is(err, fs.ErrPermission):
		kind = common.ErrPermissionDenied
	case errors.Is(err, sftp.ErrSSHFxConnectionLost), errors.Is(err, sftp.ErrSSHFxNoConnection), errors.Is(err, io.EOF):
		kind = common.ErrNetwork
	case errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxOpUnsupported:
		kind = common.ErrUnsupported
	}
	return common.Wrap(op, p, kind, err)
}

func (f *FS) toRef(p string, fi os.FileInfo) common.FileRef {
	ref := common.FileRef{
		Path:     p,
		Filename: common.Basename(p),
		Type:     common.TypeFile,
		Size:     fi.Size(),
		Mtime:    fi.ModTime(),
	}
	if fi.IsDir() {
		ref.Type, ref.Size = common.TypeDir, 0
	} else {
		ref.Mime = f.mimes.Lookup(ref.Filename)
	}
	return ref
}

func (f *FS) Scandir(_ context.Context, dir common.FileRef) ([]common.FileRef, error) {
	c, err := f.conn("scandir", dir.Path)
	if err != nil {
		return nil, err
	}
	infos, err := c.ReadDir(f.remote(dir.Path))
	if err != nil {
		return nil, mapErr("scandir", dir.Path, err)
	}
	out := make([]common.FileRef, 0, len(infos))
	for _, fi := range infos {
		p, err := common.Join(dir.Path, fi.Name())
		if err != nil {
			continue
		}
		out = append(out, f.toRef(p, fi))
	}
	return out, nil
}

func (f *FS) Read(_ context.Context, file common.FileRef) ([]byte, error) {
	c, err := f.conn("read", file.Path)
	if err != nil {
		return nil, err
	}
	r, err := c.Open(f.remote(file.Path))
	if err != nil {
		return nil, mapErr("read", file.Path, err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	return b, mapErr("read", file.Path, err)
}

func (f *FS) writeFile(c *sftp.Client, remote string, data []byte) error {
	w, err := c.Create(remote)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Write replaces the file. The parent directory must exist.
func (f *FS) Write(_ context.Context, file common.FileRef, data []byte) error {
	c, err := f.conn("write", file.Path)
	if err != nil {
		return err
	}
	r := f.remote(file.Path)
	if _, err := c.Stat(path.Dir(r)); err != nil {
		return mapErr("write", file.Path, err)
	}
	return mapErr("write", file.Path, f.writeFile(c, r, data))
}

// removeTree removes a file or a directory with its descendants.
func removeTree(c *sftp.Client, remote string) error {
	fi, err := c.Lstat(remote)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return c.Remove(remote)
	}
	infos, err := c.ReadDir(remote)
	if err != nil {
		return err
	}
	for _, child := range infos {
		if err := removeTree(c, path.Join(remote, child.Name())); err != nil {
			return err
		}
	}
	return c.RemoveDirectory(remote)
}

func (f *FS) Unlink(_ context.Context, ref common.FileRef) error {
	c, err := f.conn("unlink", ref.Path)
	if err != nil {
		return err
	}
	if common.IsRoot(ref.Path) {
		return common.Errorf(common.ErrPermissionDenied, "unlink", ref.Path, "refusing to remove the mount root")
	}
	return mapErr("unlink", ref.Path, removeTree(c, f.remote(ref.Path)))
}

func (f *FS) Mkdir(_ context.Context, dir common.FileRef) error {
	c, err := f.conn("mkdir", dir.Path)
	if err != nil {
		return err
	}
	r := f.remote(dir.Path)
	if _, err := c.Stat(r); err == nil {
		return transport.Exists("mkdir", dir)
	}
	if _, err := c.Stat(path.Dir(r)); err != nil {
		return mapErr("mkdir", dir.Path, err)
	}
	return mapErr("mkdir", dir.Path, c.Mkdir(r))
}

func (f *FS) Exists(_ context.Context, ref common.FileRef) (bool, error) {
	c, err := f.conn("exists", ref.Path)
	if err != nil {
		return false, err
	}
	_, err = c.Stat(f.remote(ref.Path))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, mapErr("exists", ref.Path, err)
}

func (f *FS) Fileinfo(_ context.Context, ref common.FileRef) (map[string]any, error) {
	c, err := f.conn("fileinfo", ref.Path)
	if err != nil {
		return nil, err
	}
	fi, err := c.Stat(f.remote(ref.Path))
	if err != nil {
		return nil, mapErr("fileinfo", ref.Path, err)
	}
	r := f.toRef(ref.Path, fi)
	info := map[string]any{
		"path":     ref.Path,
		"filename": r.Filename,
		"type":     string(r.Type),
		"size":     r.Size,
		"mtime":    r.Mtime,
		"mode":     fi.Mode().String(),
		"remote":   f.remote(ref.Path),
	}
	if r.Mime != "" {
		info["mime"] = r.Mime
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		info["uid"], info["gid"] = st.UID, st.GID
	}
	return info, nil
}

// URL is unsupported: files on an SSH host have no fetchable address.
func (f *FS) URL(context.Context, common.FileRef) (string, error) {
	return "", nil
}

func copyTree(ctx context.Context, c *sftp.Client, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fi, err := c.Stat(from)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		r, err := c.Open(from)
		if err != nil {
			return err
		}
		defer r.Close()
		w, err := c.Create(to)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, r); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	}
	if _, err := c.Stat(to); err != nil {
		if err := c.Mkdir(to); err != nil {
			return err
		}
	}
	infos, err := c.ReadDir(from)
	if err != nil {
		return err
	}
	for _, child := range infos {
		if err := copyTree(ctx, c, path.Join(from, child.Name()), path.Join(to, child.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Copy streams through the client; SFTP has no server-side copy.
func (f *FS) Copy(ctx context.Context, src, dst common.FileRef) error {
	c, err := f.conn("copy", src.Path)
	if err != nil {
		return err
	}
	return mapErr("copy", src.Path, copyTree(ctx, c, f.remote(src.Path), f.remote(dst.Path)))
}

// Move renames on the server. An existing destination is replaced.
func (f *FS) Move(_ context.Context, src, dst common.FileRef) error {
	c, err := f.conn("move", src.Path)
	if err != nil {
		return err
	}
	from, to := f.remote(src.Path), f.remote(dst.Path)
	if _, err := c.Stat(from); err != nil {
		return mapErr("move", src.Path, err)
	}
	if _, err := c.Lstat(to); err == nil {
		if err := removeTree(c, to); err != nil {
			return mapErr("move", dst.Path, err)
		}
	}
	return mapErr("move", dst.Path, c.Rename(from, to))
}

func (f *FS) Upload(ctx context.Context, file common.FileRef, blob *payload.Blob) (common.FileRef, error) {
	if err := f.Write(ctx, file, blob.Bytes()); err != nil {
		return common.FileRef{}, err
	}
	mime := blob.Mime
	if mime == "" {
		mime = f.mimes.Lookup(file.Path)
	}
	return common.FileRef{
		Path:     file.Path,
		Filename: common.Basename(file.Path),
		Type:     common.TypeFile,
		Mime:     mime,
		Size:     blob.Size(),
	}, nil
}

// FreeSpace asks the server through the statvfs extension. Servers
// without it report -1.
func (f *FS) FreeSpace(_ context.Context, root common.FileRef) (int64, error) {
	c, err := f.conn("freeSpace", root.Path)
	if err != nil {
		return 0, err
	}
	st, err := c.StatVFS(f.remote(root.Path))
	if err != nil {
		f.log.WithError(err).Debug("sftpfs: statvfs unavailable")
		return -1, nil
	}
	return int64(st.FreeSpace()), nil
}
