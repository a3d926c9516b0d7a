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

// Package daemon hosts the VFS facade as a long-running process: it owns
// the settings, the durable store, the HTTP RPC endpoint that server
// transports talk to, and an optional NFS export of one mount.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"deskvfs/internal/common"
	"deskvfs/internal/rpc"
	"deskvfs/internal/vfs"
)

// maxLogSize is the size above which the log file is truncated at start.
const maxLogSize = 50 * 1024 * 1024

const shutdownTimeout = 5 * time.Second

// ConfigureLogging points logrus at out with the given level. "off",
// "none" and "" discard everything.
func ConfigureLogging(level string, out io.Writer) {
	switch strings.ToLower(level) {
	case "", "off", "none":
		log.SetOutput(io.Discard)
		return
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.DebugLevel)
	}
	log.SetOutput(out)
}

// Daemon serves the facade until stopped.
type Daemon struct {
	Settings *Settings

	// LogToStderr logs to stderr instead of the log file.
	LogToStderr bool

	core     *Core
	http     *http.Server
	listener net.Listener
	nfs      *NFSServer
	lock     *flock.Flock
	logFile  *os.File

	ready    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a daemon for s.
func New(s *Settings) *Daemon {
	return &Daemon{
		Settings: s,
		ready:    make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Run starts the daemon and blocks until ctx is done, Stop is called or a
// termination signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}

	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon instance is already running")
	}
	defer d.lock.Unlock()

	if err := d.setupLogging(); err != nil {
		return err
	}
	defer d.closeLog()

	if err := writePidFile(); err != nil {
		return err
	}
	defer os.Remove(PidPath())

	core, err := OpenCore(ctx, d.Settings)
	if err != nil {
		return err
	}
	d.core = core
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := core.Close(cctx); err != nil {
			log.WithError(err).Warn("daemon: close")
		}
	}()

	errCh := make(chan error, 2)
	if err := d.serveRPC(errCh); err != nil {
		return err
	}
	if d.Settings.NFSListen != "" {
		if err := d.serveNFS(errCh); err != nil {
			d.http.Close()
			return err
		}
	}
	close(d.ready)
	log.WithFields(log.Fields{"pid": os.Getpid(), "listen": d.Addr()}).Info("daemon: started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("daemon: shutting down")
	case <-ctx.Done():
		log.Info("daemon: context done, shutting down")
	case <-d.stopCh:
		log.Info("daemon: stop requested, shutting down")
	case runErr = <-errCh:
		log.WithError(runErr).Error("daemon: server failed")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.http.Shutdown(sctx); err != nil {
		log.WithError(err).Warn("daemon: http shutdown")
	}
	if d.nfs != nil {
		d.nfs.Shutdown()
	}
	log.Info("daemon: stopped")
	return runErr
}

func (d *Daemon) serveRPC(errCh chan<- error) error {
	ln, err := net.Listen("tcp", d.Settings.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.Settings.Listen, err)
	}
	d.listener = ln
	srv := rpc.NewServer(d.core.VFS, rpc.NewAuth(d.Settings.Auth.JWTSecret))
	d.http = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := d.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return nil
}

func (d *Daemon) serveNFS(errCh chan<- error) error {
	mp, err := d.core.VFS.Mounts().Get(d.Settings.NFSMount)
	if err != nil {
		return fmt.Errorf("nfs export: %w", err)
	}
	root := mp.Scheme() + ":///"
	d.nfs = NewNFSServer(NewBillyAdapter(d.core.VFS, root))
	ln, err := net.Listen("tcp", d.Settings.NFSListen)
	if err != nil {
		return fmt.Errorf("nfs listen %s: %w", d.Settings.NFSListen, err)
	}
	go func() {
		if err := d.nfs.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			errCh <- err
		}
	}()
	log.WithFields(log.Fields{"mount": d.Settings.NFSMount, "listen": ln.Addr().String()}).Info("daemon: nfs export started")
	return nil
}

// Ready is closed once the daemon accepts requests.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Addr is the address of the RPC listener, empty before Ready.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// VFS is the facade the daemon serves, nil before Ready.
func (d *Daemon) VFS() *vfs.VFS {
	if d.core == nil {
		return nil
	}
	return d.core.VFS
}

// Stop asks Run to return.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Daemon) setupLogging() error {
	if !d.Settings.LoggingEnabled() {
		ConfigureLogging("off", nil)
		return nil
	}
	if d.LogToStderr {
		ConfigureLogging(d.Settings.Level(), os.Stderr)
		return nil
	}
	if err := truncateLogFile(LogPath(), maxLogSize); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
	}
	f, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = f
	ConfigureLogging(d.Settings.Level(), f)
	return nil
}

func (d *Daemon) closeLog() {
	if d.logFile != nil {
		log.SetOutput(io.Discard)
		d.logFile.Close()
	}
}

// truncateLogFile empties the log file when it has grown beyond max.
func truncateLogFile(path string, max int64) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Size() <= max {
		return nil
	}
	return os.Truncate(path, 0)
}

func writePidFile() error {
	return os.WriteFile(PidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// ReadPid returns the PID of the running daemon.
func ReadPid() (int, error) {
	b, err := os.ReadFile(PidPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, common.Errorf(common.ErrNotFound, "pid", PidPath(), "daemon is not running")
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("bad pid file %s: %w", PidPath(), err)
	}
	return pid, nil
}
