// GOFolderSync
// Copyright (C) 2014 Simone Gotti <simone.gotti@gmail.com>
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package mailsync

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sgotti/gofoldersync/config"
	"github.com/sgotti/gofoldersync/errors"
	"github.com/sgotti/gofoldersync/log"
)

// LeasePool hands out exclusive per folder access to server connections.
// Callers contending for the same folder, or for a connection slot, wait in
// FIFO order.
type LeasePool struct {
	dialer  Dialer
	slots   *semaphore.Weighted
	limiter *rate.Limiter

	mu      sync.Mutex
	idle    []Conn
	folders map[string]*semaphore.Weighted
	closed  bool

	logger *log.Logger
	e      *errors.Error
}

func NewLeasePool(globalconfig *config.Config, name string, dialer Dialer) *LeasePool {
	logprefix := fmt.Sprintf("leasepool %s", name)
	sc := globalconfig.Sync
	return &LeasePool{
		dialer:  dialer,
		slots:   semaphore.NewWeighted(int64(sc.MaxConnections)),
		limiter: rate.NewLimiter(rate.Limit(sc.ConnectRate), sc.ConnectBurst),
		folders: make(map[string]*semaphore.Weighted),
		logger:  log.GetLogger(logprefix, globalconfig.LogLevel),
		e:       errors.New(logprefix),
	}
}

func (p *LeasePool) folderLock(path string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.folders[path]
	if !ok {
		l = semaphore.NewWeighted(1)
		p.folders[path] = l
	}
	return l
}

// conn returns an idle connection or dials a new one. fresh reports whether
// it was dialed for this call.
func (p *LeasePool) conn(ctx context.Context) (c Conn, fresh bool, err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, fmt.Errorf("lease pool closed")
	}
	if n := len(p.idle); n > 0 {
		c = p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, false, nil
	}
	p.mu.Unlock()

	c, err = p.dial(ctx)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (p *LeasePool) putIdle(c Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Close()
		return
	}
	p.idle = append(p.idle, c)
}

// Acquire waits for exclusive access to the folder at path and returns a
// lease holding a connection with that folder selected.
func (p *LeasePool) Acquire(ctx context.Context, path string) (*Lease, error) {
	folderLock := p.folderLock(path)
	if err := folderLock.Acquire(ctx, 1); err != nil {
		return nil, NewSyncError(KindCancelled, "acquire "+path, err)
	}
	if err := p.slots.Acquire(ctx, 1); err != nil {
		folderLock.Release(1)
		return nil, NewSyncError(KindCancelled, "acquire "+path, err)
	}
	l := &Lease{pool: p, path: path, folderLock: folderLock}
	if err := l.open(ctx); err != nil {
		p.slots.Release(1)
		folderLock.Release(1)
		return nil, p.e.E(err)
	}
	return l, nil
}

// ListFolders lists the server folders on a pooled connection.
func (p *LeasePool) ListFolders(ctx context.Context) ([]Mailfolder, error) {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, NewSyncError(KindCancelled, "list", err)
	}
	defer p.slots.Release(1)

	c, fresh, err := p.conn(ctx)
	if err != nil {
		return nil, p.e.E(err)
	}
	folders, err := c.ListFolders(ctx)
	if err != nil && !fresh {
		c.Close()
		p.logger.Debugf("listing on a new connection: %v", err)
		if c, err = p.dial(ctx); err != nil {
			return nil, p.e.E(err)
		}
		folders, err = c.ListFolders(ctx)
	}
	if err != nil {
		c.Close()
		return nil, p.e.E(transportError("list", err))
	}
	p.putIdle(c)
	return folders, nil
}

func (p *LeasePool) dial(ctx context.Context) (Conn, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, NewSyncError(KindCancelled, "dial", err)
	}
	p.logger.Debugf("dialing new connection")
	c, err := p.dialer.Dial(ctx)
	if err != nil {
		return nil, transportError("dial", err)
	}
	return c, nil
}

func (p *LeasePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
	return nil
}

// Lease is exclusive access to one folder on one connection until Release.
type Lease struct {
	pool       *LeasePool
	path       string
	folderLock *semaphore.Weighted
	conn       Conn
	folder     RemoteFolder
	fresh      bool
	released   bool
}

func (l *Lease) open(ctx context.Context) error {
	c, fresh, err := l.pool.conn(ctx)
	if err != nil {
		return err
	}
	folder, err := c.OpenFolder(ctx, l.path)
	if err != nil {
		c.Close()
		// A pooled connection may have gone stale while idle.
		if !fresh {
			l.pool.logger.Debugf("reopening %s on a new connection: %v", l.path, err)
			return l.reopenFresh(ctx)
		}
		return transportError("select "+l.path, err)
	}
	l.conn, l.folder, l.fresh = c, folder, fresh
	return nil
}

func (l *Lease) reopenFresh(ctx context.Context) error {
	c, err := l.pool.dial(ctx)
	if err != nil {
		return err
	}
	folder, err := c.OpenFolder(ctx, l.path)
	if err != nil {
		c.Close()
		return transportError("select "+l.path, err)
	}
	l.conn, l.folder, l.fresh = c, folder, true
	return nil
}

func (l *Lease) Folder() RemoteFolder {
	return l.folder
}

// Fresh reports whether the connection was dialed for this lease.
func (l *Lease) Fresh() bool {
	return l.fresh
}

// Reconnect drops the current connection and selects the folder again on a
// newly dialed one. On failure the lease has no folder left and must be
// released.
func (l *Lease) Reconnect(ctx context.Context) error {
	if l.conn != nil {
		l.conn.Close()
		l.conn, l.folder = nil, nil
	}
	return l.reopenFresh(ctx)
}

// Release gives the connection back to the pool. A broken connection is
// closed instead.
func (l *Lease) Release(broken bool) {
	if l.released {
		return
	}
	l.released = true
	if l.conn != nil {
		if broken {
			l.conn.Close()
		} else {
			l.pool.putIdle(l.conn)
		}
	}
	l.conn, l.folder = nil, nil
	l.pool.slots.Release(1)
	l.folderLock.Release(1)
}
