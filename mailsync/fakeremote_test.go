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
	"sort"
	"strconv"
	"sync"
	"time"
)

type fakeMessage struct {
	uid     int
	date    time.Time
	flags   []string
	subject string
	body    string
}

type fakeMailbox struct {
	validity string
	nextUID  int
	messages []*fakeMessage
}

// fakeServer is an in memory search based server.
type fakeServer struct {
	mu        sync.Mutex
	mailboxes map[string]*fakeMailbox
	conns     []*fakeConn
	dials     int
	searches  int
	refreshes int
	gmail     bool
	// tzOffset shifts message dates into the server's day boundaries.
	tzOffset time.Duration
	// failDial fails every dial while set.
	failDial error
	// onSearch runs before every search, outside the lock.
	onSearch func()
}

func newFakeServer() *fakeServer {
	return &fakeServer{mailboxes: make(map[string]*fakeMailbox)}
}

func (s *fakeServer) mailbox(path string) *fakeMailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.mailboxes[path]
	if !ok {
		mb = &fakeMailbox{validity: "1", nextUID: 1}
		s.mailboxes[path] = mb
	}
	return mb
}

// add appends a message dated date to the mailbox at path and returns its
// uid.
func (s *fakeServer) add(path string, date time.Time, flags ...string) int {
	mb := s.mailbox(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &fakeMessage{
		uid:     mb.nextUID,
		date:    date,
		flags:   flags,
		subject: fmt.Sprintf("message %d", mb.nextUID),
		body:    fmt.Sprintf("Hello, this is message %d.\r\n> quoted\r\nBye", mb.nextUID),
	}
	mb.nextUID++
	mb.messages = append(mb.messages, m)
	return m.uid
}

// addDays adds one message per day for days days, starting from the day
// before now.
func (s *fakeServer) addDays(path string, now time.Time, days int) {
	for i := 1; i <= days; i++ {
		s.add(path, DaysBefore(now, i).Add(12*time.Hour))
	}
}

func (s *fakeServer) remove(path string, uid int) {
	mb := s.mailbox(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range mb.messages {
		if m.uid == uid {
			mb.messages = append(mb.messages[:i], mb.messages[i+1:]...)
			return
		}
	}
}

func (s *fakeServer) setFlags(path string, uid int, flags ...string) {
	mb := s.mailbox(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range mb.messages {
		if m.uid == uid {
			m.flags = flags
		}
	}
}

func (s *fakeServer) setValidity(path string, validity string) {
	mb := s.mailbox(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	mb.validity = validity
}

// breakConns makes every open connection fail its next command.
func (s *fakeServer) breakConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.broken = true
	}
}

func (s *fakeServer) stats() (dials, searches, refreshes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials, s.searches, s.refreshes
}

func (s *fakeServer) Dial(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDial != nil {
		return nil, s.failDial
	}
	s.dials++
	c := &fakeConn{srv: s}
	s.conns = append(s.conns, c)
	return c, nil
}

type fakeConn struct {
	srv    *fakeServer
	broken bool
	closed bool
}

func (c *fakeConn) check() error {
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	if c.broken {
		return fmt.Errorf("connection reset by peer")
	}
	return nil
}

func (c *fakeConn) ListFolders(ctx context.Context) ([]Mailfolder, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	folders := make([]Mailfolder, 0, len(c.srv.mailboxes))
	for path := range c.srv.mailboxes {
		folders = append(folders, NewMailfolder(path, '/'))
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Path() < folders[j].Path() })
	return folders, nil
}

func (c *fakeConn) OpenFolder(ctx context.Context, path string) (RemoteFolder, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	mb, ok := c.srv.mailboxes[path]
	if !ok {
		return nil, fmt.Errorf("no such mailbox %s", path)
	}
	return &fakeFolder{conn: c, path: path, validity: mb.validity, count: len(mb.messages)}, nil
}

func (c *fakeConn) Close() error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.closed = true
	return nil
}

type fakeFolder struct {
	conn     *fakeConn
	path     string
	validity string
	count    int
}

func (f *fakeFolder) Path() string       { return f.path }
func (f *fakeFolder) Validity() string   { return f.validity }
func (f *fakeFolder) MessageCount() int  { return f.count }
func (f *fakeFolder) NeedsRefresh() bool { return f.conn.srv.gmail }

func (f *fakeFolder) Refresh(ctx context.Context) error {
	s := f.conn.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := f.conn.check(); err != nil {
		return err
	}
	s.refreshes++
	return nil
}

func (f *fakeFolder) Search(ctx context.Context, criteria SearchCriteria) ([]ServerID, error) {
	s := f.conn.srv
	if s.onSearch != nil {
		s.onSearch()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := f.conn.check(); err != nil {
		return nil, err
	}
	s.searches++
	mb := s.mailboxes[f.path]
	f.count = len(mb.messages)
	var ids []ServerID
	for _, m := range mb.messages {
		date := m.date.Add(s.tzOffset)
		if !criteria.Since.IsZero() && date.Before(criteria.Since) {
			continue
		}
		if !criteria.Before.IsZero() && !date.Before(criteria.Before) {
			continue
		}
		ids = append(ids, ServerID(strconv.Itoa(m.uid)))
	}
	return ids, nil
}

func (f *fakeFolder) find(id ServerID) *fakeMessage {
	for _, m := range f.conn.srv.mailboxes[f.path].messages {
		if strconv.Itoa(m.uid) == string(id) {
			return m
		}
	}
	return nil
}

func (f *fakeFolder) FetchHeaders(ctx context.Context, ids []ServerID, fields HeaderFields) ([]RemoteRecord, error) {
	s := f.conn.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := f.conn.check(); err != nil {
		return nil, err
	}
	var records []RemoteRecord
	for _, id := range ids {
		m := f.find(id)
		if m == nil {
			continue
		}
		r := RemoteRecord{ID: id, Flags: append([]string(nil), m.flags...)}
		if fields == FetchFullHeaders {
			r.Date = m.date
			r.Subject = m.subject
			r.Author = "Alice <alice@example.com>"
			r.Size = int64(len(m.body))
			r.Parts = []RemotePart{{
				PartID:   "1",
				Type:     "text/plain",
				Charset:  "utf-8",
				Encoding: "7bit",
				Size:     int64(len(m.body)),
			}}
		}
		records = append(records, r)
	}
	return records, nil
}

func (f *fakeFolder) FetchBody(ctx context.Context, id ServerID, part string, maxBytes int64) ([]byte, error) {
	s := f.conn.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := f.conn.check(); err != nil {
		return nil, err
	}
	m := f.find(id)
	if m == nil || part != "1" {
		return nil, nil
	}
	body := []byte(m.body)
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		body = body[:maxBytes]
	}
	return body, nil
}
