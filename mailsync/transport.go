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
	"time"
)

// SearchCriteria selects messages by internal date. Since is inclusive,
// Before exclusive and both are day granular on the server. A zero Before
// means no upper bound.
type SearchCriteria struct {
	Since  time.Time
	Before time.Time
}

type HeaderFields int

const (
	// Only flags, used to refresh known messages.
	FetchFlagsOnly HeaderFields = iota
	// Envelope, flags, date and body structure of new messages.
	FetchFullHeaders
)

// RemotePart is a leaf of a message body structure.
type RemotePart struct {
	PartID     string
	Type       string
	Charset    string
	Encoding   string
	Size       int64
	Attachment bool
}

// RemoteRecord is a message as fetched from the server, before chewing.
type RemoteRecord struct {
	ID      ServerID
	Date    time.Time
	Flags   []string
	Subject string
	Author  string
	Size    int64
	Parts   []RemotePart
}

// RemoteFolder is a selected folder on a search based server. Calls on the
// same RemoteFolder must not be interleaved; the lease guarantees it.
type RemoteFolder interface {
	Path() string
	// Validity changes when the server renumbered the folder, making every
	// known ServerID meaningless.
	Validity() string
	// Messages in the folder as of the last select or search.
	MessageCount() int
	// NeedsRefresh is true when the server only updates its search view
	// after a round trip.
	NeedsRefresh() bool
	Refresh(ctx context.Context) error
	Search(ctx context.Context, criteria SearchCriteria) ([]ServerID, error)
	FetchHeaders(ctx context.Context, ids []ServerID, fields HeaderFields) ([]RemoteRecord, error)
	// FetchBody fetches part of message id. maxBytes <= 0 fetches it all.
	FetchBody(ctx context.Context, id ServerID, part string, maxBytes int64) ([]byte, error)
}

type Conn interface {
	ListFolders(ctx context.Context) ([]Mailfolder, error)
	OpenFolder(ctx context.Context, path string) (RemoteFolder, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DeltaChange replaces the flags of an already known message.
type DeltaChange struct {
	ID    ServerID
	Flags []string
}

// DeltaBatch is one page of changes returned for a sync key.
type DeltaBatch struct {
	SyncKey       string
	Added         []Message
	Changed       []DeltaChange
	Deleted       []ServerID
	MoreAvailable bool
}

// DeltaFolder is a folder on a sync key based server. Sync returns a
// KindInvalidCursor SyncError when the server rejects syncKey.
type DeltaFolder interface {
	ID() string
	// InitialSyncKey exchanges the initial key "0" for a real one.
	InitialSyncKey(ctx context.Context, filter FilterType) (string, error)
	ItemEstimate(ctx context.Context, syncKey string, filter FilterType) (int, error)
	Sync(ctx context.Context, syncKey string, filter FilterType) (*DeltaBatch, error)
}
