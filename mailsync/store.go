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

// FolderMeta is the per folder sync state kept by the store.
type FolderMeta struct {
	// Delta folders: the last applied sync key, "0" before the first sync.
	SyncKey    string
	FilterType FilterType
	// Search folders: the validity the known ServerIDs belong to.
	Validity           string
	SyncedEntireFolder time.Time
}

// LocalStore persists headers and bodies per folder.
//
// Mutations are deferred: they return immediately and are applied in order
// in the background. Settle blocks until every mutation issued before it is
// applied and returns the first error among them. Reads only observe settled
// mutations.
type LocalStore interface {
	QueryByDateRange(ctx context.Context, folderID string, startTS, endTS time.Time) ([]MessageHeader, error)
	HeaderByServerID(ctx context.Context, folderID string, id ServerID) (*MessageHeader, error)
	Body(ctx context.Context, folderID string, headerID int64) (*MessageBody, error)
	KnownMessageCount(ctx context.Context, folderID string) (int, error)
	OldestKnownHeader(ctx context.Context, folderID string) (*MessageHeader, error)
	AccuracyRanges(ctx context.Context, folderID string) ([]AccuracyRange, error)
	FolderMeta(ctx context.Context, folderID string) (FolderMeta, error)

	AddMessage(folderID string, msg Message)
	UpdateHeader(folderID string, header MessageHeader)
	UpdateBody(folderID string, headerID int64, body MessageBody)
	DeleteByServerID(folderID string, id ServerID)
	MarkRangeKnown(folderID string, r AccuracyRange)
	MarkSyncedEntireFolder(folderID string, stamp time.Time)
	SetFolderMeta(folderID string, meta FolderMeta)
	// ResetFolder forgets everything known about the folder.
	ResetFolder(folderID string)

	Settle(ctx context.Context) error
	Close() error
}
