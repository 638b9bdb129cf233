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
	goerrors "errors"
	"fmt"
)

// ErrorKind is the closed set of failures a sync episode can end with.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// The connection could not be established or dropped.
	KindTransportUnreachable
	// The server rejected our resume point (sync key).
	KindInvalidCursor
	// A single message could not be parsed. Never ends an episode.
	KindMalformedResponse
	// The bisect hook asked to stop.
	KindBisectAborted
	// startTS after endTS.
	KindInvalidRange
	// Stop was requested or the context is done.
	KindCancelled
	// A newer episode started on the same folder.
	KindSuperseded
)

var errorKindNames = map[ErrorKind]string{
	KindUnknown:              "unknown",
	KindTransportUnreachable: "transport unreachable",
	KindInvalidCursor:        "invalid cursor",
	KindMalformedResponse:    "malformed response",
	KindBisectAborted:        "bisect aborted",
	KindInvalidRange:         "invalid range",
	KindCancelled:            "cancelled",
	KindSuperseded:           "superseded",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

type SyncError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewSyncError(kind ErrorKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first SyncError in err's chain.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if goerrors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// transportError marks err as a transport failure unless it already carries
// a kind.
func transportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return NewSyncError(KindTransportUnreachable, op, err)
}
