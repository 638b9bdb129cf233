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
	"time"

	"github.com/bradenaw/juniper/xslices"

	"github.com/sgotti/gofoldersync/config"
	"github.com/sgotti/gofoldersync/errors"
	"github.com/sgotti/gofoldersync/log"
)

// Diff compares the remote ids of a window with the headers known locally
// for the same window.
type Diff struct {
	New     []ServerID
	Known   []MessageHeader
	Deleted []MessageHeader
}

func (d Diff) DeletedCount() int {
	return len(d.Deleted)
}

// Reconcile splits the remote ids of a window into new and known ones. A
// local header whose ServerID the server did not return is considered
// deleted: absence is the only deletion signal, so a truncated search result
// deletes messages that still exist. Headers without a ServerID were never
// confirmed by the server and are ignored.
func Reconcile(remoteIDs []ServerID, localHeaders []MessageHeader) Diff {
	remote := make(map[ServerID]bool, len(remoteIDs))
	for _, id := range remoteIDs {
		remote[id] = true
	}

	var d Diff
	matched := make(map[ServerID]bool, len(localHeaders))
	for _, h := range localHeaders {
		if h.SrvID == "" || matched[h.SrvID] {
			continue
		}
		if remote[h.SrvID] {
			matched[h.SrvID] = true
			d.Known = append(d.Known, h)
		} else {
			d.Deleted = append(d.Deleted, h)
		}
	}

	seen := make(map[ServerID]bool, len(remoteIDs))
	d.New = xslices.Filter(remoteIDs, func(id ServerID) bool {
		if matched[id] || seen[id] {
			return false
		}
		seen[id] = true
		return true
	})
	return d
}

// DeletedWithin keeps only the deletions of headers dated in [startTS, endTS).
// A zero endTS is open ended.
func (d Diff) DeletedWithin(startTS, endTS time.Time) Diff {
	d.Deleted = xslices.Filter(d.Deleted, func(h MessageHeader) bool {
		return !h.Date.Before(startTS) && (endTS.IsZero() || h.Date.Before(endTS))
	})
	return d
}

type ReconcileResult struct {
	Added     int
	Changed   int
	Unchanged int
	Deleted   int
	// Messages skipped because their data could not be parsed.
	Skipped int
}

// Reconciler applies a Diff to the local store, fetching what it needs from
// the remote folder.
type Reconciler struct {
	store        LocalStore
	folderID     string
	snippetBytes int64
	logger       *log.Logger
	e            *errors.Error
}

func NewReconciler(globalconfig *config.Config, store LocalStore, folderID string) *Reconciler {
	logprefix := fmt.Sprintf("reconciler %s", folderID)
	return &Reconciler{
		store:        store,
		folderID:     folderID,
		snippetBytes: globalconfig.Sync.SnippetBytes,
		logger:       log.GetLogger(logprefix, globalconfig.LogLevel),
		e:            errors.New(logprefix),
	}
}

func serverIDs(headers []MessageHeader) []ServerID {
	return xslices.Map(headers, func(h MessageHeader) ServerID { return h.SrvID })
}

// Apply deletes, refreshes and adds messages according to d. Transport
// failures end the reconciliation; a message whose data cannot be parsed is
// skipped.
func (r *Reconciler) Apply(ctx context.Context, remote RemoteFolder, d Diff, progress *progressReporter) (ReconcileResult, error) {
	var res ReconcileResult

	for _, h := range d.Deleted {
		r.logger.Debugf("message %s gone from server, deleting", h.SrvID)
		r.store.DeleteByServerID(r.folderID, h.SrvID)
		res.Deleted++
	}

	total := reconcileCost(len(d.New), len(d.Known))
	spent := 0

	if len(d.Known) > 0 {
		records, err := remote.FetchHeaders(ctx, serverIDs(d.Known), FetchFlagsOnly)
		if err != nil {
			return res, r.e.E(transportError("fetch flags", err))
		}
		byID := make(map[ServerID]RemoteRecord, len(records))
		for _, rec := range records {
			byID[rec.ID] = rec
		}
		for _, h := range d.Known {
			rec, ok := byID[h.SrvID]
			if !ok {
				// Expunged after the search; the next sync of the window
				// deletes it.
				r.logger.Debugf("no flags returned for %s", h.SrvID)
				continue
			}
			if FlagsEqual(h.Flags, rec.Flags) {
				res.Unchanged++
				continue
			}
			r.store.UpdateHeader(r.folderID, h.WithFlags(rec.Flags))
			res.Changed++
		}
		spent += KnownHeadersAggrCost + KnownHeadersPerCost*len(d.Known)
		progress.reconcile(spent, total)
	}

	if len(d.New) > 0 {
		records, err := remote.FetchHeaders(ctx, d.New, FetchFullHeaders)
		if err != nil {
			return res, r.e.E(transportError("fetch headers", err))
		}
		spent += NewHeadersAggrCost + NewHeadersPerCost*len(d.New)
		progress.reconcile(spent, total)

		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Date.After(records[j].Date)
		})
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return res, NewSyncError(KindCancelled, "reconcile", err)
			}
			msg, err := r.chew(ctx, remote, rec)
			if err != nil {
				if IsKind(err, KindMalformedResponse) {
					r.logger.Warnf("skipping message %s: %v", rec.ID, err)
					res.Skipped++
					continue
				}
				return res, r.e.E(err)
			}
			r.store.AddMessage(r.folderID, msg)
			res.Added++
			spent += NewBodiesPerCost
			progress.reconcile(spent, total)
		}
	}

	return res, nil
}

// chew builds the message for a new record and fills its snippet from a
// partial fetch of its first text part.
func (r *Reconciler) chew(ctx context.Context, remote RemoteFolder, rec RemoteRecord) (Message, error) {
	msg, err := chewRecord(rec)
	if err != nil {
		return Message{}, err
	}
	part, ok := snippetPart(rec.Parts)
	if !ok || r.snippetBytes <= 0 {
		return msg, nil
	}
	raw, err := remote.FetchBody(ctx, rec.ID, part.PartID, r.snippetBytes)
	if err != nil {
		return Message{}, transportError("fetch snippet", err)
	}
	content, err := decodePart(part, raw)
	if err != nil {
		r.logger.Warnf("no snippet for %s: %v", rec.ID, err)
		return msg, nil
	}
	repType := bodyRepType(part)
	msg.Header.Snippet = makeSnippet(content, repType)
	// The whole part fit in the snippet fetch.
	if part.Size > 0 && int64(len(raw)) >= part.Size {
		for i := range msg.Body.BodyReps {
			if msg.Body.BodyReps[i].PartID == part.PartID {
				msg.Body.BodyReps[i].Downloaded = true
				msg.Body.BodyReps[i].Content = content
			}
		}
	}
	return msg, nil
}
