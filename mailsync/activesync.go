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
	"time"

	"github.com/sgotti/gofoldersync/config"
	"github.com/sgotti/gofoldersync/errors"
	"github.com/sgotti/gofoldersync/log"
)

// ZeroSyncKey is the sync key of a folder that was never synced.
const ZeroSyncKey = "0"

// DesiredMessageCount is the number of messages the inferred filter type
// should roughly cover.
const DesiredMessageCount = 50

// FilterType limits a delta sync to messages newer than a fixed age.
type FilterType int

const (
	// Not inferred yet.
	FilterUnknown FilterType = iota
	FilterOneDay
	FilterThreeDays
	FilterOneWeek
	FilterTwoWeeks
	FilterOneMonth
	FilterAll
)

var filterTypeNames = map[FilterType]string{
	FilterUnknown:   "unknown",
	FilterOneDay:    "1d",
	FilterThreeDays: "3d",
	FilterOneWeek:   "1w",
	FilterTwoWeeks:  "2w",
	FilterOneMonth:  "1m",
	FilterAll:       "all",
}

func (f FilterType) String() string {
	if name, ok := filterTypeNames[f]; ok {
		return name
	}
	return fmt.Sprintf("FilterType(%d)", int(f))
}

// InferFilterType picks the narrowest filter expected to hold
// DesiredMessageCount messages given how many arrived in two weeks.
func InferFilterType(twoWeekEstimate int) FilterType {
	if twoWeekEstimate < 0 {
		return FilterTwoWeeks
	}
	perDay := float64(twoWeekEstimate) / 14
	switch {
	case perDay >= DesiredMessageCount:
		return FilterOneDay
	case perDay*3 >= DesiredMessageCount:
		return FilterThreeDays
	case perDay*7 >= DesiredMessageCount:
		return FilterOneWeek
	case perDay*14 >= DesiredMessageCount:
		return FilterTwoWeeks
	case perDay*30 >= DesiredMessageCount:
		return FilterOneMonth
	}
	return FilterAll
}

// DeltaSyncer syncs a folder of a sync key based server. The server decides
// what changed, so there is no date window to manage.
type DeltaSyncer struct {
	globalconfig *config.Config
	folder       DeltaFolder
	folderID     string
	store        LocalStore
	now          func() time.Time

	episodeControl

	logger *log.Logger
	e      *errors.Error
}

func NewDeltaSyncer(globalconfig *config.Config, accountconfig *config.AccountConfig, folder DeltaFolder, store LocalStore) *DeltaSyncer {
	logprefix := fmt.Sprintf("deltasync %s %s", accountconfig.Name, folder.ID())
	return &DeltaSyncer{
		globalconfig: globalconfig,
		folder:       folder,
		folderID:     accountconfig.Name + "/" + folder.ID(),
		store:        store,
		now:          time.Now,
		logger:       log.GetLogger(logprefix, globalconfig.LogLevel),
		e:            errors.New(logprefix),
	}
}

func (s *DeltaSyncer) FolderID() string {
	return s.folderID
}

// CanGrowSync is false: the filter type, not a window, bounds what is synced.
func (s *DeltaSyncer) CanGrowSync() bool {
	return false
}

func (s *DeltaSyncer) GrowSync(ctx context.Context, opts GrowOptions) (bool, *SyncResult, error) {
	return false, nil, nil
}

func (s *DeltaSyncer) Release() {}

func (s *DeltaSyncer) InitialSync(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	return s.sync(ctx, opts)
}

// RefreshSync fetches every change since the last sync key. The range only
// has to be valid: the server tracks what changed.
func (s *DeltaSyncer) RefreshSync(ctx context.Context, startTS, endTS time.Time, opts SyncOptions) (*SyncResult, error) {
	if !endTS.IsZero() && startTS.After(endTS) {
		return nil, s.e.E(NewSyncError(KindInvalidRange, "sync",
			fmt.Errorf("start %s after end %s", startTS.Format(time.RFC3339), endTS.Format(time.RFC3339))))
	}
	return s.sync(ctx, opts)
}

// inferFilterType estimates the folder density on a two weeks filter.
func (s *DeltaSyncer) inferFilterType(ctx context.Context) (FilterType, string, error) {
	key, err := s.folder.InitialSyncKey(ctx, FilterTwoWeeks)
	if err != nil {
		return FilterUnknown, "", transportError("initial sync key", err)
	}
	estimate, err := s.folder.ItemEstimate(ctx, key, FilterTwoWeeks)
	if err != nil {
		return FilterUnknown, "", transportError("item estimate", err)
	}
	filter := InferFilterType(estimate)
	s.logger.Infof("%d messages in two weeks, using filter %s", estimate, filter)
	return filter, key, nil
}

func (s *DeltaSyncer) sync(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	session, end := s.begin()
	defer end()

	result := &SyncResult{}
	progress := newProgressReporter(opts.OnProgress)
	stamp := s.now()

	fail := func(err error) (*SyncResult, error) {
		s.setState(StateError)
		s.logger.Errorf("sync failed: %v", err)
		return result, s.e.E(err)
	}

	s.setState(StateProbing)
	meta, err := s.store.FolderMeta(ctx, s.folderID)
	if err != nil {
		return fail(err)
	}
	if meta.SyncKey == ZeroSyncKey || meta.SyncKey == "" {
		filter := meta.FilterType
		var key string
		if filter == FilterUnknown {
			if filter, key, err = s.inferFilterType(ctx); err != nil {
				return fail(err)
			}
		}
		if filter != FilterTwoWeeks || key == "" {
			if key, err = s.folder.InitialSyncKey(ctx, filter); err != nil {
				return fail(transportError("initial sync key", err))
			}
		}
		meta.SyncKey, meta.FilterType = key, filter
		s.store.SetFolderMeta(s.folderID, meta)
	}
	progress.report(progressConnected)

	for {
		if err := s.checkpoint(ctx, session); err != nil {
			return fail(err)
		}
		s.setState(StateProbing)
		batch, err := s.folder.Sync(ctx, meta.SyncKey, meta.FilterType)
		if err != nil {
			if IsKind(err, KindInvalidCursor) {
				s.logger.Warnf("sync key %s rejected, recreating folder", meta.SyncKey)
				s.store.ResetFolder(s.folderID)
				if serr := s.store.Settle(ctx); serr != nil {
					s.logger.Errorf("reset failed: %v", serr)
				}
				return fail(err)
			}
			return fail(transportError("sync", err))
		}

		s.setState(StateReconciling)
		res, err := s.applyBatch(ctx, batch)
		result.add(res)
		if err != nil {
			return fail(err)
		}
		meta.SyncKey = batch.SyncKey
		s.store.SetFolderMeta(s.folderID, meta)
		if err := s.store.Settle(ctx); err != nil {
			return fail(err)
		}
		result.Steps++
		result.MessagesSeen += len(batch.Added) + len(batch.Changed) + len(batch.Deleted)
		// The number of pages is unknown: halve the remaining distance.
		progress.report(progress.last + (1-progress.last)/2)

		if !batch.MoreAvailable {
			break
		}
	}

	s.store.MarkSyncedEntireFolder(s.folderID, stamp)
	if err := s.store.Settle(ctx); err != nil {
		return fail(err)
	}
	result.SyncedEntireFolder = true
	result.EndTS = stamp
	s.setState(StateDone)
	progress.report(1)
	s.logger.Infof("sync done: %d added, %d changed, %d deleted", result.Added, result.Changed, result.Deleted)
	return result, nil
}

// applyBatch merges one page of changes into the store. Adds of known
// messages and changes or deletes of unknown ones are ignored.
func (s *DeltaSyncer) applyBatch(ctx context.Context, batch *DeltaBatch) (ReconcileResult, error) {
	var res ReconcileResult

	added := make(map[ServerID]bool, len(batch.Added))
	for _, msg := range batch.Added {
		id := msg.Header.SrvID
		if id == "" || msg.Header.Date.IsZero() {
			s.logger.Warnf("skipping malformed added message %q", id)
			res.Skipped++
			continue
		}
		if added[id] {
			continue
		}
		existing, err := s.store.HeaderByServerID(ctx, s.folderID, id)
		if err != nil {
			return res, err
		}
		if existing != nil {
			s.logger.Debugf("message %s already known, ignoring add", id)
			continue
		}
		added[id] = true
		msg.Header = msg.Header.WithFlags(msg.Header.Flags)
		msg.Header.Date = msg.Header.Date.UTC()
		s.store.AddMessage(s.folderID, msg)
		res.Added++
	}
	if len(added) > 0 {
		if err := s.store.Settle(ctx); err != nil {
			return res, err
		}
	}

	for _, change := range batch.Changed {
		h, err := s.store.HeaderByServerID(ctx, s.folderID, change.ID)
		if err != nil {
			return res, err
		}
		if h == nil {
			s.logger.Debugf("change for unknown message %s, ignoring", change.ID)
			continue
		}
		if FlagsEqual(h.Flags, change.Flags) {
			res.Unchanged++
			continue
		}
		s.store.UpdateHeader(s.folderID, h.WithFlags(change.Flags))
		res.Changed++
	}

	deleted := make(map[ServerID]bool, len(batch.Deleted))
	for _, id := range batch.Deleted {
		if deleted[id] {
			continue
		}
		deleted[id] = true
		h, err := s.store.HeaderByServerID(ctx, s.folderID, id)
		if err != nil {
			return res, err
		}
		if h == nil {
			s.logger.Debugf("delete for unknown message %s, ignoring", id)
			continue
		}
		s.store.DeleteByServerID(s.folderID, id)
		res.Deleted++
	}
	return res, nil
}
