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
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sgotti/gofoldersync/config"
	"github.com/sgotti/gofoldersync/errors"
	"github.com/sgotti/gofoldersync/log"
)

type SyncState int32

const (
	StateIdle SyncState = iota
	StateProbing
	StateBisecting
	StateReconciling
	StateContinue
	StateDone
	StateError
)

var syncStateNames = [...]string{"idle", "probing", "bisecting", "reconciling", "continue", "done", "error"}

func (s SyncState) String() string {
	if int(s) < len(syncStateNames) {
		return syncStateNames[s]
	}
	return fmt.Sprintf("SyncState(%d)", int(s))
}

type SyncOptions struct {
	// Headers the episode tries to know locally before stopping. Zero uses
	// the configured default.
	DesiredHeaders int
	// OnBisect is told about every bisection and may abort the episode.
	OnBisect   func(BisectDecision) BisectAction
	OnProgress ProgressFunc
}

type GrowOptions struct {
	SyncOptions
	// Days to sync before the oldest known header. Zero grows the window
	// until DesiredHeaders more headers are known.
	StepDays int
}

type SyncResult struct {
	StartTS      time.Time
	EndTS        time.Time
	Added        int
	Changed      int
	Unchanged    int
	Deleted      int
	Skipped      int
	MessagesSeen int
	Steps        int
	Bisections   int
	// The whole folder is known locally.
	SyncedEntireFolder bool
}

func (r *SyncResult) add(res ReconcileResult) {
	r.Added += res.Added
	r.Changed += res.Changed
	r.Unchanged += res.Unchanged
	r.Deleted += res.Deleted
	r.Skipped += res.Skipped
}

// Syncer synchronizes one folder into the local store.
type Syncer interface {
	FolderID() string
	CanGrowSync() bool
	InitialSync(ctx context.Context, opts SyncOptions) (*SyncResult, error)
	RefreshSync(ctx context.Context, startTS, endTS time.Time, opts SyncOptions) (*SyncResult, error)
	GrowSync(ctx context.Context, opts GrowOptions) (bool, *SyncResult, error)
	// RequestStop stops the running episode at its next suspension point.
	RequestStop()
	State() SyncState
	// Release gives back the server connection held for the folder.
	Release()
}

// episodeControl runs one episode at a time per folder. Starting an episode
// invalidates the one in progress, which notices at its next checkpoint.
type episodeControl struct {
	episodeLock sync.Mutex
	session     atomic.Uint64
	stopWanted  atomic.Bool
	state       atomic.Int32
}

// begin waits for the previous episode to end and returns the new session
// and the function ending it.
func (c *episodeControl) begin() (uint64, func()) {
	session := c.session.Add(1)
	c.episodeLock.Lock()
	c.stopWanted.Store(false)
	return session, func() {
		c.setState(StateIdle)
		c.episodeLock.Unlock()
	}
}

// checkpoint is evaluated at every suspension point of an episode.
func (c *episodeControl) checkpoint(ctx context.Context, session uint64) error {
	if session != c.session.Load() {
		return NewSyncError(KindSuperseded, "sync", nil)
	}
	if c.stopWanted.Load() {
		return NewSyncError(KindCancelled, "sync", fmt.Errorf("stop requested"))
	}
	if err := ctx.Err(); err != nil {
		return NewSyncError(KindCancelled, "sync", err)
	}
	return nil
}

func (c *episodeControl) State() SyncState {
	return SyncState(c.state.Load())
}

func (c *episodeControl) setState(state SyncState) {
	c.state.Store(int32(state))
}

func (c *episodeControl) RequestStop() {
	c.stopWanted.Store(true)
}

// episode is the state of one sync run. It lives only for the duration of
// the run.
type episode struct {
	session        uint64
	window         *WindowController
	accuracyStamp  time.Time
	endTS          time.Time
	desiredHeaders int
	bisectLimit    int
	// Limited episodes never move the window.
	limited  bool
	onBisect func(BisectDecision) BisectAction
	progress *progressReporter

	remoteIDs []ServerID
	local     []MessageHeader
	bisect    BisectDecision
	lastSeen  int
	result    SyncResult

	// Set once a window was recorded as known.
	marked bool
}

// FolderSyncer syncs a folder of a search based server by scanning date
// windows backwards in time.
type FolderSyncer struct {
	globalconfig *config.Config
	policy       WindowPolicy
	folder       Mailfolder
	folderID     string
	pool         *LeasePool
	store        LocalStore
	reconciler   *Reconciler
	tzOffset     time.Duration
	now          func() time.Time

	episodeControl
	lease *Lease

	logger *log.Logger
	e      *errors.Error
}

func NewFolderSyncer(globalconfig *config.Config, accountconfig *config.AccountConfig, folder Mailfolder, pool *LeasePool, store LocalStore) *FolderSyncer {
	logprefix := fmt.Sprintf("foldersync %s %s", accountconfig.Name, folder)
	folderID := FolderID(accountconfig.Name, folder)
	return &FolderSyncer{
		globalconfig: globalconfig,
		policy:       WindowPolicyFromConfig(&globalconfig.Sync),
		folder:       folder,
		folderID:     folderID,
		pool:         pool,
		store:        store,
		reconciler:   NewReconciler(globalconfig, store, folderID),
		tzOffset:     accountconfig.TZOffset.Duration,
		now:          time.Now,
		logger:       log.GetLogger(logprefix, globalconfig.LogLevel),
		e:            errors.New(logprefix),
	}
}

func (s *FolderSyncer) FolderID() string {
	return s.folderID
}

func (s *FolderSyncer) CanGrowSync() bool {
	return true
}

func (s *FolderSyncer) Release() {
	s.episodeLock.Lock()
	defer s.episodeLock.Unlock()
	s.dropLease(false)
}

// InitialSync syncs the last InitialSyncDays and keeps growing the window
// until the desired headers are known.
func (s *FolderSyncer) InitialSync(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	startTS := DaysBefore(s.now(), s.policy.InitialSyncDays)
	return s.SyncDateRange(ctx, startTS, time.Time{}, opts)
}

// SyncDateRange syncs [startTS, endTS) and then grows backwards until the
// desired headers are known, the folder is fully known or the oldest sync
// date is reached. A zero endTS means now.
func (s *FolderSyncer) SyncDateRange(ctx context.Context, startTS, endTS time.Time, opts SyncOptions) (*SyncResult, error) {
	desired := opts.DesiredHeaders
	if desired <= 0 {
		desired = s.globalconfig.Sync.DesiredHeaders
	}
	return s.run(ctx, startTS, endTS, opts, desired, 0, false)
}

// RefreshSync syncs exactly [startTS, endTS). The window may only shrink
// through bisection.
func (s *FolderSyncer) RefreshSync(ctx context.Context, startTS, endTS time.Time, opts SyncOptions) (*SyncResult, error) {
	return s.run(ctx, startTS, endTS, opts, 0, 0, true)
}

// SyncAdjustedDateRange refreshes a range expressed in local header dates,
// converting it into the server's date interpretation first.
func (s *FolderSyncer) SyncAdjustedDateRange(ctx context.Context, startTS, endTS time.Time, opts SyncOptions) (*SyncResult, error) {
	startTS = startTS.Add(s.tzOffset)
	if !endTS.IsZero() {
		endTS = endTS.Add(s.tzOffset)
	}
	return s.RefreshSync(ctx, startTS, endTS, opts)
}

// GrowSync syncs messages older than the oldest known header. It returns
// false when there is nothing older to find.
func (s *FolderSyncer) GrowSync(ctx context.Context, opts GrowOptions) (bool, *SyncResult, error) {
	meta, err := s.store.FolderMeta(ctx, s.folderID)
	if err != nil {
		return false, nil, s.e.E(err)
	}
	if !meta.SyncedEntireFolder.IsZero() {
		s.logger.Debugf("entire folder already synced, nothing to grow")
		return false, nil, nil
	}
	oldest, err := s.store.OldestKnownHeader(ctx, s.folderID)
	if err != nil {
		return false, nil, s.e.E(err)
	}
	if oldest == nil {
		res, err := s.InitialSync(ctx, opts.SyncOptions)
		return true, res, err
	}
	// Search is day granular, so the day of the oldest header is searched
	// again.
	endTS := QuantizeDate(oldest.Date.Add(s.tzOffset).Add(s.globalconfig.Sync.SearchAmbiguity.Duration))
	if !endTS.After(s.policy.OldestSyncDate) {
		return false, nil, nil
	}
	if opts.StepDays > 0 {
		startTS := DaysBefore(endTS, opts.StepDays)
		res, err := s.run(ctx, startTS, endTS, opts.SyncOptions, 0, s.globalconfig.Sync.TooManyMessages, true)
		return true, res, err
	}
	desired := opts.DesiredHeaders
	if desired <= 0 {
		desired = s.globalconfig.Sync.DesiredHeaders
	}
	startTS := DaysBefore(endTS, s.policy.InitialSyncDays)
	res, err := s.run(ctx, startTS, endTS, opts.SyncOptions, desired, 0, false)
	return true, res, err
}

func (s *FolderSyncer) run(ctx context.Context, startTS, endTS time.Time, opts SyncOptions, desired, bisectLimit int, limited bool) (*SyncResult, error) {
	if !endTS.IsZero() && startTS.After(endTS) {
		return nil, s.e.E(NewSyncError(KindInvalidRange, "sync",
			fmt.Errorf("start %s after end %s", startTS.Format(time.RFC3339), endTS.Format(time.RFC3339))))
	}

	session, end := s.begin()
	defer end()

	ep := &episode{
		session:        session,
		window:         NewWindowController(s.policy, startTS, endTS, s.now),
		accuracyStamp:  s.now(),
		endTS:          endTS,
		desiredHeaders: desired,
		bisectLimit:    bisectLimit,
		limited:        limited,
		onBisect:       opts.OnBisect,
		progress:       newProgressReporter(opts.OnProgress),
	}
	s.logger.Infof("sync of [%s, %s) started", startTS.Format(time.RFC3339), formatEnd(endTS))

	state := StateProbing
	var err error
	for {
		s.setState(state)
		if state != StateDone && state != StateError {
			if err = s.checkpoint(ctx, ep.session); err != nil {
				state = StateError
				continue
			}
		}
		switch state {
		case StateProbing:
			state, err = s.probe(ctx, ep)
		case StateBisecting:
			state, err = s.applyBisect(ep)
		case StateReconciling:
			state, err = s.reconcile(ctx, ep)
		case StateContinue:
			state, err = s.advance(ep)
		case StateDone:
			ep.progress.report(1)
			ep.result.StartTS, _ = ep.window.Range()
			ep.result.EndTS = ep.endTS
			s.logger.Infof("sync done: %d added, %d changed, %d deleted, %d skipped in %d steps",
				ep.result.Added, ep.result.Changed, ep.result.Deleted, ep.result.Skipped, ep.result.Steps)
			return &ep.result, nil
		case StateError:
			s.logger.Errorf("sync failed: %v", err)
			ep.result.StartTS, _ = ep.window.Range()
			ep.result.EndTS = ep.endTS
			return &ep.result, s.e.E(err)
		}
		if err != nil {
			state = StateError
		}
	}
}

func formatEnd(endTS time.Time) string {
	if endTS.IsZero() {
		return "now"
	}
	return endTS.Format(time.RFC3339)
}

func (s *FolderSyncer) dropLease(broken bool) {
	if s.lease != nil {
		s.lease.Release(broken)
		s.lease = nil
	}
}

// acquire returns the lease held for the folder, taking one if needed.
func (s *FolderSyncer) acquire(ctx context.Context) (*Lease, error) {
	if s.lease != nil {
		if s.lease.Folder() != nil {
			return s.lease, nil
		}
		// A failed reconnect left the lease without a folder.
		s.dropLease(true)
	}
	l, err := s.pool.Acquire(ctx, s.folder.Path())
	if err != nil {
		return nil, err
	}
	s.lease = l
	if err := s.checkValidity(ctx, l.Folder()); err != nil {
		s.dropLease(false)
		return nil, err
	}
	return l, nil
}

// checkValidity forgets the folder contents when the server renumbered it.
func (s *FolderSyncer) checkValidity(ctx context.Context, folder RemoteFolder) error {
	meta, err := s.store.FolderMeta(ctx, s.folderID)
	if err != nil {
		return err
	}
	validity := folder.Validity()
	if meta.Validity == validity {
		return nil
	}
	if meta.Validity != "" {
		s.logger.Warnf("server validity changed from %s to %s, forgetting known messages", meta.Validity, validity)
		s.store.ResetFolder(s.folderID)
		meta = FolderMeta{SyncKey: ZeroSyncKey}
	}
	meta.Validity = validity
	s.store.SetFolderMeta(s.folderID, meta)
	return s.store.Settle(ctx)
}

// searchCriteria widens [startTS, endTS) to the whole days the server
// searches on.
func searchCriteria(startTS, endTS time.Time) SearchCriteria {
	c := SearchCriteria{Since: QuantizeDate(startTS)}
	if !endTS.IsZero() {
		c.Before = QuantizeDate(endTS)
		if !c.Before.Equal(endTS) {
			c.Before = c.Before.Add(Day)
		}
	}
	return c
}

// skewed converts server side window bounds into local header dates.
func (s *FolderSyncer) skewed(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.Add(-s.tzOffset)
}

// widened converts a window bound into local header dates and moves it by
// the search ambiguity in direction dir.
func (s *FolderSyncer) widened(t time.Time, dir int) time.Time {
	if t.IsZero() {
		return t
	}
	return s.skewed(t).Add(time.Duration(dir) * s.globalconfig.Sync.SearchAmbiguity.Duration)
}

func (s *FolderSyncer) search(ctx context.Context, lease *Lease, criteria SearchCriteria) ([]ServerID, error) {
	folder := lease.Folder()
	if folder.NeedsRefresh() {
		if err := folder.Refresh(ctx); err != nil {
			return nil, transportError("refresh", err)
		}
	}
	ids, err := folder.Search(ctx, criteria)
	if err == nil || lease.Fresh() {
		return ids, transportError("search", err)
	}
	// A pooled connection may have died while idle. Retry once on a new one.
	s.logger.Infof("search failed on a reused connection, retrying: %v", err)
	if err := lease.Reconnect(ctx); err != nil {
		return nil, err
	}
	ids, err = lease.Folder().Search(ctx, criteria)
	return ids, transportError("search", err)
}

func (s *FolderSyncer) probe(ctx context.Context, ep *episode) (SyncState, error) {
	lease, err := s.acquire(ctx)
	if err != nil {
		return StateError, err
	}
	ep.progress.report(progressConnected)

	startTS, endTS := ep.window.Range()
	criteria := searchCriteria(startTS, endTS)
	var remoteIDs []ServerID
	var local []MessageHeader
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		remoteIDs, err = s.search(gctx, lease, criteria)
		return err
	})
	g.Go(func() error {
		var err error
		local, err = s.store.QueryByDateRange(gctx, s.folderID, s.widened(startTS, -1), s.widened(endTS, 1))
		return err
	})
	if err := g.Wait(); err != nil {
		if KindOf(err) == KindTransportUnreachable || lease.Folder() == nil {
			s.dropLease(true)
		}
		if ctx.Err() != nil && KindOf(err) == KindUnknown {
			err = NewSyncError(KindCancelled, "probe", err)
		}
		return StateError, err
	}
	ep.progress.report(progressSearched)
	s.logger.Debugf("window [%s, %s): %d remote, %d local", startTS.Format(time.RFC3339), formatEnd(endTS), len(remoteIDs), len(local))

	ep.remoteIDs, ep.local = remoteIDs, local
	if d, ok := ep.window.CheckBisect(len(remoteIDs), ep.bisectLimit); ok {
		ep.bisect = d
		return StateBisecting, nil
	}
	return StateReconciling, nil
}

func (s *FolderSyncer) applyBisect(ep *episode) (SyncState, error) {
	d := ep.bisect
	ep.result.Bisections++
	s.logger.Infof("%d messages in window, bisecting start from %s to %s", d.NumMessages,
		d.OldStartTS.Format(time.RFC3339), d.NewStartTS.Format(time.RFC3339))
	if ep.onBisect != nil && ep.onBisect(d) == BisectAbort {
		return StateError, NewSyncError(KindBisectAborted, "bisect", nil)
	}
	ep.window.ApplyBisect(d)
	ep.remoteIDs, ep.local = nil, nil
	return StateProbing, nil
}

func (s *FolderSyncer) reconcile(ctx context.Context, ep *episode) (SyncState, error) {
	startTS, endTS := ep.window.Range()
	// Headers found only through the widened local query are kept.
	diff := Reconcile(ep.remoteIDs, ep.local).DeletedWithin(s.skewed(startTS), s.skewed(endTS))
	s.logger.Infof("There are %d new, %d known and %d deleted messages", len(diff.New), len(diff.Known), diff.DeletedCount())

	ranges, err := s.store.AccuracyRanges(ctx, s.folderID)
	if err != nil {
		return StateError, err
	}
	known := RangesCover(ranges, startTS, ep.window.effectiveEnd())

	res, err := s.reconciler.Apply(ctx, s.lease.Folder(), diff, ep.progress)
	ep.result.add(res)
	if err != nil {
		if KindOf(err) == KindTransportUnreachable {
			s.dropLease(true)
		}
		return StateError, err
	}

	// An unchanged window that is already known keeps its stamp.
	if !known || res.Added+res.Changed+res.Deleted+res.Skipped > 0 {
		s.store.MarkRangeKnown(s.folderID, AccuracyRange{
			StartTS:    startTS,
			EndTS:      ep.window.effectiveEnd(),
			FullSyncTS: ep.accuracyStamp,
		})
		ep.marked = true
	}
	// Consumers read the store directly: everything must be visible before
	// the episode moves on.
	if err := s.store.Settle(ctx); err != nil {
		return StateError, err
	}
	ep.lastSeen = len(ep.remoteIDs)
	ep.result.MessagesSeen += len(ep.remoteIDs)
	ep.result.Steps++
	s.logger.Debugf("window [%s, %s) reconciled", startTS.Format(time.RFC3339), formatEnd(endTS))
	return s.evaluate(ctx, ep)
}

// evaluate decides whether the episode is over after a reconciled window.
func (s *FolderSyncer) evaluate(ctx context.Context, ep *episode) (SyncState, error) {
	startTS, _ := ep.window.Range()

	dbCount, err := s.store.KnownMessageCount(ctx, s.folderID)
	if err != nil {
		return StateError, err
	}
	oldest, err := s.store.OldestKnownHeader(ctx, s.folderID)
	if err != nil {
		return StateError, err
	}
	folderCount := s.lease.Folder().MessageCount()
	if folderCount == dbCount && (oldest == nil || !oldest.Date.Before(s.skewed(startTS))) {
		s.logger.Infof("all %d messages known, folder fully synced", dbCount)
		meta, err := s.store.FolderMeta(ctx, s.folderID)
		if err != nil {
			return StateError, err
		}
		if ep.marked || meta.SyncedEntireFolder.IsZero() {
			s.store.MarkSyncedEntireFolder(s.folderID, ep.accuracyStamp)
			if err := s.store.Settle(ctx); err != nil {
				return StateError, err
			}
		}
		ep.result.SyncedEntireFolder = true
		return StateDone, nil
	}

	if ep.limited {
		return StateDone, nil
	}
	if ep.window.AtEpochFloor() {
		s.logger.Infof("reached oldest sync date %s", s.policy.OldestSyncDate.Format("2006-01-02"))
		return StateDone, nil
	}

	have, err := s.store.QueryByDateRange(ctx, s.folderID, s.skewed(startTS), s.skewed(ep.endTS))
	if err != nil {
		return StateError, err
	}
	if len(have) >= ep.desiredHeaders {
		s.logger.Debugf("enough headers: have %d, want %d", len(have), ep.desiredHeaders)
		return StateDone, nil
	}
	return StateContinue, nil
}

func (s *FolderSyncer) advance(ep *episode) (SyncState, error) {
	startTS, endTS, ok := ep.window.NextRange(ep.lastSeen)
	if !ok {
		return StateDone, nil
	}
	s.logger.Debugf("growing to [%s, %s), day step %d", startTS.Format(time.RFC3339), endTS.Format(time.RFC3339), ep.window.DayStep())
	return StateProbing, nil
}

// DownloadBodies fetches every body part of header that is not downloaded
// yet and stores them.
func (s *FolderSyncer) DownloadBodies(ctx context.Context, header MessageHeader) (*MessageBody, error) {
	if header.SrvID == "" {
		return nil, s.e.E(fmt.Errorf("message %d has no server id", header.ID))
	}
	s.episodeLock.Lock()
	defer s.episodeLock.Unlock()

	body, err := s.store.Body(ctx, s.folderID, header.ID)
	if err != nil {
		return nil, s.e.E(err)
	}
	if body == nil {
		return nil, s.e.E(fmt.Errorf("message %d not found", header.ID))
	}
	lease, err := s.acquire(ctx)
	if err != nil {
		return nil, s.e.E(err)
	}
	records, err := lease.Folder().FetchHeaders(ctx, []ServerID{header.SrvID}, FetchFullHeaders)
	if err != nil {
		s.dropLease(true)
		return nil, s.e.E(transportError("fetch structure", err))
	}
	if len(records) == 0 {
		return nil, s.e.E(fmt.Errorf("message %s gone from server", header.SrvID))
	}

	updated := MessageBody{BodyReps: append([]BodyRep(nil), body.BodyReps...)}
	for i, rep := range updated.BodyReps {
		if rep.Downloaded {
			continue
		}
		part, ok := findPart(records[0].Parts, rep.PartID)
		if !ok {
			s.logger.Warnf("part %s of %s not in body structure", rep.PartID, header.SrvID)
			continue
		}
		raw, err := lease.Folder().FetchBody(ctx, header.SrvID, rep.PartID, 0)
		if err != nil {
			s.dropLease(true)
			return nil, s.e.E(transportError("fetch body", err))
		}
		content, err := decodePart(part, raw)
		if err != nil {
			s.logger.Warnf("cannot decode part %s of %s: %v", rep.PartID, header.SrvID, err)
			continue
		}
		updated.BodyReps[i].Content = content
		updated.BodyReps[i].Downloaded = true
		if header.Snippet == "" {
			header.Snippet = makeSnippet(content, rep.Type)
			s.store.UpdateHeader(s.folderID, header)
		}
	}
	s.store.UpdateBody(s.folderID, header.ID, updated)
	if err := s.store.Settle(ctx); err != nil {
		return nil, s.e.E(err)
	}
	return &updated, nil
}
