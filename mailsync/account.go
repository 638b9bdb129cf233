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
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sgotti/gofoldersync/config"
	"github.com/sgotti/gofoldersync/errors"
	"github.com/sgotti/gofoldersync/log"
)

// Account keeps the folders of one server account synced into a local
// store.
type Account struct {
	globalconfig *config.Config
	config       *config.AccountConfig
	name         string
	store        LocalStore
	pool         *LeasePool
	filter       *FolderFilter
	grow         bool
	// When set, folders are synced through the sync key based folders it
	// opens.
	openDeltaFolder func(folder Mailfolder) DeltaFolder

	syncersLock sync.Mutex
	syncers     map[string]Syncer

	logger *log.Logger
	e      *errors.Error
}

// NewAccount creates an IMAP account with its store under the metadata
// dir.
func NewAccount(globalconfig *config.Config, accountconfig *config.AccountConfig) (*Account, error) {
	if accountconfig.AccountType != "IMAP" {
		return nil, fmt.Errorf("account %s: account type %q not supported", accountconfig.Name, accountconfig.AccountType)
	}
	basemetadatadir := filepath.Join(globalconfig.Metadatadir, "accounts")
	store, err := NewSQLiteStore(globalconfig, basemetadatadir, accountconfig.Name)
	if err != nil {
		return nil, err
	}
	a, err := newAccount(globalconfig, accountconfig, NewImapDialer(globalconfig, accountconfig), store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func newAccount(globalconfig *config.Config, accountconfig *config.AccountConfig, dialer Dialer, store LocalStore) (*Account, error) {
	name := accountconfig.Name
	logprefix := fmt.Sprintf("account: %s", name)
	e := errors.New(logprefix)

	filter, err := NewFolderFilter(accountconfig.RegexpPatterns)
	if err != nil {
		return nil, e.E(err)
	}
	return &Account{
		globalconfig: globalconfig,
		config:       accountconfig,
		name:         name,
		store:        store,
		pool:         NewLeasePool(globalconfig, name, dialer),
		filter:       filter,
		syncers:      make(map[string]Syncer),
		logger:       log.GetLogger(logprefix, globalconfig.LogLevel),
		e:            e,
	}, nil
}

// newDeltaAccount creates an account whose folders are listed through
// dialer and synced by DeltaSyncers.
func newDeltaAccount(globalconfig *config.Config, accountconfig *config.AccountConfig, dialer Dialer, store LocalStore, open func(folder Mailfolder) DeltaFolder) (*Account, error) {
	a, err := newAccount(globalconfig, accountconfig, dialer, store)
	if err != nil {
		return nil, err
	}
	a.openDeltaFolder = open
	return a, nil
}

func (a *Account) Name() string {
	return a.name
}

func (a *Account) Store() LocalStore {
	return a.store
}

// SetGrow makes every folder sync also grow the folder once.
func (a *Account) SetGrow(grow bool) {
	a.grow = grow
}

// Folders returns the server folders, marking those excluded by the
// account patterns.
func (a *Account) Folders(ctx context.Context) ([]Mailfolder, error) {
	folders, err := a.pool.ListFolders(ctx)
	if err != nil {
		return nil, a.e.E(err)
	}
	folders = a.filter.Apply(folders)
	sort.Slice(folders, func(i, j int) bool {
		return folders[i].String() < folders[j].String()
	})
	return folders, nil
}

func (a *Account) syncFolders(ctx context.Context) ([]Mailfolder, error) {
	folders, err := a.Folders(ctx)
	if err != nil {
		return nil, err
	}
	included := make([]Mailfolder, 0, len(folders))
	for _, f := range folders {
		if !f.Excluded {
			included = append(included, f)
		}
	}
	return included, nil
}

// Syncer returns the syncer of folder, creating it on first use.
func (a *Account) Syncer(folder Mailfolder) Syncer {
	a.syncersLock.Lock()
	defer a.syncersLock.Unlock()
	key := folder.String()
	s, ok := a.syncers[key]
	if !ok {
		if a.openDeltaFolder != nil {
			s = NewDeltaSyncer(a.globalconfig, a.config, a.openDeltaFolder(folder), a.store)
		} else {
			s = NewFolderSyncer(a.globalconfig, a.config, folder, a.pool, a.store)
		}
		a.syncers[key] = s
	}
	return s
}

func (a *Account) SyncWrapper(ctx context.Context, interactions int, out chan error) {
	err := a.Sync(ctx, interactions)
	out <- err
}

type folderResult struct {
	err         error
	folder      Mailfolder
	folderindex int
}

// Sync syncs every included folder, at most Concurrentsyncs at a time, and
// syncs each folder again SyncInterval after its previous sync ended. With
// interactions > 0 it returns after every folder was synced that many
// times; otherwise it runs until ctx is done.
func (a *Account) Sync(ctx context.Context, interactions int) error {
	folders, err := a.syncFolders(ctx)
	if err != nil {
		return a.e.E(err)
	}
	if len(folders) == 0 {
		a.logger.Infof("no folders to sync")
		return nil
	}
	a.logger.Infof("folders: %s", folders)

	maxconcurrentsyncs := int(a.config.Concurrentsyncs)
	if maxconcurrentsyncs < 1 {
		maxconcurrentsyncs = 1
	}
	if maxconcurrentsyncs > len(folders) {
		maxconcurrentsyncs = len(folders)
	}

	results := make(chan folderResult)
	// Every folder index is either queued, ready, running or waiting for
	// its interval timer.
	ready := make(chan int, len(folders))
	queue := make([]int, 0, len(folders))
	for i := range folders {
		queue = append(queue, i)
	}
	countmap := make([]int, len(folders))
	running := 0

	finished := func() bool {
		if interactions <= 0 {
			return false
		}
		for _, c := range countmap {
			if c < interactions {
				return false
			}
		}
		return true
	}

	for {
		for running < maxconcurrentsyncs && len(queue) > 0 && ctx.Err() == nil {
			folderindex := queue[0]
			queue = queue[1:]
			a.logger.Debugf("starting sync of folder %s", folders[folderindex])
			go a.SyncFolderWrapper(ctx, folders[folderindex], folderindex, results)
			running++
		}
		if running == 0 && (finished() || ctx.Err() != nil) {
			break
		}

		select {
		case result := <-results:
			running--
			countmap[result.folderindex]++
			if result.err != nil {
				a.logger.Errorf("Sync of folder %s failed with error: %s", result.folder, result.err)
			}
			if interactions > 0 && countmap[result.folderindex] >= interactions {
				continue
			}
			folderindex := result.folderindex
			time.AfterFunc(a.config.SyncInterval.Duration, func() {
				ready <- folderindex
			})
		case folderindex := <-ready:
			queue = append(queue, folderindex)
		case <-ctx.Done():
			// Wait for the running syncs to notice.
			for running > 0 {
				<-results
				running--
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (a *Account) SyncFolderWrapper(ctx context.Context, folder Mailfolder, folderindex int, out chan folderResult) {
	err := a.SyncFolder(ctx, folder)
	out <- folderResult{err, folder, folderindex}
}

// SyncFolder brings folder up to date. A folder never synced gets an
// initial sync; otherwise the known period is refreshed. An invalidated
// cursor leaves the folder empty and it is synced again from scratch.
func (a *Account) SyncFolder(ctx context.Context, folder Mailfolder) error {
	syncer := a.Syncer(folder)
	defer syncer.Release()

	res, err := a.syncFolder(ctx, syncer)
	if IsKind(err, KindInvalidCursor) {
		a.logger.Warnf("folder %s cursor invalidated, syncing from scratch", folder)
		res, err = syncer.InitialSync(ctx, SyncOptions{})
	}
	if err != nil {
		return a.e.E(err)
	}
	a.logger.Infof("folder %s synced: %d added, %d changed, %d deleted", folder, res.Added, res.Changed, res.Deleted)

	if a.grow && syncer.CanGrowSync() && !res.SyncedEntireFolder {
		grown, gres, err := syncer.GrowSync(ctx, GrowOptions{})
		if err != nil {
			return a.e.E(err)
		}
		if grown {
			a.logger.Infof("folder %s grown: %d added", folder, gres.Added)
		}
	}
	return nil
}

func (a *Account) syncFolder(ctx context.Context, syncer Syncer) (*SyncResult, error) {
	oldest, err := a.store.OldestKnownHeader(ctx, syncer.FolderID())
	if err != nil {
		return nil, err
	}
	if oldest == nil {
		return syncer.InitialSync(ctx, SyncOptions{})
	}
	if fs, ok := syncer.(*FolderSyncer); ok {
		return fs.SyncAdjustedDateRange(ctx, QuantizeDate(oldest.Date), time.Time{}, SyncOptions{})
	}
	return syncer.RefreshSync(ctx, QuantizeDate(oldest.Date), time.Time{}, SyncOptions{})
}

// List prints the account folders and what is known about them.
func (a *Account) List(ctx context.Context) error {
	folders, err := a.Folders(ctx)
	if err != nil {
		return a.e.E(err)
	}
	fmt.Printf("Account: %s\n", a.name)
	for _, folder := range folders {
		fmt.Printf("\t")
		fmt.Printf("%s ", folder)
		if folder.Excluded {
			fmt.Printf("(excluded)\n")
			continue
		}
		folderID := FolderID(a.name, folder)
		count, err := a.store.KnownMessageCount(ctx, folderID)
		if err != nil {
			return a.e.E(err)
		}
		meta, err := a.store.FolderMeta(ctx, folderID)
		if err != nil {
			return a.e.E(err)
		}
		fmt.Printf("%d known", count)
		if !meta.SyncedEntireFolder.IsZero() {
			fmt.Printf(", entirely synced at %s", meta.SyncedEntireFolder.Format(time.RFC3339))
		}
		fmt.Printf("\n")
	}
	return nil
}

func (a *Account) Close() error {
	a.syncersLock.Lock()
	for _, s := range a.syncers {
		s.RequestStop()
		s.Release()
	}
	a.syncersLock.Unlock()
	a.pool.Close()
	return a.store.Close()
}
