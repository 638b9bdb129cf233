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
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sgotti/gofoldersync/config"
	"github.com/sgotti/gofoldersync/errors"
	"github.com/sgotti/gofoldersync/log"
)

var migrations = []struct {
	version int
	sql     string
}{
	{1, `
create table if not exists headers (
	id integer primary key autoincrement,
	folder_id text not null,
	srvid text,
	date integer not null,
	flags text not null default '',
	subject text not null default '',
	author text not null default '',
	snippet text not null default '',
	has_attachments integer not null default 0
);
create unique index if not exists headers_srvid on headers (folder_id, srvid);
create index if not exists headers_date on headers (folder_id, date);
create table if not exists bodyreps (
	header_id integer not null,
	idx integer not null,
	type text not null,
	part_id text not null,
	size_estimate integer not null,
	downloaded integer not null,
	content text not null,
	primary key (header_id, idx)
);
create table if not exists accuracy_ranges (
	folder_id text not null,
	start_ts integer not null,
	end_ts integer not null,
	full_sync_ts integer not null,
	modseq text not null default ''
);
create table if not exists folders (
	folder_id text primary key,
	sync_key text not null default '0',
	filter_type integer not null default 0,
	validity text not null default '',
	synced_entire_folder integer not null default 0
);
insert into schema_version (version) values (1);
`},
}

// Start of the accuracy range recorded when a whole folder is known.
var entireFolderStart = time.Unix(0, 0).UTC()

type headerRow struct {
	ID             int64          `db:"id"`
	FolderID       string         `db:"folder_id"`
	SrvID          sql.NullString `db:"srvid"`
	Date           int64          `db:"date"`
	Flags          string         `db:"flags"`
	Subject        string         `db:"subject"`
	Author         string         `db:"author"`
	Snippet        string         `db:"snippet"`
	HasAttachments bool           `db:"has_attachments"`
}

func newHeaderRow(folderID string, h MessageHeader) headerRow {
	return headerRow{
		ID:             h.ID,
		FolderID:       folderID,
		SrvID:          sql.NullString{String: string(h.SrvID), Valid: h.SrvID != ""},
		Date:           toMillis(h.Date),
		Flags:          encodeFlags(h.Flags),
		Subject:        h.Subject,
		Author:         h.Author,
		Snippet:        h.Snippet,
		HasAttachments: h.HasAttachments,
	}
}

func (r headerRow) header() MessageHeader {
	return MessageHeader{
		ID:             r.ID,
		SrvID:          ServerID(r.SrvID.String),
		Date:           fromMillis(r.Date),
		Flags:          decodeFlags(r.Flags),
		Subject:        r.Subject,
		Author:         r.Author,
		Snippet:        r.Snippet,
		HasAttachments: r.HasAttachments,
	}
}

type bodyRepRow struct {
	HeaderID     int64  `db:"header_id"`
	Idx          int    `db:"idx"`
	Type         string `db:"type"`
	PartID       string `db:"part_id"`
	SizeEstimate int64  `db:"size_estimate"`
	Downloaded   bool   `db:"downloaded"`
	Content      string `db:"content"`
}

type rangeRow struct {
	StartTS    int64  `db:"start_ts"`
	EndTS      int64  `db:"end_ts"`
	FullSyncTS int64  `db:"full_sync_ts"`
	ModSeq     string `db:"modseq"`
}

type folderRow struct {
	SyncKey            string `db:"sync_key"`
	FilterType         int    `db:"filter_type"`
	Validity           string `db:"validity"`
	SyncedEntireFolder int64  `db:"synced_entire_folder"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type writeOp struct {
	name string
	fn   func(tx *sqlx.Tx) error
	done chan error
}

// SQLiteStore is a LocalStore on a sqlite database. Mutations are queued to
// a single writer goroutine.
type SQLiteStore struct {
	db     *sqlx.DB
	dbpath string
	ops    chan writeOp
	exited chan struct{}

	mu     sync.RWMutex
	closed bool

	errLock    sync.Mutex
	pendingErr error

	logger *log.Logger
	e      *errors.Error
}

func NewSQLiteStore(globalconfig *config.Config, basemetadatadir string, name string) (*SQLiteStore, error) {
	logprefix := fmt.Sprintf("sqlitestore %s", name)
	logger := log.GetLogger(logprefix, globalconfig.LogLevel)
	e := errors.New(logprefix)

	metadatadir := filepath.Join(basemetadatadir, name)
	err := os.MkdirAll(metadatadir, 0777)
	if err != nil {
		return nil, e.E(err)
	}
	dbpath := filepath.Join(metadatadir, "store.db")

	db, err := sqlx.Open("sqlite3", "file:"+dbpath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, e.E(err)
	}

	s := &SQLiteStore{
		db:     db,
		dbpath: dbpath,
		ops:    make(chan writeOp, 256),
		exited: make(chan struct{}),
		logger: logger,
		e:      e,
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, e.E(err)
	}
	go s.writer()
	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	if _, err := s.db.Exec(`create table if not exists schema_version (version integer not null)`); err != nil {
		return err
	}
	currentVersion := 0
	if err := s.db.Get(&currentVersion, "select coalesce(max(version), 0) from schema_version"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		s.logger.Debugf("applying migration v%d", m.version)
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) writer() {
	defer close(s.exited)
	for op := range s.ops {
		if op.fn != nil {
			if err := s.runTx(op.fn); err != nil {
				s.logger.Errorf("deferred %s failed: %v", op.name, err)
				s.errLock.Lock()
				if s.pendingErr == nil {
					s.pendingErr = s.e.E(fmt.Errorf("%s: %w", op.name, err))
				}
				s.errLock.Unlock()
			}
		}
		if op.done != nil {
			s.errLock.Lock()
			err := s.pendingErr
			s.pendingErr = nil
			s.errLock.Unlock()
			op.done <- err
		}
	}
}

func (s *SQLiteStore) runTx(fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) enqueue(op writeOp) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Errorf("deferred %s dropped: store closed", op.name)
		return false
	}
	s.ops <- op
	return true
}

func (s *SQLiteStore) Settle(ctx context.Context) error {
	done := make(chan error, 1)
	if !s.enqueue(writeOp{name: "settle", done: done}) {
		return s.e.E(fmt.Errorf("store closed"))
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()
	<-s.exited
	return s.e.E(s.db.Close())
}

const headerColumns = `id, folder_id, srvid, date, flags, subject, author, snippet, has_attachments`

func (s *SQLiteStore) QueryByDateRange(ctx context.Context, folderID string, startTS, endTS time.Time) ([]MessageHeader, error) {
	var rows []headerRow
	var err error
	if endTS.IsZero() {
		err = s.db.SelectContext(ctx, &rows,
			`select `+headerColumns+` from headers where folder_id = ? and date >= ? order by date desc, id desc`,
			folderID, toMillis(startTS))
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`select `+headerColumns+` from headers where folder_id = ? and date >= ? and date < ? order by date desc, id desc`,
			folderID, toMillis(startTS), toMillis(endTS))
	}
	if err != nil {
		return nil, s.e.E(err)
	}
	headers := make([]MessageHeader, 0, len(rows))
	for _, r := range rows {
		headers = append(headers, r.header())
	}
	return headers, nil
}

func (s *SQLiteStore) getHeader(ctx context.Context, query string, args ...interface{}) (*MessageHeader, error) {
	var row headerRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, s.e.E(err)
	}
	h := row.header()
	return &h, nil
}

func (s *SQLiteStore) HeaderByServerID(ctx context.Context, folderID string, id ServerID) (*MessageHeader, error) {
	return s.getHeader(ctx, `select `+headerColumns+` from headers where folder_id = ? and srvid = ?`, folderID, string(id))
}

func (s *SQLiteStore) OldestKnownHeader(ctx context.Context, folderID string) (*MessageHeader, error) {
	return s.getHeader(ctx, `select `+headerColumns+` from headers where folder_id = ? order by date asc, id asc limit 1`, folderID)
}

func (s *SQLiteStore) KnownMessageCount(ctx context.Context, folderID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `select count(*) from headers where folder_id = ? and srvid is not null`, folderID)
	if err != nil {
		return 0, s.e.E(err)
	}
	return count, nil
}

func (s *SQLiteStore) Body(ctx context.Context, folderID string, headerID int64) (*MessageBody, error) {
	var found int
	err := s.db.GetContext(ctx, &found, `select count(*) from headers where folder_id = ? and id = ?`, folderID, headerID)
	if err != nil {
		return nil, s.e.E(err)
	}
	if found == 0 {
		return nil, nil
	}
	var rows []bodyRepRow
	err = s.db.SelectContext(ctx, &rows, `select * from bodyreps where header_id = ? order by idx`, headerID)
	if err != nil {
		return nil, s.e.E(err)
	}
	body := &MessageBody{}
	for _, r := range rows {
		body.BodyReps = append(body.BodyReps, BodyRep{
			Type:         r.Type,
			PartID:       r.PartID,
			SizeEstimate: r.SizeEstimate,
			Downloaded:   r.Downloaded,
			Content:      r.Content,
		})
	}
	return body, nil
}

func (s *SQLiteStore) AccuracyRanges(ctx context.Context, folderID string) ([]AccuracyRange, error) {
	var rows []rangeRow
	err := s.db.SelectContext(ctx, &rows,
		`select start_ts, end_ts, full_sync_ts, modseq from accuracy_ranges where folder_id = ? order by start_ts desc`, folderID)
	if err != nil {
		return nil, s.e.E(err)
	}
	ranges := make([]AccuracyRange, 0, len(rows))
	for _, r := range rows {
		ranges = append(ranges, AccuracyRange{
			StartTS:    time.UnixMilli(r.StartTS).UTC(),
			EndTS:      time.UnixMilli(r.EndTS).UTC(),
			FullSyncTS: fromMillis(r.FullSyncTS),
			ModSeq:     r.ModSeq,
		})
	}
	return ranges, nil
}

func (s *SQLiteStore) FolderMeta(ctx context.Context, folderID string) (FolderMeta, error) {
	var row folderRow
	err := s.db.GetContext(ctx, &row,
		`select sync_key, filter_type, validity, synced_entire_folder from folders where folder_id = ?`, folderID)
	if err == sql.ErrNoRows {
		return FolderMeta{SyncKey: ZeroSyncKey}, nil
	}
	if err != nil {
		return FolderMeta{}, s.e.E(err)
	}
	return FolderMeta{
		SyncKey:            row.SyncKey,
		FilterType:         FilterType(row.FilterType),
		Validity:           row.Validity,
		SyncedEntireFolder: fromMillis(row.SyncedEntireFolder),
	}, nil
}

func insertBodyReps(tx *sqlx.Tx, headerID int64, body MessageBody) error {
	if _, err := tx.Exec(`delete from bodyreps where header_id = ?`, headerID); err != nil {
		return err
	}
	for i, rep := range body.BodyReps {
		row := bodyRepRow{
			HeaderID:     headerID,
			Idx:          i,
			Type:         rep.Type,
			PartID:       rep.PartID,
			SizeEstimate: rep.SizeEstimate,
			Downloaded:   rep.Downloaded,
			Content:      rep.Content,
		}
		_, err := tx.NamedExec(`insert into bodyreps (header_id, idx, type, part_id, size_estimate, downloaded, content)
			values (:header_id, :idx, :type, :part_id, :size_estimate, :downloaded, :content)`, row)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) AddMessage(folderID string, msg Message) {
	row := newHeaderRow(folderID, msg.Header)
	body := msg.Body
	s.enqueue(writeOp{name: "add message", fn: func(tx *sqlx.Tx) error {
		res, err := tx.NamedExec(`insert into headers (folder_id, srvid, date, flags, subject, author, snippet, has_attachments)
			values (:folder_id, :srvid, :date, :flags, :subject, :author, :snippet, :has_attachments)`, row)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		return insertBodyReps(tx, id, body)
	}})
}

func (s *SQLiteStore) UpdateHeader(folderID string, header MessageHeader) {
	row := newHeaderRow(folderID, header)
	s.enqueue(writeOp{name: "update header", fn: func(tx *sqlx.Tx) error {
		res, err := tx.NamedExec(`update headers set srvid = :srvid, date = :date, flags = :flags, subject = :subject,
			author = :author, snippet = :snippet, has_attachments = :has_attachments
			where id = :id and folder_id = :folder_id`, row)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("no header with id %d", row.ID)
		}
		return nil
	}})
}

func (s *SQLiteStore) UpdateBody(folderID string, headerID int64, body MessageBody) {
	s.enqueue(writeOp{name: "update body", fn: func(tx *sqlx.Tx) error {
		return insertBodyReps(tx, headerID, body)
	}})
}

func (s *SQLiteStore) DeleteByServerID(folderID string, id ServerID) {
	s.enqueue(writeOp{name: "delete message", fn: func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`delete from bodyreps where header_id in (select id from headers where folder_id = ? and srvid = ?)`,
			folderID, string(id)); err != nil {
			return err
		}
		_, err := tx.Exec(`delete from headers where folder_id = ? and srvid = ?`, folderID, string(id))
		return err
	}})
}

// mergeRange records r over the ranges it overlaps or touches. Every part of
// the resulting span keeps the newest stamp known for it and neighbouring
// parts with the same stamp are joined.
func mergeRange(tx *sqlx.Tx, folderID string, r AccuracyRange) error {
	start, end := toMillis(r.StartTS), toMillis(r.EndTS)
	var rows []rangeRow
	err := tx.Select(&rows,
		`select start_ts, end_ts, full_sync_ts, modseq from accuracy_ranges where folder_id = ? and start_ts <= ? and end_ts >= ?`,
		folderID, end, start)
	if err != nil {
		return err
	}
	rows = append(rows, rangeRow{StartTS: start, EndTS: end, FullSyncTS: toMillis(r.FullSyncTS), ModSeq: r.ModSeq})

	bounds := make([]int64, 0, 2*len(rows))
	for _, o := range rows {
		bounds = append(bounds, o.StartTS, o.EndTS)
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i] < bounds[j] })

	var merged []rangeRow
	for i := 0; i+1 < len(bounds); i++ {
		a, b := bounds[i], bounds[i+1]
		if a == b {
			continue
		}
		var newest *rangeRow
		for j := range rows {
			o := &rows[j]
			// On equal stamps the later row, r, wins.
			if o.StartTS <= a && o.EndTS >= b && (newest == nil || o.FullSyncTS >= newest.FullSyncTS) {
				newest = o
			}
		}
		if newest == nil {
			continue
		}
		if n := len(merged); n > 0 && merged[n-1].EndTS == a &&
			merged[n-1].FullSyncTS == newest.FullSyncTS && merged[n-1].ModSeq == newest.ModSeq {
			merged[n-1].EndTS = b
			continue
		}
		merged = append(merged, rangeRow{StartTS: a, EndTS: b, FullSyncTS: newest.FullSyncTS, ModSeq: newest.ModSeq})
	}

	if _, err := tx.Exec(`delete from accuracy_ranges where folder_id = ? and start_ts <= ? and end_ts >= ?`,
		folderID, end, start); err != nil {
		return err
	}
	for _, m := range merged {
		_, err := tx.Exec(`insert into accuracy_ranges (folder_id, start_ts, end_ts, full_sync_ts, modseq) values (?, ?, ?, ?, ?)`,
			folderID, m.StartTS, m.EndTS, m.FullSyncTS, m.ModSeq)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) MarkRangeKnown(folderID string, r AccuracyRange) {
	s.enqueue(writeOp{name: "mark range", fn: func(tx *sqlx.Tx) error {
		if r.EndTS.Before(r.StartTS) {
			return fmt.Errorf("range end %v before start %v", r.EndTS, r.StartTS)
		}
		return mergeRange(tx, folderID, r)
	}})
}

func (s *SQLiteStore) MarkSyncedEntireFolder(folderID string, stamp time.Time) {
	s.enqueue(writeOp{name: "mark entire folder", fn: func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`delete from accuracy_ranges where folder_id = ?`, folderID); err != nil {
			return err
		}
		_, err := tx.Exec(`insert into accuracy_ranges (folder_id, start_ts, end_ts, full_sync_ts, modseq) values (?, ?, ?, ?, '')`,
			folderID, entireFolderStart.UnixMilli(), toMillis(QuantizeDate(stamp).Add(Day)), toMillis(stamp))
		if err != nil {
			return err
		}
		if err := ensureFolder(tx, folderID); err != nil {
			return err
		}
		_, err = tx.Exec(`update folders set synced_entire_folder = ? where folder_id = ?`, toMillis(stamp), folderID)
		return err
	}})
}

func ensureFolder(tx *sqlx.Tx, folderID string) error {
	_, err := tx.Exec(`insert or ignore into folders (folder_id) values (?)`, folderID)
	return err
}

func (s *SQLiteStore) SetFolderMeta(folderID string, meta FolderMeta) {
	row := folderRow{
		SyncKey:            meta.SyncKey,
		FilterType:         int(meta.FilterType),
		Validity:           meta.Validity,
		SyncedEntireFolder: toMillis(meta.SyncedEntireFolder),
	}
	s.enqueue(writeOp{name: "set folder meta", fn: func(tx *sqlx.Tx) error {
		if err := ensureFolder(tx, folderID); err != nil {
			return err
		}
		_, err := tx.Exec(`update folders set sync_key = ?, filter_type = ?, validity = ?, synced_entire_folder = ? where folder_id = ?`,
			row.SyncKey, row.FilterType, row.Validity, row.SyncedEntireFolder, folderID)
		return err
	}})
}

func (s *SQLiteStore) ResetFolder(folderID string) {
	s.enqueue(writeOp{name: "reset folder", fn: func(tx *sqlx.Tx) error {
		stmts := []string{
			`delete from bodyreps where header_id in (select id from headers where folder_id = ?)`,
			`delete from headers where folder_id = ?`,
			`delete from accuracy_ranges where folder_id = ?`,
			`delete from folders where folder_id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt, folderID); err != nil {
				return err
			}
		}
		return nil
	}})
}
