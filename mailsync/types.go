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
	"math"
	"sort"
	"time"
)

// ServerID is the remote identifier of a message: the UID for IMAP, the
// ServerId for ActiveSync. Empty until the header is reconciled.
type ServerID string

type MessageHeader struct {
	ID             int64
	SrvID          ServerID
	Date           time.Time
	Flags          []string
	Subject        string
	Author         string
	Snippet        string
	HasAttachments bool
}

// WithFlags returns a copy of h carrying flags.
func (h MessageHeader) WithFlags(flags []string) MessageHeader {
	h.Flags = NormalizeFlags(flags)
	return h
}

type BodyRep struct {
	Type         string
	PartID       string
	SizeEstimate int64
	Downloaded   bool
	Content      string
}

type MessageBody struct {
	BodyReps []BodyRep
}

// Message is the immutable snapshot handed from the transport to the store.
type Message struct {
	Header MessageHeader
	Body   MessageBody
}

// SyncRange is the [StartTS, EndTS) window. A zero EndTS means up to now.
type SyncRange struct {
	StartTS       time.Time
	EndTS         time.Time
	AccuracyStamp time.Time
}

// AccuracyRange is a date span known to fully reflect the remote folder.
type AccuracyRange struct {
	StartTS    time.Time
	EndTS      time.Time
	FullSyncTS time.Time
	ModSeq     string
}

// RangesCover reports whether the union of ranges contains [startTS, endTS).
func RangesCover(ranges []AccuracyRange, startTS, endTS time.Time) bool {
	sorted := append([]AccuracyRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartTS.Before(sorted[j].StartTS) })
	pos := startTS
	for _, r := range sorted {
		if !pos.Before(endTS) {
			break
		}
		if !r.StartTS.After(pos) && r.EndTS.After(pos) {
			pos = r.EndTS
		}
	}
	return !pos.Before(endTS)
}

type BisectDecision struct {
	OldStartTS  time.Time
	NewStartTS  time.Time
	EndTS       time.Time
	DayStep     int
	NumMessages int
}

type BisectAction int

const (
	BisectContinue BisectAction = iota
	BisectAbort
)

const Day = 24 * time.Hour

// QuantizeDate truncates t to the start of its UTC day.
func QuantizeDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBefore returns the start of the UTC day days before t's day.
func DaysBefore(t time.Time, days int) time.Time {
	return QuantizeDate(t).AddDate(0, 0, -days)
}

// DaysBetween is the, possibly fractional, number of days from start to end.
func DaysBetween(start, end time.Time) float64 {
	return float64(end.Sub(start)) / float64(Day)
}

func ceilDays(d float64) int {
	return int(math.Ceil(d))
}
