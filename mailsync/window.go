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
	"time"

	"github.com/sgotti/gofoldersync/config"
)

type WindowPolicy struct {
	InitialSyncDays  int
	BisectAtMessages int
	TimeScaleFactor  float64
	OldestSyncDate   time.Time
}

func WindowPolicyFromConfig(c *config.SyncConfig) WindowPolicy {
	return WindowPolicy{
		InitialSyncDays:  c.InitialSyncDays,
		BisectAtMessages: c.BisectAtMessages,
		TimeScaleFactor:  c.TimeScaleFactor,
		OldestSyncDate:   c.OldestSyncDate.Time,
	}
}

// Day step caps on growth, by how many days in the past the window starts.
var growthSchedule = []struct {
	daysInPast float64
	maxDayStep int
}{
	{180, 14},
	{365, 30},
	{730, 60},
	{1095, 90},
	{1825, 120},
	{3650, 365},
}

const maxGrowthDayStep = 730

// MaxDayStep returns the largest day step allowed for a window starting
// daysInPast days ago.
func MaxDayStep(daysInPast float64) int {
	for _, s := range growthSchedule {
		if daysInPast < s.daysInPast {
			return s.maxDayStep
		}
	}
	return maxGrowthDayStep
}

// WindowController owns the [startTS, endTS) range scanned by one sync
// episode. It never persists anything.
type WindowController struct {
	policy  WindowPolicy
	now     func() time.Time
	startTS time.Time
	endTS   time.Time
	dayStep int
	// Growth is frozen while startTS is not before this boundary.
	doNotGrowBefore time.Time
}

func NewWindowController(policy WindowPolicy, startTS, endTS time.Time, now func() time.Time) *WindowController {
	if now == nil {
		now = time.Now
	}
	w := &WindowController{
		policy:  policy,
		now:     now,
		startTS: startTS,
		endTS:   endTS,
	}
	w.dayStep = ceilDays(DaysBetween(startTS, w.effectiveEnd()))
	if w.dayStep < 1 {
		w.dayStep = 1
	}
	return w
}

func (w *WindowController) Range() (time.Time, time.Time) {
	return w.startTS, w.endTS
}

func (w *WindowController) DayStep() int {
	return w.dayStep
}

func (w *WindowController) DoNotGrowBefore() time.Time {
	return w.doNotGrowBefore
}

// effectiveEnd resolves an open ended window to the start of tomorrow.
func (w *WindowController) effectiveEnd() time.Time {
	if w.endTS.IsZero() {
		return QuantizeDate(w.now().Add(Day))
	}
	return w.endTS
}

// CheckBisect decides whether a probe that matched serverCount messages must
// be retried on a smaller window. limit overrides the policy ceiling when
// positive.
func (w *WindowController) CheckBisect(serverCount, limit int) (BisectDecision, bool) {
	if limit <= 0 {
		limit = w.policy.BisectAtMessages
	}
	if serverCount <= limit {
		return BisectDecision{}, false
	}
	end := w.effectiveEnd()
	curDaysDelta := DaysBetween(w.startTS, end)
	if curDaysDelta <= 1 {
		return BisectDecision{}, false
	}
	// Huge ranges, usually an initial dawn of time search, would produce a
	// meaningless density estimate.
	if curDaysDelta > 1000 {
		curDaysDelta = 30
	}
	shrinkScale := float64(limit) / (float64(serverCount) * 2)
	backDays := ceilDays(shrinkScale * curDaysDelta)
	if backDays < 1 {
		backDays = 1
	}
	newStartTS := DaysBefore(end, backDays)
	if !newStartTS.After(w.startTS) {
		return BisectDecision{}, false
	}
	return BisectDecision{
		OldStartTS:  w.startTS,
		NewStartTS:  newStartTS,
		EndTS:       w.endTS,
		DayStep:     backDays,
		NumMessages: serverCount,
	}, true
}

// ApplyBisect shrinks the window and freezes growth until the window moves
// past the old start.
func (w *WindowController) ApplyBisect(d BisectDecision) {
	w.doNotGrowBefore = d.OldStartTS
	w.dayStep = d.DayStep
	w.startTS = d.NewStartTS
}

// AtEpochFloor reports whether the window already reaches the oldest sync
// date.
func (w *WindowController) AtEpochFloor() bool {
	return !w.startTS.After(w.policy.OldestSyncDate)
}

// NextRange moves the window back in time after a probe that saw
// messagesSeen messages. ok is false when the window already reached the
// oldest sync date.
func (w *WindowController) NextRange(messagesSeen int) (startTS, endTS time.Time, ok bool) {
	if w.AtEpochFloor() {
		return time.Time{}, time.Time{}, false
	}

	daysToSearch := w.dayStep
	frozen := !w.doNotGrowBefore.IsZero() && w.startTS.After(w.doNotGrowBefore)
	if messagesSeen == 0 && !frozen {
		lastSyncDaysInPast := DaysBetween(w.startTS, QuantizeDate(w.now()))
		daysToSearch = ceilDays(float64(w.dayStep) * w.policy.TimeScaleFactor)
		if limit := MaxDayStep(lastSyncDaysInPast); daysToSearch > limit {
			daysToSearch = limit
		}
		w.dayStep = daysToSearch
	}
	if !w.doNotGrowBefore.IsZero() && !frozen {
		w.doNotGrowBefore = time.Time{}
	}

	newStartTS := DaysBefore(w.startTS, daysToSearch)
	if newStartTS.Before(w.policy.OldestSyncDate) {
		newStartTS = w.policy.OldestSyncDate
	}
	w.endTS = w.startTS
	w.startTS = newStartTS
	return w.startTS, w.endTS, true
}
