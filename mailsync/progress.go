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

// Reconciliation cost model. Only used to drive a progress estimate.
const (
	KnownHeadersAggrCost = 20
	KnownHeadersPerCost  = 1
	NewHeadersAggrCost   = 20
	NewHeadersPerCost    = 5
	NewBodiesPerCost     = 30
)

const (
	progressConnected = 0.1
	progressSearched  = 0.25
)

type ProgressFunc func(fraction float64)

// reconcileCost is the total cost of refreshing known headers and fetching
// new headers and their bodies.
func reconcileCost(newCount, knownCount int) int {
	cost := 0
	if knownCount > 0 {
		cost += KnownHeadersAggrCost + KnownHeadersPerCost*knownCount
	}
	if newCount > 0 {
		cost += NewHeadersAggrCost + NewHeadersPerCost*newCount + NewBodiesPerCost*newCount
	}
	return cost
}

// progressReporter never reports a fraction lower than the last one.
type progressReporter struct {
	fn   ProgressFunc
	last float64
}

func newProgressReporter(fn ProgressFunc) *progressReporter {
	return &progressReporter{fn: fn}
}

func (p *progressReporter) report(fraction float64) {
	if p == nil || p.fn == nil {
		return
	}
	if fraction > 1 {
		fraction = 1
	}
	if fraction < p.last {
		return
	}
	p.last = fraction
	p.fn(fraction)
}

// reconcile maps spent over total onto the part of the bar that
// follows the search.
func (p *progressReporter) reconcile(spent, total int) {
	if total <= 0 {
		p.report(progressSearched)
		return
	}
	p.report(progressSearched + (1-progressSearched)*float64(spent)/float64(total))
}
