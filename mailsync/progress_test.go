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
	"reflect"
	"testing"
)

func TestProgressReporter(t *testing.T) {
	var fractions []float64
	p := newProgressReporter(func(f float64) { fractions = append(fractions, f) })

	p.report(progressConnected)
	// An empty window only completes the search part.
	p.reconcile(0, 0)
	p.reconcile(5, 10)
	p.report(0.5)
	p.reconcile(0, 0)
	p.report(2)

	if expected := []float64{progressConnected, progressSearched, 0.625, 1}; !reflect.DeepEqual(fractions, expected) {
		t.Fatalf("expected %v, got %v", expected, fractions)
	}

	// Without a callback nothing happens.
	newProgressReporter(nil).reconcile(1, 2)
	var nilReporter *progressReporter
	nilReporter.report(1)
}
