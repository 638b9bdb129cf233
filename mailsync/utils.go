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
	"os"
	"sort"
	"strings"
)

func StringInSlice(a string, list []string) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}

func FolderToStorePath(folder Mailfolder, separator rune) string {
	return strings.Join(folder.Name, string(separator))
}

func MkdirIfNotExists(name string) (err error) {
	if _, err = os.Stat(name); os.IsNotExist(err) {
		err = os.MkdirAll(name, 0777)
	}
	return
}

// NormalizeFlags returns a sorted copy of flags without duplicates.
func NormalizeFlags(flags []string) []string {
	flagsmap := make(map[string]bool)
	outflags := make([]string, 0, len(flags))
	for _, flag := range flags {
		if flag == "" || flagsmap[flag] {
			continue
		}
		flagsmap[flag] = true
		outflags = append(outflags, flag)
	}
	sort.Strings(outflags)
	return outflags
}

func FlagsEqual(a, b []string) bool {
	a = NormalizeFlags(a)
	b = NormalizeFlags(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func encodeFlags(flags []string) string {
	return strings.Join(NormalizeFlags(flags), " ")
}

func decodeFlags(s string) []string {
	return NormalizeFlags(strings.Fields(s))
}
