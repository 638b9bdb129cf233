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

import "strings"

type foldername []string

type Mailfolder struct {
	Name foldername
	// Server hierarchy delimiter, 0 for a flat namespace.
	Delim    rune
	Excluded bool
}

func NewMailfolder(path string, delim rune) Mailfolder {
	if delim == 0 {
		return Mailfolder{Name: foldername{path}}
	}
	return Mailfolder{Name: strings.Split(path, string(delim)), Delim: delim}
}

func (f Mailfolder) String() string {
	return FolderToStorePath(f, '/')
}

// Path is the folder name as the server knows it.
func (f Mailfolder) Path() string {
	if f.Delim == 0 {
		return strings.Join(f.Name, "")
	}
	return FolderToStorePath(f, f.Delim)
}

// FolderID identifies folder of account in the local store.
func FolderID(account string, folder Mailfolder) string {
	return account + "/" + folder.String()
}

func (f *Mailfolder) Equals(f2 *Mailfolder) bool {
	if len(f.Name) != len(f2.Name) {
		return false
	}

	for i := 0; i < len(f.Name); i++ {
		if f.Name[i] != f2.Name[i] {
			return false
		}
	}

	return true
}
