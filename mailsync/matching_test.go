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

func TestValidatePattern(t *testing.T) {
	valid := []string{"/.*/", "!/^Trash/", "/INBOX/", "//"}
	for _, p := range valid {
		if !ValidatePattern(p) {
			t.Fatalf("Expecting pattern %q to be valid", p)
		}
	}
	invalid := []string{"", "INBOX", "/INBOX", "INBOX/", "!/", "/", "!INBOX/", "/[/"}
	for _, p := range invalid {
		if ValidatePattern(p) {
			t.Fatalf("Expecting pattern %q to be invalid", p)
		}
	}
}

func TestFolderFilter(t *testing.T) {
	filter, err := NewFolderFilter([]string{"/.*/", "!/^Trash/", "/^Trash/Keep$/"})
	if err != nil {
		t.Fatal(err)
	}

	folders := []Mailfolder{
		NewMailfolder("INBOX", '.'),
		NewMailfolder("Trash", '.'),
		NewMailfolder("Trash.Old", '.'),
		NewMailfolder("Trash.Keep", '.'),
	}
	var included []string
	for _, folder := range filter.Apply(folders) {
		if !folder.Excluded {
			included = append(included, folder.String())
		}
	}
	expected := []string{"INBOX", "Trash/Keep"}
	if !reflect.DeepEqual(included, expected) {
		t.Fatalf("Expecting included folders %v, found %v", expected, included)
	}
	// Apply works on copies.
	if folders[1].Excluded {
		t.Fatalf("Apply modified its input")
	}

	filter, err = NewFolderFilter([]string{"/^INBOX$/"})
	if err != nil {
		t.Fatal(err)
	}
	if filter.Included(NewMailfolder("Sent", '/')) {
		t.Fatalf("A folder matching no pattern must be excluded")
	}

	if _, err := NewFolderFilter([]string{"/.*/", "Sent"}); err == nil {
		t.Fatalf("Expecting an error for an invalid pattern")
	}
}

func TestMailfolderPath(t *testing.T) {
	f := NewMailfolder("INBOX.Lists.go", '.')
	if !reflect.DeepEqual([]string(f.Name), []string{"INBOX", "Lists", "go"}) {
		t.Fatalf("Unexpected name %v", f.Name)
	}
	if f.Path() != "INBOX.Lists.go" || f.String() != "INBOX/Lists/go" {
		t.Fatalf("Unexpected path %q or string %q", f.Path(), f.String())
	}
	if id := FolderID("account1", f); id != "account1/INBOX/Lists/go" {
		t.Fatalf("Unexpected folder id %q", id)
	}

	flat := NewMailfolder("a/b", 0)
	if flat.Path() != "a/b" || len(flat.Name) != 1 {
		t.Fatalf("Unexpected flat folder %+v", flat)
	}
}

func TestNormalizeFlags(t *testing.T) {
	flags := NormalizeFlags([]string{`\Seen`, "", `\Answered`, `\Seen`})
	expected := []string{`\Answered`, `\Seen`}
	if !reflect.DeepEqual(flags, expected) {
		t.Fatalf("Expecting flags %v, found %v", expected, flags)
	}
	if !FlagsEqual([]string{`\Seen`, `\Flagged`}, []string{`\Flagged`, `\Seen`, `\Seen`}) {
		t.Fatalf("Expecting equal flags")
	}
	if FlagsEqual([]string{`\Seen`}, nil) {
		t.Fatalf("Expecting different flags")
	}
	if s := encodeFlags([]string{`\Seen`, `\Draft`}); s != `\Draft \Seen` {
		t.Fatalf("Unexpected encoded flags %q", s)
	}
	if !reflect.DeepEqual(decodeFlags(""), []string{}) {
		t.Fatalf("Expecting no flags, found %v", decodeFlags(""))
	}
}
