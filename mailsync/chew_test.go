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
	"strings"
	"testing"
	"time"
)

func TestChewRecord(t *testing.T) {
	rec := RemoteRecord{
		ID:      "7",
		Date:    time.Date(2026, 10, 15, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600)),
		Flags:   []string{`\Seen`, `\Answered`, `\Seen`},
		Subject: "hello",
		Author:  "Bob <bob@example.com>",
		Parts: []RemotePart{
			{PartID: "1.1", Type: "text/plain", Size: 10},
			{PartID: "1.2", Type: "TEXT/HTML", Size: 20},
			{PartID: "2", Type: "image/png", Size: 300},
			{PartID: "3", Type: "text/plain", Size: 40, Attachment: true},
		},
	}
	msg, err := chewRecord(rec)
	if err != nil {
		t.Fatal(err)
	}
	h := msg.Header
	if h.SrvID != "7" || h.Subject != "hello" || h.Author != "Bob <bob@example.com>" {
		t.Fatalf("Unexpected header %+v", h)
	}
	if h.Date.Location() != time.UTC || !h.Date.Equal(rec.Date) {
		t.Fatalf("Expecting date %s in UTC, found %s", rec.Date, h.Date)
	}
	if strings.Join(h.Flags, " ") != `\Answered \Seen` {
		t.Fatalf("Expecting normalized flags, found %v", h.Flags)
	}
	if !h.HasAttachments {
		t.Fatalf("Expecting HasAttachments")
	}
	reps := msg.Body.BodyReps
	if len(reps) != 2 {
		t.Fatalf("Expecting 2 body reps, found %d", len(reps))
	}
	if reps[0].Type != "plain" || reps[0].PartID != "1.1" || reps[0].SizeEstimate != 10 || reps[0].Downloaded {
		t.Fatalf("Unexpected body rep %+v", reps[0])
	}
	if reps[1].Type != "html" || reps[1].PartID != "1.2" {
		t.Fatalf("Unexpected body rep %+v", reps[1])
	}

	if _, err := chewRecord(RemoteRecord{Date: rec.Date}); !IsKind(err, KindMalformedResponse) {
		t.Fatalf("Expecting a malformed response error for a record without id, found %v", err)
	}
	if _, err := chewRecord(RemoteRecord{ID: "8"}); !IsKind(err, KindMalformedResponse) {
		t.Fatalf("Expecting a malformed response error for a record without date, found %v", err)
	}
}

func TestSnippetPart(t *testing.T) {
	parts := []RemotePart{
		{PartID: "1", Type: "text/plain", Attachment: true},
		{PartID: "2", Type: "image/jpeg"},
		{PartID: "3", Type: "text/html"},
	}
	part, ok := snippetPart(parts)
	if !ok || part.PartID != "3" {
		t.Fatalf("Expecting part 3, found %+v", part)
	}
	if _, ok := snippetPart(parts[:2]); ok {
		t.Fatalf("Expecting no snippet part")
	}
	if part, ok := findPart(parts, "2"); !ok || part.Type != "image/jpeg" {
		t.Fatalf("Expecting part 2, found %+v", part)
	}
}

func TestDecodePart(t *testing.T) {
	tests := []struct {
		part     RemotePart
		raw      string
		expected string
	}{
		{RemotePart{Type: "text/plain", Charset: "utf-8", Encoding: "7bit"}, "plain text", "plain text"},
		{RemotePart{Type: "text/plain", Charset: "utf-8", Encoding: "quoted-printable"}, "caf=C3=A9 =\r\nbar", "café bar"},
		{RemotePart{Type: "text/plain", Charset: "utf-8", Encoding: "base64"}, "SGVsbG8gd29ybGQ=", "Hello world"},
		{RemotePart{Type: "text/plain", Charset: "iso-8859-1", Encoding: "8bit"}, "caf\xe9", "café"},
		{RemotePart{Type: "text/html"}, "<b>bold</b>", "<b>bold</b>"},
	}
	for _, tt := range tests {
		s, err := decodePart(tt.part, []byte(tt.raw))
		if err != nil {
			t.Fatalf("Unexpected error decoding %q: %v", tt.raw, err)
		}
		if s != tt.expected {
			t.Fatalf("Expecting %q, found %q", tt.expected, s)
		}
	}
}

func TestMakeSnippet(t *testing.T) {
	s := makeSnippet("Hi Bob,\r\n\r\n  see you   tomorrow.\r\n> On Monday you wrote:\r\n>> older\r\nAlice", "plain")
	expected := "Hi Bob, see you tomorrow. Alice"
	if s != expected {
		t.Fatalf("Expecting snippet %q, found %q", expected, s)
	}

	s = makeSnippet("<html><body><p>Fish &amp; chips</p><div>tonight<br>at&nbsp;8</div></body></html>", "html")
	expected = "Fish & chips tonight at 8"
	if s != expected {
		t.Fatalf("Expecting snippet %q, found %q", expected, s)
	}

	s = makeSnippet(strings.Repeat("è", 150), "plain")
	if s != strings.Repeat("è", snippetMaxChars) {
		t.Fatalf("Expecting a snippet of %d characters, found %d bytes", snippetMaxChars, len(s))
	}

	if s = makeSnippet("", "plain"); s != "" {
		t.Fatalf("Expecting an empty snippet, found %q", s)
	}
}
