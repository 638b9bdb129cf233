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
	"net"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sgotti/gofoldersync/config"
	"github.com/sgotti/gofoldersync/tests/imapmock"
)

// setupImapTest starts a mock server that runs script on the first
// connection and returns a dialer for it.
func setupImapTest(t *testing.T, greetings string, script ...interface{}) (*ImapDialer, <-chan *imapmock.Connection) {
	server := imapmock.NewMockImapServer(t, greetings)
	t.Cleanup(func() { server.Close() })
	saddr := server.GetServerAddress()
	shost, sportstr, _ := net.SplitHostPort(saddr.String())
	sport, _ := strconv.ParseUint(sportstr, 10, 16)

	globalconfig := testGlobalConfig(t)
	globalconfig.DebugImap = true
	accountconfig := config.DefaultAccountConfig()
	accountconfig.Name = "account1"
	accountconfig.Host = shost
	accountconfig.Port = uint16(sport)
	accountconfig.Username = "bob"
	accountconfig.Password = "secret"

	ch := make(chan *imapmock.Connection, 1)
	go func() {
		conn, err := server.WaitConnection()
		if err != nil {
			t.Errorf("mock server: %v", err)
			close(ch)
			return
		}
		conn.Script(script...)
		ch <- conn
	}()
	return NewImapDialer(globalconfig, &accountconfig), ch
}

func checkScript(t *testing.T, ch <-chan *imapmock.Connection) {
	conn, ok := <-ch
	if !ok {
		t.Fatalf("no connection received")
	}
	conn.Check()
	conn.Close()
}

func TestImapConn(t *testing.T) {
	dialer, ch := setupImapTest(t, "* PREAUTH [CAPABILITY IMAP4rev1] Server ready",
		`C: TAG0 LIST *`,
		`S: * LIST (\HasNoChildren) "/" INBOX`,
		`S: * LIST (\HasChildren \Noselect) "/" Archive`,
		`S: * LIST (\HasNoChildren) "/" Archive/2025`,
		`S: TAG0 OK LIST completed`,
		`C: TAG1 EXAMINE *`,
		`S: * 3 EXISTS`,
		`S: * 0 RECENT`,
		`S: * OK [UIDVALIDITY 42] UIDs valid`,
		`S: * OK [UIDNEXT 4] Predicted next UID`,
		`S: TAG1 OK [READ-ONLY] EXAMINE completed`,
		`C: TAG2 UID SEARCH *`,
		`S: * SEARCH 1 2 3`,
		`S: TAG2 OK SEARCH completed`,
		`C: TAG3 UID FETCH *`,
		`S: * 1 FETCH (UID 1 FLAGS (\Seen))`,
		`S: * 2 FETCH (UID 2 FLAGS ())`,
		`S: TAG3 OK FETCH completed`,
		`C: TAG4 UID FETCH *`,
		`S: * 3 FETCH (UID 3 FLAGS () INTERNALDATE "15-Oct-2026 10:00:00 +0000" RFC822.SIZE 512 `+
			`ENVELOPE ("Thu, 15 Oct 2026 10:00:00 +0000" "hello" (("Bob" NIL "bob" "example.com")) (("Bob" NIL "bob" "example.com")) `+
			`(("Bob" NIL "bob" "example.com")) (("Alice" NIL "alice" "example.com")) NIL NIL NIL "<3@example.com>") `+
			`BODYSTRUCTURE (("TEXT" "PLAIN" ("CHARSET" "utf-8") NIL NIL "QUOTED-PRINTABLE" 12 1 NIL NIL NIL NIL)`+
			`("APPLICATION" "PDF" ("NAME" "a.pdf") NIL NIL "BASE64" 1000 NIL ("ATTACHMENT" ("FILENAME" "a.pdf")) NIL NIL) `+
			`"MIXED" ("BOUNDARY" "b1") NIL NIL NIL))`,
		`S: TAG4 OK FETCH completed`,
		`C: TAG5 UID FETCH *`,
		`S: * 3 FETCH (UID 3 BODY[1]<0> {12}`,
		`S: Hello world!)`,
		`S: TAG5 OK FETCH completed`,
	)
	ctx := context.Background()

	c, err := dialer.Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	folders, err := c.ListFolders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, f := range folders {
		paths = append(paths, f.String())
	}
	if !reflect.DeepEqual(paths, []string{"INBOX", "Archive/2025"}) {
		t.Fatalf("Expecting folders [INBOX Archive/2025], found %v", paths)
	}

	folder, err := c.OpenFolder(ctx, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if folder.Validity() != "42" || folder.MessageCount() != 3 || folder.NeedsRefresh() {
		t.Fatalf("Unexpected folder state: validity %s, count %d", folder.Validity(), folder.MessageCount())
	}

	ids, err := folder.Search(ctx, SearchCriteria{Since: DaysBefore(syncNow, 3)})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []ServerID{"1", "2", "3"}) {
		t.Fatalf("Unexpected search result %v", ids)
	}

	records, err := folder.FetchHeaders(ctx, ids[:2], FetchFlagsOnly)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].ID != "1" || !reflect.DeepEqual(records[0].Flags, []string{`\Seen`}) || len(records[1].Flags) != 0 {
		t.Fatalf("Unexpected flag records %+v", records)
	}

	records, err = folder.FetchHeaders(ctx, ids[2:], FetchFullHeaders)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("Expecting 1 record, found %d", len(records))
	}
	rec := records[0]
	if rec.ID != "3" || rec.Subject != "hello" || rec.Author != "Bob <bob@example.com>" || rec.Size != 512 {
		t.Fatalf("Unexpected record %+v", rec)
	}
	if !rec.Date.Equal(time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("Unexpected date %s", rec.Date)
	}
	if len(rec.Parts) != 2 {
		t.Fatalf("Expecting 2 parts, found %+v", rec.Parts)
	}
	text, pdf := rec.Parts[0], rec.Parts[1]
	if text.PartID != "1" || text.Type != "text/plain" || text.Charset != "utf-8" || !strings.EqualFold(text.Encoding, "quoted-printable") || text.Attachment {
		t.Fatalf("Unexpected text part %+v", text)
	}
	if pdf.PartID != "2" || pdf.Type != "application/pdf" || !pdf.Attachment || pdf.Size != 1000 {
		t.Fatalf("Unexpected attachment part %+v", pdf)
	}

	body, err := folder.FetchBody(ctx, "3", "1", 256)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "Hello world!" {
		t.Fatalf("Unexpected body %q", body)
	}

	checkScript(t, ch)
}

func TestImapConnLogin(t *testing.T) {
	dialer, ch := setupImapTest(t, "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN] Server ready",
		`C: TAG0 LOGIN *`,
		`S: TAG0 OK [CAPABILITY IMAP4rev1 X-GM-EXT-1] LOGIN completed`,
		`C: TAG1 EXAMINE *`,
		`S: * 2 EXISTS`,
		`S: * OK [UIDVALIDITY 7] UIDs valid`,
		`S: TAG1 OK [READ-ONLY] EXAMINE completed`,
		`C: TAG2 NOOP`,
		`S: * 4 EXISTS`,
		`S: TAG2 OK NOOP completed`,
	)
	ctx := context.Background()

	c, err := dialer.Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	folder, err := c.OpenFolder(ctx, "[Gmail]/All Mail")
	if err != nil {
		t.Fatal(err)
	}
	if !folder.NeedsRefresh() {
		t.Fatalf("Expecting a gmail server to need refreshes")
	}
	if err := folder.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if folder.MessageCount() != 4 {
		t.Fatalf("Expecting 4 messages after the refresh, found %d", folder.MessageCount())
	}

	checkScript(t, ch)
}

func TestImapDialTLSAndStartTLS(t *testing.T) {
	globalconfig := testGlobalConfig(t)
	accountconfig := config.DefaultAccountConfig()
	accountconfig.Name = "account1"
	accountconfig.Host = "127.0.0.1"
	accountconfig.Tls = true
	accountconfig.Starttls = true
	if _, err := NewImapDialer(globalconfig, &accountconfig).Dial(context.Background()); err == nil {
		t.Fatalf("Expecting an error with both tls and starttls")
	}
}

func TestServerIDs(t *testing.T) {
	uid, err := serverIDToUID("42")
	if err != nil || uid != 42 {
		t.Fatalf("Expecting uid 42, found %d (%v)", uid, err)
	}
	if uidToServerID(uid) != "42" {
		t.Fatalf("Unexpected server id %s", uidToServerID(uid))
	}
	for _, id := range []ServerID{"", "0", "abc", "-1", "4294967296"} {
		if _, err := serverIDToUID(id); !IsKind(err, KindMalformedResponse) {
			t.Fatalf("Expecting a malformed response error for %q, found %v", id, err)
		}
	}
}

func TestPartPath(t *testing.T) {
	path, err := parsePartPath("1.2.3")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(path, []int{1, 2, 3}) {
		t.Fatalf("Unexpected path %v", path)
	}
	if s := formatPartPath(path); s != "1.2.3" {
		t.Fatalf("Unexpected part id %q", s)
	}
	for _, partID := range []string{"", "0", "1.", "a.1"} {
		if _, err := parsePartPath(partID); err == nil {
			t.Fatalf("Expecting an error for part id %q", partID)
		}
	}
}
