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
	"crypto/tls"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/sirupsen/logrus"

	"github.com/sgotti/gofoldersync/config"
	"github.com/sgotti/gofoldersync/errors"
	"github.com/sgotti/gofoldersync/log"
)

// gmailCapability is advertised by servers whose search results lag behind
// until a round trip.
const gmailCapability = imap.Cap("X-GM-EXT-1")

// ImapDialer opens authenticated IMAP connections for an account.
type ImapDialer struct {
	globalconfig *config.Config
	config       *config.AccountConfig
	logger       *log.Logger
	e            *errors.Error
}

func NewImapDialer(globalconfig *config.Config, accountconfig *config.AccountConfig) *ImapDialer {
	logprefix := fmt.Sprintf("imap %s", accountconfig.Name)
	return &ImapDialer{
		globalconfig: globalconfig,
		config:       accountconfig,
		logger:       log.GetLogger(logprefix, globalconfig.LogLevel),
		e:            errors.New(logprefix),
	}
}

func (d *ImapDialer) addr() string {
	addr := d.config.Host
	if d.config.Port != 0 {
		addr = addr + ":" + strconv.FormatUint(uint64(d.config.Port), 10)
	}
	return addr
}

func (d *ImapDialer) Dial(ctx context.Context) (Conn, error) {
	if d.config.Tls && d.config.Starttls {
		return nil, fmt.Errorf("Both tls and starttls enabled. Only one of them is permitted.")
	}

	tlsconfig := &tls.Config{ServerName: d.config.Host}
	if !d.config.Validateservercert {
		tlsconfig.InsecureSkipVerify = true
	}
	options := &imapclient.Options{TLSConfig: tlsconfig}

	var debugWriter io.WriteCloser
	if d.globalconfig.LogLevel == "debug" && d.globalconfig.DebugImap {
		debugWriter = d.logger.WriterLevel(logrus.DebugLevel)
		options.DebugWriter = debugWriter
	}

	type dialResult struct {
		client *imapclient.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		var r dialResult
		switch {
		case d.config.Tls:
			r.client, r.err = imapclient.DialTLS(d.addr(), options)
		case d.config.Starttls:
			r.client, r.err = imapclient.DialStartTLS(d.addr(), options)
		default:
			r.client, r.err = imapclient.DialInsecure(d.addr(), options)
		}
		ch <- r
	}()

	var client *imapclient.Client
	select {
	case r := <-ch:
		if r.err != nil {
			closeWriter(debugWriter)
			return nil, d.e.E(r.err)
		}
		client = r.client
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				r.client.Close()
			}
			closeWriter(debugWriter)
		}()
		return nil, ctx.Err()
	}

	c := &imapConn{
		client:      client,
		debugWriter: debugWriter,
		logger:      d.logger,
		e:           d.e,
	}

	// The state is only known after the greeting.
	if err := c.do(ctx, client.WaitGreeting); err != nil {
		c.Close()
		return nil, d.e.E(err)
	}

	// Authenticate
	if client.State() == imap.ConnStateNotAuthenticated {
		err := c.do(ctx, func() error {
			return client.Login(d.config.Username, d.config.Password).Wait()
		})
		if err != nil {
			c.Close()
			return nil, d.e.E(err)
		}
	}
	c.gmail = client.Caps().Has(gmailCapability)
	return c, nil
}

func closeWriter(w io.WriteCloser) {
	if w != nil {
		w.Close()
	}
}

// imapConn is one IMAP connection. At most one folder is selected at a
// time.
type imapConn struct {
	client      *imapclient.Client
	debugWriter io.WriteCloser
	gmail       bool
	logger      *log.Logger
	e           *errors.Error
}

// do runs a blocking command. The connection is closed if ctx is done
// first, which makes the command fail.
func (c *imapConn) do(ctx context.Context, fn func() error) error {
	stop := context.AfterFunc(ctx, func() {
		c.client.Close()
	})
	err := fn()
	if !stop() && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *imapConn) ListFolders(ctx context.Context) ([]Mailfolder, error) {
	var list []*imap.ListData
	err := c.do(ctx, func() error {
		var err error
		list, err = c.client.List("", "*", nil).Collect()
		return err
	})
	if err != nil {
		return nil, c.e.E(err)
	}

	folders := make([]Mailfolder, 0, len(list))
	for _, data := range list {
		c.logger.Debugf("%s %q %v", data.Mailbox, data.Delim, data.Attrs)
		// Ignore \Noselect folders
		if hasAttr(data.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		folders = append(folders, NewMailfolder(data.Mailbox, data.Delim))
	}
	return folders, nil
}

func hasAttr(attrs []imap.MailboxAttr, attr imap.MailboxAttr) bool {
	for _, a := range attrs {
		if strings.EqualFold(string(a), string(attr)) {
			return true
		}
	}
	return false
}

func (c *imapConn) OpenFolder(ctx context.Context, path string) (RemoteFolder, error) {
	var data *imap.SelectData
	err := c.do(ctx, func() error {
		var err error
		data, err = c.client.Select(path, &imap.SelectOptions{ReadOnly: true}).Wait()
		return err
	})
	if err != nil {
		return nil, c.e.E(err)
	}
	c.logger.Debugf("selected %s: %d messages, uidvalidity %d", path, data.NumMessages, data.UIDValidity)
	return &imapFolder{
		conn:        c,
		path:        path,
		uidValidity: data.UIDValidity,
		numMessages: int(data.NumMessages),
	}, nil
}

func (c *imapConn) Close() error {
	err := c.client.Close()
	closeWriter(c.debugWriter)
	return err
}

type imapFolder struct {
	conn        *imapConn
	path        string
	uidValidity uint32
	numMessages int
}

func (f *imapFolder) Path() string {
	return f.path
}

func (f *imapFolder) Validity() string {
	return strconv.FormatUint(uint64(f.uidValidity), 10)
}

func (f *imapFolder) MessageCount() int {
	if mbox := f.conn.client.Mailbox(); mbox != nil && mbox.Name == f.path {
		return int(mbox.NumMessages)
	}
	return f.numMessages
}

func (f *imapFolder) NeedsRefresh() bool {
	return f.conn.gmail
}

// Refresh issues a NOOP so the server reports new messages.
func (f *imapFolder) Refresh(ctx context.Context) error {
	return f.conn.do(ctx, func() error {
		return f.conn.client.Noop().Wait()
	})
}

func (f *imapFolder) Search(ctx context.Context, criteria SearchCriteria) ([]ServerID, error) {
	c := &imap.SearchCriteria{
		Since:   criteria.Since,
		Before:  criteria.Before,
		NotFlag: []imap.Flag{imap.FlagDeleted},
	}
	var data *imap.SearchData
	err := f.conn.do(ctx, func() error {
		var err error
		data, err = f.conn.client.UIDSearch(c, nil).Wait()
		return err
	})
	if err != nil {
		return nil, err
	}
	uids := data.AllUIDs()
	ids := make([]ServerID, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, uidToServerID(uid))
	}
	return ids, nil
}

func uidToServerID(uid imap.UID) ServerID {
	return ServerID(strconv.FormatUint(uint64(uid), 10))
}

func serverIDToUID(id ServerID) (imap.UID, error) {
	u, err := strconv.ParseUint(string(id), 10, 32)
	if err != nil || u == 0 {
		return 0, NewSyncError(KindMalformedResponse, "uid", fmt.Errorf("invalid uid %q", id))
	}
	return imap.UID(u), nil
}

func (f *imapFolder) FetchHeaders(ctx context.Context, ids []ServerID, fields HeaderFields) ([]RemoteRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	uids := make([]imap.UID, 0, len(ids))
	for _, id := range ids {
		uid, err := serverIDToUID(id)
		if err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}

	options := &imap.FetchOptions{UID: true, Flags: true}
	if fields == FetchFullHeaders {
		options.Envelope = true
		options.InternalDate = true
		options.RFC822Size = true
		options.BodyStructure = &imap.FetchItemBodyStructure{Extended: true}
	}

	var bufs []*imapclient.FetchMessageBuffer
	err := f.conn.do(ctx, func() error {
		var err error
		bufs, err = f.conn.client.Fetch(imap.UIDSetNum(uids...), options).Collect()
		return err
	})
	if err != nil {
		return nil, err
	}

	records := make([]RemoteRecord, 0, len(bufs))
	for _, buf := range bufs {
		records = append(records, recordFromBuffer(buf))
	}
	return records, nil
}

func recordFromBuffer(buf *imapclient.FetchMessageBuffer) RemoteRecord {
	r := RemoteRecord{
		Date: buf.InternalDate,
		Size: buf.RFC822Size,
	}
	if buf.UID != 0 {
		r.ID = uidToServerID(buf.UID)
	}
	for _, flag := range buf.Flags {
		r.Flags = append(r.Flags, string(flag))
	}
	if env := buf.Envelope; env != nil {
		r.Subject = env.Subject
		if r.Date.IsZero() {
			r.Date = env.Date
		}
		if len(env.From) > 0 {
			from := env.From[0]
			if from.Name != "" {
				r.Author = fmt.Sprintf("%s <%s>", from.Name, from.Addr())
			} else {
				r.Author = from.Addr()
			}
		}
	}
	if buf.BodyStructure != nil {
		r.Parts = partsFromBodyStructure(buf.BodyStructure)
	}
	return r
}

// partsFromBodyStructure flattens the leaves of bs. A message without
// multipart has its single part numbered 1.
func partsFromBodyStructure(bs imap.BodyStructure) []RemotePart {
	var parts []RemotePart
	bs.Walk(func(path []int, part imap.BodyStructure) bool {
		single, ok := part.(*imap.BodyStructureSinglePart)
		if !ok {
			return true
		}
		partID := "1"
		if len(path) > 0 {
			partID = formatPartPath(path)
		}
		attachment := false
		if disp := single.Disposition(); disp != nil && strings.EqualFold(disp.Value, "attachment") {
			attachment = true
		} else if single.Filename() != "" {
			attachment = true
		}
		parts = append(parts, RemotePart{
			PartID:     partID,
			Type:       strings.ToLower(single.Type + "/" + single.Subtype),
			Charset:    paramValue(single.Params, "charset"),
			Encoding:   single.Encoding,
			Size:       int64(single.Size),
			Attachment: attachment,
		})
		// Parts of an attached message belong to the attachment.
		return false
	})
	return parts
}

func paramValue(params map[string]string, key string) string {
	for k, v := range params {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func formatPartPath(path []int) string {
	s := make([]string, len(path))
	for i, p := range path {
		s[i] = strconv.Itoa(p)
	}
	return strings.Join(s, ".")
}

func parsePartPath(partID string) ([]int, error) {
	var path []int
	for _, s := range strings.Split(partID, ".") {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, NewSyncError(KindMalformedResponse, "part", fmt.Errorf("invalid part id %q", partID))
		}
		path = append(path, n)
	}
	return path, nil
}

func (f *imapFolder) FetchBody(ctx context.Context, id ServerID, part string, maxBytes int64) ([]byte, error) {
	uid, err := serverIDToUID(id)
	if err != nil {
		return nil, err
	}
	path, err := parsePartPath(part)
	if err != nil {
		return nil, err
	}
	section := &imap.FetchItemBodySection{Part: path, Peek: true}
	if maxBytes > 0 {
		section.Partial = &imap.SectionPartial{Offset: 0, Size: maxBytes}
	}
	options := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}

	var bufs []*imapclient.FetchMessageBuffer
	err = f.conn.do(ctx, func() error {
		var err error
		bufs, err = f.conn.client.Fetch(imap.UIDSetNum(uid), options).Collect()
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, buf := range bufs {
		if buf.UID != uid {
			continue
		}
		content := buf.FindBodySection(section)
		if content == nil && len(buf.BodySection) == 1 {
			// Servers may echo the partial origin without its size.
			content = buf.BodySection[0].Bytes
		}
		if maxBytes > 0 && int64(len(content)) > maxBytes {
			content = content[:maxBytes]
		}
		return content, nil
	}
	return nil, NewSyncError(KindMalformedResponse, "fetch body", fmt.Errorf("message %s not returned", id))
}
