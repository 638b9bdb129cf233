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
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
)

const snippetMaxChars = 100

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// bodyRepType maps a part media type to a body rep type, "" for parts that
// are not rendered as the message body.
func bodyRepType(part RemotePart) string {
	if part.Attachment {
		return ""
	}
	switch strings.ToLower(part.Type) {
	case "text/plain":
		return "plain"
	case "text/html":
		return "html"
	}
	return ""
}

// chewRecord turns a freshly fetched record into a message whose body reps
// are described but not downloaded yet.
func chewRecord(r RemoteRecord) (Message, error) {
	if r.ID == "" {
		return Message{}, NewSyncError(KindMalformedResponse, "chew", fmt.Errorf("record without id"))
	}
	if r.Date.IsZero() {
		return Message{}, NewSyncError(KindMalformedResponse, "chew", fmt.Errorf("message %s without date", r.ID))
	}
	header := MessageHeader{
		SrvID:   r.ID,
		Date:    r.Date.UTC(),
		Flags:   NormalizeFlags(r.Flags),
		Subject: r.Subject,
		Author:  r.Author,
	}
	var body MessageBody
	for _, part := range r.Parts {
		if part.Attachment {
			header.HasAttachments = true
			continue
		}
		repType := bodyRepType(part)
		if repType == "" {
			continue
		}
		body.BodyReps = append(body.BodyReps, BodyRep{
			Type:         repType,
			PartID:       part.PartID,
			SizeEstimate: part.Size,
		})
	}
	return Message{Header: header, Body: body}, nil
}

// snippetPart returns the first part worth fetching for a snippet.
func snippetPart(parts []RemotePart) (RemotePart, bool) {
	for _, part := range parts {
		if bodyRepType(part) != "" {
			return part, true
		}
	}
	return RemotePart{}, false
}

func findPart(parts []RemotePart, partID string) (RemotePart, bool) {
	for _, part := range parts {
		if part.PartID == partID {
			return part, true
		}
	}
	return RemotePart{}, false
}

// decodePart undoes the transfer encoding and charset of a part. raw may be
// a truncated prefix of the part, in which case the decodable prefix is
// returned.
func decodePart(part RemotePart, raw []byte) (string, error) {
	var h message.Header
	contentType := part.Type
	if part.Charset != "" {
		contentType += "; charset=" + part.Charset
	}
	h.Set("Content-Type", contentType)
	if part.Encoding != "" {
		h.Set("Content-Transfer-Encoding", part.Encoding)
	}
	entity, err := message.New(h, bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return "", NewSyncError(KindMalformedResponse, "decode part", err)
	}
	b, err := io.ReadAll(entity.Body)
	if err != nil && len(b) == 0 {
		return "", NewSyncError(KindMalformedResponse, "decode part", err)
	}
	return strings.ToValidUTF8(string(b), ""), nil
}

func stripHTML(s string) string {
	for _, tag := range []string{"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>"} {
		s = strings.ReplaceAll(s, tag, "\n")
	}
	s = htmlTagPattern.ReplaceAllString(s, "")
	return html.UnescapeString(s)
}

// makeSnippet builds a one line preview, skipping quoted lines.
func makeSnippet(content string, repType string) string {
	if repType == "html" {
		content = stripHTML(content)
	}
	var words []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		words = append(words, strings.Fields(line)...)
	}
	snippet := strings.Join(words, " ")
	if utf8.RuneCountInString(snippet) > snippetMaxChars {
		runes := []rune(snippet)
		snippet = string(runes[:snippetMaxChars])
	}
	return snippet
}
