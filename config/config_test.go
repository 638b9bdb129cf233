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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "gofoldersync.conf")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseConfig(t *testing.T) {
	path := writeConfig(t, `
Metadatadir = "/tmp/gofoldersync"
LogLevel = "debug"

[sync]
InitialSyncDays = 7
OldestSyncDate = "2000-01-01"
SearchAmbiguity = "12h"

[[account]]
Name = "work"
Host = "imap.example.com"
Port = 993
Username = "bob"
Password = "secret"
Tls = true
RegexpPatterns = ["/.*/", "!/^Trash/"]
SyncInterval = "5m"

[[account]]
Name = "home"
Host = "mail.example.org"
Username = "alice"
Password = "secret"
`)
	conf, err := ParseConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyConfig(conf); err != nil {
		t.Fatal(err)
	}

	if conf.Metadatadir != "/tmp/gofoldersync" || conf.LogLevel != "debug" {
		t.Fatalf("Unexpected global options: %+v", conf)
	}
	s := conf.Sync
	if s.InitialSyncDays != 7 || s.SearchAmbiguity.Duration != 12*time.Hour {
		t.Fatalf("Sync options not decoded: %+v", s)
	}
	if !s.OldestSyncDate.Equal(time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("Unexpected oldest sync date %s", s.OldestSyncDate)
	}
	// Options not in the file keep their defaults.
	defaults := DefaultSyncConfig()
	if s.BisectAtMessages != defaults.BisectAtMessages || s.TimeScaleFactor != defaults.TimeScaleFactor || s.MaxConnections != defaults.MaxConnections {
		t.Fatalf("Sync defaults lost: %+v", s)
	}

	if len(conf.Accounts) != 2 {
		t.Fatalf("Expecting 2 accounts, found %d", len(conf.Accounts))
	}
	work := conf.Accounts[0]
	if work.Name != "work" || work.Port != 993 || !work.Tls || work.SyncInterval.Duration != 5*time.Minute {
		t.Fatalf("Unexpected account: %+v", work)
	}
	if len(work.RegexpPatterns) != 2 {
		t.Fatalf("Unexpected patterns: %v", work.RegexpPatterns)
	}
	home := conf.Accounts[1]
	if home.AccountType != "IMAP" || !home.Validateservercert || home.Concurrentsyncs != 1 || home.SyncInterval.Duration != 10*time.Minute {
		t.Fatalf("Account defaults lost: %+v", home)
	}
	if len(home.RegexpPatterns) != 1 || home.RegexpPatterns[0] != "/.*/" {
		t.Fatalf("Unexpected default patterns: %v", home.RegexpPatterns)
	}
}

func TestParseConfigErrors(t *testing.T) {
	if _, err := ParseConfig(filepath.Join(t.TempDir(), "missing.conf")); err == nil {
		t.Fatalf("Expecting an error for a missing file")
	}
	path := writeConfig(t, "[sync]\nOldestSyncDate = \"yesterday\"\n")
	if _, err := ParseConfig(path); err == nil {
		t.Fatalf("Expecting an error for a wrong date")
	}
}

func validConfig() *Config {
	account := DefaultAccountConfig()
	account.Name = "work"
	account.Host = "imap.example.com"
	account.Username = "bob"
	account.Password = "secret"
	return &Config{
		Accounts: []*AccountConfig{&account},
		Sync:     DefaultSyncConfig(),
		LogLevel: "info",
	}
}

func TestVerifyConfig(t *testing.T) {
	if err := VerifyConfig(validConfig()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	tests := []struct {
		modify   func(c *Config)
		expected string
	}{
		{func(c *Config) { c.LogLevel = "trace" }, "Wrong log level"},
		{func(c *Config) { c.Sync.InitialSyncDays = 0 }, "initialsyncdays"},
		{func(c *Config) { c.Sync.TimeScaleFactor = 1 }, "timescalefactor"},
		{func(c *Config) { c.Sync.TooManyMessages = 10 }, "toomanymessages"},
		{func(c *Config) { c.Sync.OldestSyncDate = Date(time.Time{}) }, "oldestsyncdate"},
		{func(c *Config) { c.Sync.MaxConnections = 0 }, "maxconnections"},
		{func(c *Config) { c.Accounts[0].Name = "" }, "Account name is empty"},
		{func(c *Config) { c.Accounts[0].Host = "" }, "host option is empty"},
		{func(c *Config) { c.Accounts[0].Tls, c.Accounts[0].Starttls = true, true }, "Both tls and starttls"},
		{func(c *Config) { c.Accounts[0].AccountType = "POP3" }, "Wrong account type"},
		{func(c *Config) { c.Accounts[0].AccountType = "ActiveSync" }, "not yet implemented"},
		{func(c *Config) { c.Accounts[0].RegexpPatterns = nil }, "regexppatterns is empty"},
		{func(c *Config) { c.Accounts[0].SyncInterval = Duration(-time.Minute) }, "syncinterval"},
		{func(c *Config) { c.Accounts = append(c.Accounts, c.Accounts[0]) }, "Duplicated account name"},
	}
	for _, tt := range tests {
		c := validConfig()
		tt.modify(c)
		err := VerifyConfig(c)
		if err == nil || !strings.Contains(err.Error(), tt.expected) {
			t.Fatalf("Expecting error containing %q, found %v", tt.expected, err)
		}
	}
}
