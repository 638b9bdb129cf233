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
	"fmt"
	"math"
	"os/user"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sgotti/gofoldersync/log"
)

type Config struct {
	Accounts    []*AccountConfig `toml:"account"`
	Sync        SyncConfig       `toml:"sync"`
	Metadatadir string
	LogLevel    string
	DebugImap   bool
}

// SyncConfig holds the window and reconciliation tunables shared by every
// account.
type SyncConfig struct {
	// Days covered by the first window of an initial sync.
	InitialSyncDays int
	// A probe returning more ids than this bisects the window.
	BisectAtMessages int
	// Day step multiplier applied when a window found nothing.
	TimeScaleFactor float64
	// Windows never start before this date (YYYY-MM-DD, UTC).
	OldestSyncDate date
	// Headers an initial or grow sync tries to have locally.
	DesiredHeaders int
	// Bisect ceiling for limited (explicit range) grow syncs.
	TooManyMessages int
	SnippetBytes    int64
	// Granularity of the server date search. SINCE/BEFORE are day based.
	SearchAmbiguity duration

	MaxConnections int
	ConnectRate    float64
	ConnectBurst   int
}

type AccountConfig struct {
	Name        string
	AccountType string

	// Folders Patterns matching.
	// The format is:
	// /pattern/
	// !/pattern/
	RegexpPatterns []string

	// Imap specific config options
	Host               string
	Port               uint16
	Username           string
	Password           string
	Starttls           bool
	Tls                bool
	Validateservercert bool

	// Offset the server applies when interpreting search dates.
	TZOffset duration

	Concurrentsyncs uint8
	SyncInterval    duration
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func Duration(d time.Duration) duration {
	return duration{d}
}

type date struct {
	time.Time
}

func (d *date) UnmarshalText(text []byte) error {
	var err error
	d.Time, err = time.ParseInLocation("2006-01-02", string(text), time.UTC)
	return err
}

func Date(t time.Time) date {
	return date{t}
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		InitialSyncDays:  3,
		BisectAtMessages: 60,
		TimeScaleFactor:  1.6,
		OldestSyncDate:   date{time.Date(1990, time.January, 1, 0, 0, 0, 0, time.UTC)},
		DesiredHeaders:   15,
		TooManyMessages:  2000,
		SnippetBytes:     256,
		SearchAmbiguity:  duration{24 * time.Hour},
		MaxConnections:   3,
		ConnectRate:      2,
		ConnectBurst:     4,
	}
}

func DefaultAccountConfig() AccountConfig {
	return AccountConfig{
		AccountType:        "IMAP",
		Validateservercert: true,
		RegexpPatterns:     []string{"/.*/"},
		Concurrentsyncs:    1,
		SyncInterval:       duration{10 * time.Minute},
	}
}

// fileConfig is the raw file layout. Tables are kept as primitives so they
// can be decoded on top of their defaults.
type fileConfig struct {
	Accounts    []toml.Primitive `toml:"account"`
	Sync        toml.Primitive   `toml:"sync"`
	Metadatadir string
	LogLevel    string
	DebugImap   bool
}

func ParseConfig(conffilepath string) (conf *Config, err error) {
	logger := log.GetLogger("config", "info")
	logger.Debugf("ParseConfig")

	var fc fileConfig
	md, err := toml.DecodeFile(conffilepath, &fc)
	if err != nil {
		return nil, err
	}

	u, err := user.Current()
	if err != nil {
		return nil, err
	}

	conf = &Config{
		Metadatadir: filepath.Join(u.HomeDir, ".gofoldersync"),
		LogLevel:    "info",
		DebugImap:   fc.DebugImap,
		Sync:        DefaultSyncConfig(),
	}
	if fc.Metadatadir != "" {
		conf.Metadatadir = fc.Metadatadir
	}
	if fc.LogLevel != "" {
		conf.LogLevel = fc.LogLevel
	}

	if md.IsDefined("sync") {
		if err = md.PrimitiveDecode(fc.Sync, &conf.Sync); err != nil {
			return nil, err
		}
	}

	for _, prim := range fc.Accounts {
		accountconfig := DefaultAccountConfig()
		if err = md.PrimitiveDecode(prim, &accountconfig); err != nil {
			return nil, err
		}
		conf.Accounts = append(conf.Accounts, &accountconfig)
	}
	return conf, nil
}

func VerifyConfig(config *Config) (err error) {
	validloglevels := []string{"error", "warn", "info", "debug"}
	if !StringInSlice(config.LogLevel, validloglevels) {
		return fmt.Errorf("Wrong log level: \"%s\". Valid levels are: %s", config.LogLevel, validloglevels)
	}

	if err = VerifySyncConfig(&config.Sync); err != nil {
		return err
	}

	names := make(map[string]bool)
	for _, accountconf := range config.Accounts {
		if err = VerifyAccountConfig(config, accountconf); err != nil {
			return err
		}
		if names[accountconf.Name] {
			return fmt.Errorf("Duplicated account name: \"%s\"", accountconf.Name)
		}
		names[accountconf.Name] = true
	}
	return nil
}

func VerifySyncConfig(config *SyncConfig) error {
	errprefix := "[Sync] "
	if config.InitialSyncDays < 1 {
		return fmt.Errorf(errprefix + "initialsyncdays must be at least 1")
	}
	if config.BisectAtMessages < 1 {
		return fmt.Errorf(errprefix + "bisectatmessages must be at least 1")
	}
	if config.TimeScaleFactor <= 1 || math.IsInf(config.TimeScaleFactor, 0) {
		return fmt.Errorf(errprefix + "timescalefactor must be greater than 1")
	}
	if config.OldestSyncDate.IsZero() {
		return fmt.Errorf(errprefix + "oldestsyncdate is empty")
	}
	if config.DesiredHeaders < 1 {
		return fmt.Errorf(errprefix + "desiredheaders must be at least 1")
	}
	if config.TooManyMessages < config.BisectAtMessages {
		return fmt.Errorf(errprefix + "toomanymessages must not be lower than bisectatmessages")
	}
	if config.SnippetBytes < 0 {
		return fmt.Errorf(errprefix + "snippetbytes must be positive")
	}
	if config.MaxConnections < 1 {
		return fmt.Errorf(errprefix + "maxconnections must be at least 1")
	}
	if config.ConnectRate <= 0 || config.ConnectBurst < 1 {
		return fmt.Errorf(errprefix + "connectrate and connectburst must be positive")
	}
	return nil
}

func VerifyAccountConfig(globalconfig *Config, config *AccountConfig) (err error) {
	logger := log.GetLogger("config", globalconfig.LogLevel)
	logger.Debugf("VerifyAccountConfig")

	if config.Name == "" {
		return fmt.Errorf("Account name is empty")
	}
	errprefix := fmt.Sprintf("[Account: %s] ", config.Name)
	validaccounttypes := []string{"IMAP", "ActiveSync"}
	if !StringInSlice(config.AccountType, validaccounttypes) {
		return fmt.Errorf(errprefix+"Wrong account type: \"%s\". Valid types are: %s", config.AccountType, validaccounttypes)
	}
	switch config.AccountType {
	case "IMAP":
		if config.Host == "" {
			return fmt.Errorf(errprefix + "host option is empty")
		}
		if config.Username == "" {
			return fmt.Errorf(errprefix + "username option is empty")
		}
		if config.Password == "" {
			return fmt.Errorf(errprefix + "password option is empty")
		}
		if config.Tls && config.Starttls {
			return fmt.Errorf(errprefix + "Both tls and starttls enabled. Only one of them is permitted.")
		}
	case "ActiveSync":
		return fmt.Errorf(errprefix + "account type \"ActiveSync\" not yet implemented")
	}

	if len(config.RegexpPatterns) == 0 {
		return fmt.Errorf(errprefix + "regexppatterns is empty")
	}

	// verify duration
	if int64(config.SyncInterval.Duration) < 0 {
		return fmt.Errorf(errprefix + "syncinterval must be positive.")
	}
	return
}

func StringInSlice(a string, list []string) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}
