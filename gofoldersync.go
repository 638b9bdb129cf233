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

package main

import (
	"context"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/sgotti/gofoldersync/config"
	"github.com/sgotti/gofoldersync/log"
	"github.com/sgotti/gofoldersync/mailsync"
)

var opts struct {
	Configfile  string   `short:"c" long:"config" description:"Config file location. Default: ~/.gofoldersyncrc"`
	Debug       bool     `short:"d" long:"debug" description:"Enable full debug logs. Overrides log levels in configuration file"`
	List        bool     `short:"l" long:"list" description:"List accounts folders and then exit"`
	AccountList []string `short:"a" long:"account" description:"Limit the accounts to the specified. Use this option multiple times to specify multiple accounts."`
	Once        bool     `short:"o" long:"once" description:"Sync every folder once and then exit"`
	Grow        bool     `short:"g" long:"grow" description:"After syncing a folder, also sync its older messages"`
}

func main() {
	logger := log.GetLogger("main", "info")
	u, err := user.Current()
	if err != nil {
		logger.Errorf("Cannot determine current user")
		os.Exit(1)
	}

	var parser = flags.NewParser(&opts, flags.Default)

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	if opts.Configfile == "" {
		opts.Configfile = filepath.Join(u.HomeDir, ".gofoldersyncrc")
	}

	globalconfig, err := config.ParseConfig(opts.Configfile)
	if err != nil {
		logger.Errorf("Error parsing config file: %s", err)
		os.Exit(1)
	}

	if opts.Debug {
		globalconfig.LogLevel = "debug"
		globalconfig.DebugImap = true
	}

	err = config.VerifyConfig(globalconfig)
	if err != nil {
		logger.Errorf("Error parsing config file: %s", err)
		os.Exit(1)
	}

	if _, err := log.LogLevelToLevel(globalconfig.LogLevel); err != nil {
		logger.Errorf("Error: %s", err)
		os.Exit(1)
	}

	err = mailsync.MkdirIfNotExists(globalconfig.Metadatadir)
	if err != nil {
		logger.Errorf("Error: %s", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interactions := -1
	if opts.Once {
		interactions = 1
	}

	var count int = 0
	c := make(chan error)
	accounts := make([]*mailsync.Account, 0)
	for _, accountconf := range globalconfig.Accounts {
		if opts.AccountList != nil && !config.StringInSlice(accountconf.Name, opts.AccountList) {
			continue
		}
		account, err := mailsync.NewAccount(globalconfig, accountconf)
		if err != nil {
			logger.Errorf("Error creating account \"%s\": %s", accountconf.Name, err)
			continue
		}
		accounts = append(accounts, account)
		account.SetGrow(opts.Grow)

		if opts.List {
			if err := account.List(ctx); err != nil {
				logger.Errorf("Error listing account \"%s\": %s", accountconf.Name, err)
			}
		} else {
			go account.SyncWrapper(ctx, interactions, c)
			count++
		}
	}

	for count > 0 {
		err := <-c
		logger.Println("Sync exited:", err)
		count--
	}

	for _, account := range accounts {
		if err := account.Close(); err != nil {
			logger.Errorf("Error closing account \"%s\": %s", account.Name(), err)
		}
	}
}
