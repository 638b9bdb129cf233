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

package log

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

type Logger struct {
	*logrus.Entry
}

var (
	backendsLock sync.Mutex
	backends     = map[logrus.Level]*logrus.Logger{}
)

// backend returns the shared logrus logger filtering at the given level.
func backend(level logrus.Level) *logrus.Logger {
	backendsLock.Lock()
	defer backendsLock.Unlock()
	if l, ok := backends[level]; ok {
		return l
	}
	l := logrus.New()
	l.Out = os.Stderr
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true, DisableQuote: true}
	l.Level = level
	backends[level] = l
	return l
}

// GetLogger returns a logger tagging every message with prefix. An unknown
// loglevel falls back to info.
func GetLogger(prefix string, loglevel string) *Logger {
	level, err := LogLevelToLevel(loglevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	return &Logger{backend(level).WithField("prefix", prefix)}
}

var (
	LogLevelMap = map[string]logrus.Level{
		"error": logrus.ErrorLevel,
		"warn":  logrus.WarnLevel,
		"info":  logrus.InfoLevel,
		"debug": logrus.DebugLevel,
	}
)

func LogLevelToLevel(loglevel string) (logrus.Level, error) {
	if l, ok := LogLevelMap[loglevel]; ok {
		return l, nil
	}
	err := fmt.Errorf("Wrong log level: %s", loglevel)
	return 0, err
}
