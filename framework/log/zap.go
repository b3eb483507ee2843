/*
Relayd - programmable Mail Transfer Agent.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Relayd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Zap bridges the logger into the zap ecosystem for the libraries that want
// a *zap.Logger. Events come back out through this Logger's Output.
func (l Logger) Zap() *zap.Logger {
	return zap.New(zapCore{l: l})
}

type zapCore struct {
	l Logger
}

func (c zapCore) Enabled(level zapcore.Level) bool {
	return c.l.Debug || level > zapcore.DebugLevel
}

func (c zapCore) With(zfields []zapcore.Field) zapcore.Core {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range zfields {
		f.AddTo(enc)
	}

	merged := make(map[string]interface{}, len(c.l.Fields)+len(enc.Fields))
	for key, value := range c.l.Fields {
		merged[key] = value
	}
	for key, value := range enc.Fields {
		merged[key] = value
	}
	c.l.Fields = merged
	return c
}

func (c zapCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(entry.Level) {
		return checked
	}
	return checked.AddCore(entry, c)
}

func (c zapCore) Write(entry zapcore.Entry, zfields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range zfields {
		f.AddTo(enc)
	}

	l := c.l
	if entry.LoggerName != "" {
		if l.Name != "" {
			l.Name += "/"
		}
		l.Name += entry.LoggerName
	}
	l.emit(entry.Level == zapcore.DebugLevel, entry.Message, enc.Fields)
	return nil
}

func (zapCore) Sync() error { return nil }
