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

// Package log is the small structured logger used across the server.
//
// A Logger value is cheap to copy and carries a component name, a debug
// switch and an optional set of sticky fields. Events are rendered as the
// human-readable message followed by the deterministically ordered JSON of
// the fields, which keeps the output grep-able without a parsing step.
package log

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/foxcpp/relayd/framework/exterrors"
)

type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Fields are attached to every event emitted through this logger.
	Fields map[string]interface{}
}

// Msg emits one structured event: a short static message plus alternating
// key/value pairs.
func (l Logger) Msg(msg string, kv ...interface{}) {
	l.emit(false, msg, pairsToFields(kv))
}

// DebugMsg is Msg gated on the debug switch.
func (l Logger) DebugMsg(msg string, kv ...interface{}) {
	if !l.Debug {
		return
	}
	l.emit(true, msg, pairsToFields(kv))
}

// Error emits the event describing a handled error. The structured context
// attached to the error chain (exterrors) is merged into the event fields;
// msg names the operation that failed, not the cause.
func (l Logger) Error(msg string, err error, kv ...interface{}) {
	if err == nil {
		return
	}

	fields := exterrors.Fields(err)
	if _, ok := fields["reason"]; !ok {
		fields["reason"] = err.Error()
	}
	for key, value := range pairsToFields(kv) {
		fields[key] = value
	}
	l.emit(false, msg, fields)
}

func (l Logger) Printf(format string, args ...interface{}) {
	l.emit(false, fmt.Sprintf(format, args...), nil)
}

func (l Logger) Println(args ...interface{}) {
	l.emit(false, strings.TrimRight(fmt.Sprintln(args...), "\n"), nil)
}

func (l Logger) Debugf(format string, args ...interface{}) {
	if !l.Debug {
		return
	}
	l.emit(true, fmt.Sprintf(format, args...), nil)
}

func (l Logger) Debugln(args ...interface{}) {
	if !l.Debug {
		return
	}
	l.emit(true, strings.TrimRight(fmt.Sprintln(args...), "\n"), nil)
}

// pairsToFields folds the ["key", value, ...] slice into a map. A dangling
// or non-string key does not panic, the value is kept under a synthetic
// name so the event is not lost.
func pairsToFields(kv []interface{}) map[string]interface{} {
	if len(kv) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, (len(kv)+1)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		fields[key] = kv[i+1]
	}
	if len(kv)%2 != 0 {
		fields[fmt.Sprintf("arg%d", len(kv)-1)] = kv[len(kv)-1]
	}
	return fields
}

func (l Logger) emit(debug bool, msg string, fields map[string]interface{}) {
	out := l.Out
	if out == nil {
		out = DefaultLogger.Out
	}
	if out == nil {
		return
	}

	line := strings.Builder{}
	if l.Name != "" {
		line.WriteString(l.Name)
		line.WriteString(": ")
	}
	line.WriteString(msg)

	if len(fields)+len(l.Fields) != 0 {
		merged := fields
		if len(l.Fields) != 0 {
			merged = make(map[string]interface{}, len(fields)+len(l.Fields))
			for key, value := range fields {
				merged[key] = value
			}
			for key, value := range l.Fields {
				if _, ok := merged[key]; !ok {
					merged[key] = value
				}
			}
		}
		line.WriteByte('\t')
		renderFields(&line, merged)
	}

	out.Write(time.Now(), debug, line.String())
}

// DefaultLogger is what the package-level helpers and loggers without an
// explicit Out write to.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Printf(format string, args ...interface{}) { DefaultLogger.Printf(format, args...) }
func Println(args ...interface{})               { DefaultLogger.Println(args...) }
func Debugf(format string, args ...interface{}) { DefaultLogger.Debugf(format, args...) }
func Debugln(args ...interface{})               { DefaultLogger.Debugln(args...) }
