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
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// Output is the sink one rendered event goes to.
type Output interface {
	Write(stamp time.Time, debug bool, line string)
	Close() error
}

type writerOutput struct {
	w          io.Writer
	timestamps bool
}

// WriterOutput renders events to w, one per line, optionally prefixed with
// a millisecond UTC timestamp. Serialization is left to the writer; os.File
// writes are atomic enough for log lines on the supported platforms.
func WriterOutput(w io.Writer, timestamps bool) Output {
	return &writerOutput{w: w, timestamps: timestamps}
}

func (o *writerOutput) Write(stamp time.Time, debug bool, line string) {
	prefix := ""
	if o.timestamps {
		prefix = stamp.UTC().Format("2006-01-02T15:04:05.000Z ")
	}
	if debug {
		prefix += "[debug] "
	}
	fmt.Fprintln(o.w, prefix+line)
}

func (o *writerOutput) Close() error {
	if closer, ok := o.w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

type funcOutput struct {
	write func(time.Time, bool, string)
	close func() error
}

// FuncOutput adapts a pair of callbacks into an Output, used by tests to
// route events into t.Log.
func FuncOutput(write func(time.Time, bool, string), close func() error) Output {
	return &funcOutput{write: write, close: close}
}

func (o *funcOutput) Write(stamp time.Time, debug bool, line string) {
	o.write(stamp, debug, line)
}

func (o *funcOutput) Close() error {
	return o.close()
}

// NopOutput swallows everything.
type NopOutput struct{}

func (NopOutput) Write(time.Time, bool, string) {}
func (NopOutput) Close() error                  { return nil }

// renderFields appends the fields as a JSON object with the keys in sorted
// order, so repeated events line up and ad-hoc grep/cut pipelines work.
func renderFields(out *strings.Builder, fields map[string]interface{}) {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out.WriteByte('{')
	for i, key := range keys {
		if i != 0 {
			out.WriteByte(',')
		}
		appendJSON(out, key)
		out.WriteByte(':')
		appendJSON(out, fieldValue(fields[key]))
	}
	out.WriteByte('}')
}

// fieldValue reduces non-JSON-native values to strings before encoding.
func fieldValue(value interface{}) interface{} {
	switch v := value.(type) {
	case time.Duration:
		return v.String()
	case time.Time:
		return v.Format("2006-01-02T15:04:05.000")
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	}
	return value
}

func appendJSON(out *strings.Builder, value interface{}) {
	encoded, err := json.Marshal(value)
	if err != nil {
		encoded, _ = json.Marshal(fmt.Sprint(value))
	}
	out.Write(encoded)
}
