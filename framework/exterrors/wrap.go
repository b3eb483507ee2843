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

package exterrors

import (
	"errors"
	"net"
)

// annotation carries the structured log context attached by WithFields.
type annotation struct {
	err    error
	fields map[string]interface{}
}

func (a *annotation) Error() string { return a.err.Error() }
func (a *annotation) Unwrap() error { return a.err }

func (a *annotation) Fields() map[string]interface{} { return a.fields }

// WithFields attaches structured key-value context to the error for the log
// output. The original error is reachable via errors.Unwrap.
func WithFields(err error, fields map[string]interface{}) error {
	return &annotation{err: err, fields: fields}
}

type tempAnnotation struct {
	err  error
	temp bool
}

func (a *tempAnnotation) Error() string   { return a.err.Error() }
func (a *tempAnnotation) Unwrap() error   { return a.err }
func (a *tempAnnotation) Temporary() bool { return a.temp }

// WithTemporary forces the Temporary() classification of the error to the
// given value, overriding whatever the wrapped error reports.
func WithTemporary(err error, temporary bool) error {
	return &tempAnnotation{err: err, temp: temporary}
}

// TemporaryErr is implemented by errors that know whether retrying may
// help. net.Error and our own wrappers satisfy it.
type TemporaryErr interface {
	Temporary() bool
}

// IsTemporary reports whether the error explicitly declares itself
// temporary. An error without a Temporary method counts as permanent.
func IsTemporary(err error) bool {
	var t TemporaryErr
	return errors.As(err, &t) && t.Temporary()
}

// IsTemporaryOrUnspec is the inverse default: an error that does not
// classify itself is assumed to be temporary. Used where dropping a message
// on an unknown failure would be worse than retrying it.
func IsTemporaryOrUnspec(err error) bool {
	var t TemporaryErr
	if !errors.As(err, &t) {
		return true
	}
	return t.Temporary()
}

// Fields flattens the structured context of the whole error chain into one
// map. When the same key appears at multiple depths, the outermost value is
// kept.
func Fields(err error) map[string]interface{} {
	out := make(map[string]interface{}, 4)
	for ; err != nil; err = errors.Unwrap(err) {
		provider, ok := err.(interface{ Fields() map[string]interface{} })
		if !ok {
			continue
		}
		for key, value := range provider.Fields() {
			if _, seen := out[key]; seen {
				continue
			}
			out[key] = value
		}
	}
	return out
}

// UnwrapDNSErr extracts the short failure reason out of a *net.DNSError, so
// logs do not repeat the looked-up name twice. The returned map is always
// non-nil and may be extended by the caller.
func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	misc = map[string]interface{}{}
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return "", misc
	}
	return dnsErr.Err, misc
}
