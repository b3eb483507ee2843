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

// Package exterrors provides a simple way to attach additional structured
// information to the error values passed across the modules.
package exterrors

import (
	"fmt"
)

type EnhancedCode [3]int

// EnhancedCodeNotSet is a nil value of EnhancedCode field in SMTPError, used
// to indicate that backend/target does not have a specific value for it and
// it should be generated based on the basic SMTP code.
var EnhancedCodeNotSet = EnhancedCode{0, 0, 0}

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is the error that could be directly returned to the SMTP client
// as a protocol-level response.
//
// It is used as a full replacement of the plain error values across the
// codebase.
type SMTPError struct {
	// SMTP status code. Most of the time it matches the one that is sent to
	// the client.
	Code int
	// Enhanced SMTP status code (RFC 3463).
	EnhancedCode EnhancedCode
	// Message that is sent to the client as a human-readable part of the
	// response.
	Message string

	// TargetName is the name of the component that generated this error.
	TargetName string

	// Reason is the short description of the error cause. Unlike Message, it
	// is not sent to the client and is meant to provide details for logging.
	Reason string

	Err error

	// Misc is a set of arbitrary key-value pairs that are added to the
	// structured log output along with other fields.
	Misc map[string]interface{}
}

func (err *SMTPError) Unwrap() error {
	return err.Err
}

func (err *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(err.Misc)+5)
	for k, v := range err.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = err.Code
	ctx["smtp_enchcode"] = err.EnhancedCode
	ctx["smtp_msg"] = err.Message
	if err.TargetName != "" {
		ctx["target"] = err.TargetName
	}
	if err.Reason != "" {
		ctx["reason"] = err.Reason
	}
	return ctx
}

func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

func (err *SMTPError) Error() string {
	if err.Reason != "" {
		return err.Reason
	}
	return err.Message
}

// SMTPCode is a convenience function that returns one of two error codes
// depending on the temporary status of the err.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode is a convenience function that returns the passed enhanced
// status code with the first digit replaced based on the temporary status of
// the err.
func SMTPEnchCode(err error, code EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		code[0] = 4
	} else {
		code[0] = 5
	}
	return code
}
