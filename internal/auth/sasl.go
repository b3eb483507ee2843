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

// Package auth implements the server side of the SASL mechanisms offered by
// the SMTP endpoint, delegating the actual credential verification to the
// external authentication collaborator.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/foxcpp/relayd/framework/log"
	"github.com/foxcpp/relayd/framework/module"
)

// PlainAuth verifies a username/password pair against the external backend.
type PlainAuth interface {
	AuthPlain(username, password string) error
}

// PasswordSource provides access to the stored password of an account, used
// only by the challenge-response mechanisms (CRAM-MD5).
type PasswordSource interface {
	Password(username string) (string, error)
}

// SASLAuth ties the mechanism framing to the credential backends. It
// implements module.SASLServer.
type SASLAuth struct {
	Backend PlainAuth

	// Passwords is required for CRAM-MD5; the mechanism is not advertised
	// without it.
	Passwords PasswordSource

	// Hostname is used in the CRAM-MD5 challenge.
	Hostname string

	Log log.Logger
}

func (a *SASLAuth) Mechanisms() []string {
	mechs := []string{sasl.Plain, sasl.Login}
	if a.Passwords != nil {
		mechs = append(mechs, "CRAM-MD5")
	}
	return mechs
}

func (a *SASLAuth) Start(mechanism string) (module.SASLSession, error) {
	switch strings.ToUpper(mechanism) {
	case sasl.Plain:
		w := &saslWrap{}
		w.srv = sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return errors.New("auth: identities are not supported")
			}
			if err := a.Backend.AuthPlain(username, password); err != nil {
				a.Log.Error("authentication failed", err, "username", username)
				return err
			}
			w.identity = username
			return nil
		})
		return w, nil
	case sasl.Login:
		return &loginSession{a: a}, nil
	case "CRAM-MD5":
		if a.Passwords == nil {
			return nil, fmt.Errorf("auth: unsupported mechanism: %v", mechanism)
		}
		return newCRAMSession(a), nil
	}
	return nil, fmt.Errorf("auth: unsupported mechanism: %v", mechanism)
}

// saslWrap adapts a go-sasl server to the module.SASLSession contract.
type saslWrap struct {
	srv      sasl.Server
	identity string
}

func (w *saslWrap) Step(response []byte) (module.SASLResult, []byte, string, error) {
	challenge, done, err := w.srv.Next(response)
	if err != nil {
		return module.SASLFail, nil, "", err
	}
	if !done {
		return module.SASLContinue, challenge, "", nil
	}
	return module.SASLOk, nil, w.identity, nil
}

// loginSession implements the obsolete-but-widespread LOGIN mechanism.
type loginSession struct {
	a        *SASLAuth
	username string
	state    int
}

func (s *loginSession) Step(response []byte) (module.SASLResult, []byte, string, error) {
	switch s.state {
	case 0:
		s.state++
		if len(response) != 0 {
			// Initial response carries the username.
			s.username = string(response)
			s.state++
			return module.SASLContinue, []byte("Password:"), "", nil
		}
		return module.SASLContinue, []byte("Username:"), "", nil
	case 1:
		s.username = string(response)
		s.state++
		return module.SASLContinue, []byte("Password:"), "", nil
	case 2:
		if err := s.a.Backend.AuthPlain(s.username, string(response)); err != nil {
			s.a.Log.Error("authentication failed", err, "username", s.username)
			return module.SASLFail, nil, "", err
		}
		return module.SASLOk, nil, s.username, nil
	}
	return module.SASLFail, nil, "", errors.New("auth: LOGIN exchange out of order")
}

// cramSession implements the server side of CRAM-MD5 (RFC 2195).
//
// go-sasl has no server-side CRAM-MD5 implementation, so the HMAC exchange
// is done here directly.
type cramSession struct {
	a         *SASLAuth
	challenge string
}

func newCRAMSession(a *SASLAuth) *cramSession {
	msgID, err := module.GenerateMsgID()
	if err != nil {
		msgID = "0"
	}
	return &cramSession{
		a:         a,
		challenge: fmt.Sprintf("<%s.%d@%s>", msgID[:8], time.Now().Unix(), a.Hostname),
	}
}

func (s *cramSession) Step(response []byte) (module.SASLResult, []byte, string, error) {
	if len(response) == 0 {
		return module.SASLContinue, []byte(s.challenge), "", nil
	}

	username, digest, ok := strings.Cut(string(response), " ")
	if !ok {
		return module.SASLFail, nil, "", errors.New("auth: malformed CRAM-MD5 response")
	}

	password, err := s.a.Passwords.Password(username)
	if err != nil {
		s.a.Log.Error("password lookup failed", err, "username", username)
		return module.SASLFail, nil, "", err
	}

	mac := hmac.New(md5.New, []byte(password))
	mac.Write([]byte(s.challenge))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(digest)) {
		return module.SASLFail, nil, "", errors.New("auth: invalid credentials")
	}
	return module.SASLOk, nil, username, nil
}
