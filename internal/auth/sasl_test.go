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

package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/foxcpp/relayd/framework/module"
	"github.com/foxcpp/relayd/internal/testutils"
)

type mapBackend map[string]string

func (m mapBackend) AuthPlain(username, password string) error {
	if m[username] != password {
		return errors.New("invalid credentials")
	}
	return nil
}

func (m mapBackend) Password(username string) (string, error) {
	password, ok := m[username]
	if !ok {
		return "", errors.New("no such user")
	}
	return password, nil
}

func testAuth(t *testing.T) *SASLAuth {
	backend := mapBackend{"user": "pass"}
	return &SASLAuth{
		Backend:   backend,
		Passwords: backend,
		Hostname:  "mx.relayd.test",
		Log:       testutils.Logger(t, "auth"),
	}
}

func TestMechanismsAdvertised(t *testing.T) {
	a := testAuth(t)
	mechs := a.Mechanisms()
	want := map[string]bool{"PLAIN": true, "LOGIN": true, "CRAM-MD5": true}
	for _, mech := range mechs {
		delete(want, mech)
	}
	if len(want) != 0 {
		t.Errorf("missing mechanisms: %v (got %v)", want, mechs)
	}

	a.Passwords = nil
	for _, mech := range a.Mechanisms() {
		if mech == "CRAM-MD5" {
			t.Errorf("CRAM-MD5 advertised without a password source")
		}
	}
}

func TestPlain(t *testing.T) {
	a := testAuth(t)

	sess, err := a.Start("PLAIN")
	if err != nil {
		t.Fatal(err)
	}
	result, _, identity, err := sess.Step([]byte("\x00user\x00pass"))
	if result != module.SASLOk || err != nil {
		t.Fatalf("authentication failed: %v %v", result, err)
	}
	if identity != "user" {
		t.Errorf("wrong identity: %v", identity)
	}

	sess, _ = a.Start("PLAIN")
	result, _, _, _ = sess.Step([]byte("\x00user\x00wrong"))
	if result != module.SASLFail {
		t.Errorf("wrong password accepted")
	}
}

func TestLogin(t *testing.T) {
	a := testAuth(t)

	sess, err := a.Start("LOGIN")
	if err != nil {
		t.Fatal(err)
	}
	result, challenge, _, _ := sess.Step(nil)
	if result != module.SASLContinue || string(challenge) != "Username:" {
		t.Fatalf("wrong first challenge: %v %q", result, challenge)
	}
	result, challenge, _, _ = sess.Step([]byte("user"))
	if result != module.SASLContinue || string(challenge) != "Password:" {
		t.Fatalf("wrong second challenge: %v %q", result, challenge)
	}
	result, _, identity, err := sess.Step([]byte("pass"))
	if result != module.SASLOk || err != nil || identity != "user" {
		t.Fatalf("authentication failed: %v %v %v", result, identity, err)
	}
}

func TestCRAMMD5(t *testing.T) {
	a := testAuth(t)

	sess, err := a.Start("CRAM-MD5")
	if err != nil {
		t.Fatal(err)
	}
	result, challenge, _, _ := sess.Step(nil)
	if result != module.SASLContinue || len(challenge) == 0 {
		t.Fatalf("no challenge issued: %v", result)
	}

	mac := hmac.New(md5.New, []byte("pass"))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))

	result, _, identity, err := sess.Step([]byte("user " + digest))
	if result != module.SASLOk || err != nil || identity != "user" {
		t.Fatalf("authentication failed: %v %v %v", result, identity, err)
	}

	// A wrong digest is refused.
	sess, _ = a.Start("CRAM-MD5")
	sess.Step(nil)
	result, _, _, _ = sess.Step([]byte("user 00000000"))
	if result != module.SASLFail {
		t.Errorf("wrong digest accepted")
	}
}

func TestUnknownMechanism(t *testing.T) {
	a := testAuth(t)
	if _, err := a.Start("GSSAPI"); err == nil {
		t.Errorf("unknown mechanism accepted")
	}
}
