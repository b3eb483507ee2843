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

package address

import (
	"testing"
)

func TestSplit(t *testing.T) {
	for _, tc := range []struct {
		in           string
		mailbox, dom string
		fail         bool
	}{
		{in: "user@example.org", mailbox: "user", dom: "example.org"},
		{in: `"u@ser"@example.org`, mailbox: `"u@ser"`, dom: "example.org"},
		{in: "postmaster", mailbox: "postmaster"},
		{in: "PoStMaStEr", mailbox: "PoStMaStEr"},
		{in: "no-domain", fail: true},
		{in: "@example.org", fail: true},
		{in: "user@", fail: true},
	} {
		mailbox, dom, err := Split(tc.in)
		if (err != nil) != tc.fail {
			t.Errorf("Split(%q) error = %v, want fail=%v", tc.in, err, tc.fail)
			continue
		}
		if err == nil && (mailbox != tc.mailbox || dom != tc.dom) {
			t.Errorf("Split(%q) = %q, %q", tc.in, mailbox, dom)
		}
	}
}

func TestCleanDomain(t *testing.T) {
	for in, want := range map[string]string{
		"user@EXAMPLE.org":            "user@example.org",
		"UsEr@example.org":            "UsEr@example.org", // local-part case kept
		"user@xn--e1aybc.example.org": "user@тест.example.org",
		"postmaster":                  "postmaster",
	} {
		got, err := CleanDomain(in)
		if err != nil {
			t.Errorf("CleanDomain(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("CleanDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToASCII(t *testing.T) {
	got, err := ToASCII("user@тест.example.org")
	if err != nil || got != "user@xn--e1aybc.example.org" {
		t.Errorf("ToASCII domain conversion: %q, %v", got, err)
	}

	if _, err := ToASCII("тест@example.org"); err != ErrUnicodeMailbox {
		t.Errorf("Unicode local-part not refused: %v", err)
	}
}

func TestSelectIDNA(t *testing.T) {
	got, err := SelectIDNA(true, "user@xn--e1aybc.example.org")
	if err != nil || got != "user@тест.example.org" {
		t.Errorf("SelectIDNA(utf8): %q, %v", got, err)
	}
	got, err = SelectIDNA(false, "user@тест.example.org")
	if err != nil || got != "user@xn--e1aybc.example.org" {
		t.Errorf("SelectIDNA(ascii): %q, %v", got, err)
	}
}

func TestIsASCII(t *testing.T) {
	if !IsASCII("plain@example.org") {
		t.Error("ASCII input misclassified")
	}
	if IsASCII("тест@example.org") {
		t.Error("Unicode input misclassified")
	}
}
