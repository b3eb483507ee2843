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

// Package address implements the bits of e-mail address handling the server
// needs: splitting a path into its parts and converting the domain part
// between its Unicode and Punycode representations (RFC 6531 / RFC 5890).
package address

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// ErrUnicodeMailbox reports a local-part that cannot be downgraded: unlike
// domains, there is no ASCII-compatible encoding for mailbox names.
var ErrUnicodeMailbox = errors.New("address: no ACE form exists for a Unicode local-part")

// Split separates the forward-path into the mailbox and the domain.
//
// The bare "postmaster" path (RFC 5321 Section 4.1.1.3) is legal without a
// domain and is returned with domain == "". Everything else must contain
// both parts around the last at-sign.
func Split(addr string) (mailbox, domain string, err error) {
	if strings.EqualFold(addr, "postmaster") {
		return addr, "", nil
	}

	at := strings.LastIndexByte(addr, '@')
	switch {
	case at < 0:
		return "", "", errors.New("address: missing at-sign")
	case at == 0:
		return "", "", errors.New("address: empty local-part")
	case at == len(addr)-1:
		return "", "", errors.New("address: empty domain")
	}
	return addr[:at], addr[at+1:], nil
}

// IsASCII reports whether the string is free of non-ASCII runes.
func IsASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// CleanDomain normalizes the domain part of the address to its canonical
// form: U-labels, NFC-normalized and lower-cased. The local-part is passed
// through untouched since its case may be significant for the receiver.
//
// On error the input address is returned alongside it.
func CleanDomain(addr string) (string, error) {
	mailbox, domain, err := Split(addr)
	if err != nil {
		return addr, err
	}
	if domain == "" {
		return mailbox, nil
	}

	unicodeDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return addr, err
	}
	return mailbox + "@" + strings.ToLower(norm.NFC.String(unicodeDomain)), nil
}

// ToASCII rewrites the address with the domain in A-labels form, for peers
// that do not announce SMTPUTF8. A non-ASCII local-part makes the
// conversion impossible and yields ErrUnicodeMailbox.
func ToASCII(addr string) (string, error) {
	mailbox, domain, err := Split(addr)
	if err != nil {
		return addr, err
	}
	if !IsASCII(mailbox) {
		return addr, ErrUnicodeMailbox
	}
	if domain == "" {
		return mailbox, nil
	}

	aceDomain, err := idna.ToASCII(domain)
	if err != nil {
		return addr, err
	}
	return mailbox + "@" + aceDomain, nil
}

// ToUnicode rewrites the address with the domain in U-labels form.
func ToUnicode(addr string) (string, error) {
	mailbox, domain, err := Split(addr)
	if err != nil {
		return norm.NFC.String(addr), err
	}
	if domain == "" {
		return mailbox, nil
	}

	unicodeDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return norm.NFC.String(addr), err
	}
	return mailbox + "@" + norm.NFC.String(unicodeDomain), nil
}

// SelectIDNA picks the representation matching the negotiated transport:
// U-labels when SMTPUTF8 is in effect, A-labels otherwise.
func SelectIDNA(utf8Transport bool, addr string) (string, error) {
	if utf8Transport {
		return ToUnicode(addr)
	}
	return ToASCII(addr)
}
