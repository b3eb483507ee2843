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

package dns

import (
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// SelectIDNA renders the domain in the form matching the transport:
// NFC-normalized U-labels when SMTPUTF8 applies, A-labels otherwise.
// Trace headers and DSN fields go through this before being emitted.
func SelectIDNA(utf8Transport bool, domain string) (string, error) {
	if utf8Transport {
		unicodeDomain, err := idna.ToUnicode(domain)
		return norm.NFC.String(unicodeDomain), err
	}
	return idna.ToASCII(domain)
}
