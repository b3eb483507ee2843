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

// Package dns provides the lookup interfaces used across the server: the
// swappable stub resolver, the caching Client on top of it and the
// DNSSEC-aware resolver needed for DANE.
package dns

import (
	"context"
	"net"
	"strings"
)

// Resolver is the subset of net.Resolver the server depends on. Tests
// substitute a mockdns.Resolver here.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) (names []string, err error)
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// DefaultResolver returns the process-wide stub resolver.
func DefaultResolver() Resolver {
	return net.DefaultResolver
}

// LookupAddr resolves the PTR name of the IP, returning the first name
// without the trailing dot. A missing record surfaces as the resolver's
// not-found error.
func LookupAddr(ctx context.Context, r Resolver, ip net.IP) (string, error) {
	names, err := r.LookupAddr(ctx, ip.String())
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", nil
	}
	return strings.TrimSuffix(names[0], "."), nil
}

// FQDN appends the root dot unless the name already carries it.
func FQDN(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
