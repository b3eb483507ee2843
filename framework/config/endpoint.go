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

package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

// Endpoint is a parsed listener address. Supported forms:
//
//	tcp://host:port   plain TCP
//	tls://host:port   implicit TLS
//	unix://path       UNIX socket, relative paths resolve under
//	                  RuntimeDirectory
//
// The "scheme:rest" spelling without the slashes is accepted too.
type Endpoint struct {
	Original string
	Scheme   string
	Host     string
	Port     string
	Path     string
}

func ParseEndpoint(input string) (Endpoint, error) {
	scheme, rest, ok := strings.Cut(input, ":")
	if !ok || rest == "" {
		return Endpoint{}, fmt.Errorf("config: malformed endpoint: %q", input)
	}
	rest = strings.TrimPrefix(rest, "//")

	endp := Endpoint{Original: input, Scheme: scheme}

	switch scheme {
	case "tcp", "tls":
		host, port, err := net.SplitHostPort(rest)
		if err != nil {
			return Endpoint{}, fmt.Errorf("config: endpoint %q: %w", input, err)
		}
		if port == "" {
			return Endpoint{}, fmt.Errorf("config: endpoint %q: port is required", input)
		}
		endp.Host, endp.Port = host, port
	case "unix":
		if !filepath.IsAbs(rest) {
			rest = filepath.Join(RuntimeDirectory, rest)
		}
		endp.Path = rest
	default:
		return Endpoint{}, fmt.Errorf("config: unsupported endpoint scheme: %q", scheme)
	}

	return endp, nil
}

// Network returns the value for net.Listen.
func (e Endpoint) Network() string {
	if e.Scheme == "unix" {
		return "unix"
	}
	return "tcp"
}

// Address returns the dial/bind address for net.Listen.
func (e Endpoint) Address() string {
	if e.Scheme == "unix" {
		return e.Path
	}
	return net.JoinHostPort(e.Host, e.Port)
}

// IsTLS reports whether the endpoint wants implicit TLS.
func (e Endpoint) IsTLS() bool {
	return e.Scheme == "tls"
}

func (e Endpoint) String() string {
	return e.Original
}
