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

// Package proxy_protocol lets listeners behind a load balancer recover the
// real client address from the HAProxy PROXY protocol header.
package proxy_protocol

import (
	"net"
	"net/netip"

	proxyprotocol "github.com/c0va23/go-proxyprotocol"
	"github.com/foxcpp/relayd/framework/log"
)

// ProxyProtocol decides which upstreams are allowed to assert a client
// address via the PROXY header.
type ProxyProtocol struct {
	trusted []netip.Prefix
}

// New builds the policy from a list of IPs and CIDR prefixes. With an empty
// list every upstream is trusted, which is only sane when the listener is
// not reachable directly.
func New(trust []string) (*ProxyProtocol, error) {
	p := &ProxyProtocol{}
	for _, entry := range trust {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			addr, addrErr := netip.ParseAddr(entry)
			if addrErr != nil {
				return nil, err
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		p.trusted = append(p.trusted, prefix.Masked())
	}
	return p, nil
}

func (p *ProxyProtocol) allowed(upstream net.Addr) bool {
	switch addr := upstream.(type) {
	case *net.UnixAddr:
		// Local socket peers are always trusted.
		return true
	case *net.TCPAddr:
		if len(p.trusted) == 0 {
			return true
		}
		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			return false
		}
		ip = ip.Unmap()
		for _, prefix := range p.trusted {
			if prefix.Contains(ip) {
				return true
			}
		}
	}
	return false
}

// NewListener wraps the listener with the PROXY header parsing, rejecting
// headers asserted by untrusted upstreams.
func NewListener(inner net.Listener, p *ProxyProtocol, logger log.Logger) net.Listener {
	return proxyprotocol.NewDefaultListener(inner).
		WithLogger(proxyprotocol.LoggerFunc(func(format string, args ...interface{}) {
			logger.Debugf("proxy_protocol: "+format, args...)
		})).
		WithSourceChecker(func(upstream net.Addr) (bool, error) {
			if p.allowed(upstream) {
				return true, nil
			}
			logger.Msg("PROXY header from an untrusted upstream ignored", "upstream", upstream.String())
			return false, nil
		})
}
