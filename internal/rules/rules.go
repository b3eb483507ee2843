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

// Package rules implements the pattern-based session policies: the IP
// blocklist, blackhole rules, proxy rules and bot sender authorization.
package rules

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/foxcpp/relayd/framework/config"
)

// Set bundles the compiled rule engines built from one configuration
// snapshot.
type Set struct {
	Blocklist *Blocklist
	Blackhole *Blackhole
	Proxy     *Proxy
	Bots      *Bots
}

func NewSet(cfg config.Rules) (*Set, error) {
	blocklist, err := NewBlocklist(cfg.Blocklist)
	if err != nil {
		return nil, err
	}
	blackhole, err := NewBlackhole(cfg.Blackhole)
	if err != nil {
		return nil, err
	}
	proxy, err := NewProxy(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	bots, err := NewBots(cfg.Bots)
	if err != nil {
		return nil, err
	}
	return &Set{Blocklist: blocklist, Blackhole: blackhole, Proxy: proxy, Bots: bots}, nil
}

// parsePrefixes converts the mixed list of plain IPs and CIDR prefixes into
// netip prefixes. IPv6 entries are handled identically to IPv4 ones.
func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("rules: invalid CIDR entry %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("rules: invalid IP entry %q: %w", entry, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func prefixesContain(prefixes []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Blocklist denies connections at accept time.
type Blocklist struct {
	enabled  bool
	prefixes []netip.Prefix
}

func NewBlocklist(cfg config.BlocklistConfig) (*Blocklist, error) {
	prefixes, err := parsePrefixes(cfg.Entries)
	if err != nil {
		return nil, err
	}
	return &Blocklist{enabled: cfg.Enabled, prefixes: prefixes}, nil
}

func (b *Blocklist) Match(addr netip.Addr) bool {
	if b == nil || !b.enabled {
		return false
	}
	return prefixesContain(b.prefixes, addr)
}

// Facts is the view of the session state the pattern rules match against.
// Empty rule fields always match.
type Facts struct {
	IP    string
	EHLO  string
	Mail  string
	Rcpts []string
}

type patternRule struct {
	ip   *regexp.Regexp
	ehlo *regexp.Regexp
	mail *regexp.Regexp
	rcpt *regexp.Regexp
}

func compilePattern(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile(expr)
}

func compilePatternRule(ip, ehlo, mail, rcpt string) (patternRule, error) {
	var (
		rule patternRule
		err  error
	)
	if rule.ip, err = compilePattern(ip); err != nil {
		return rule, err
	}
	if rule.ehlo, err = compilePattern(ehlo); err != nil {
		return rule, err
	}
	if rule.mail, err = compilePattern(mail); err != nil {
		return rule, err
	}
	rule.rcpt, err = compilePattern(rcpt)
	return rule, err
}

func (r patternRule) match(f Facts) bool {
	if r.ip != nil && !r.ip.MatchString(f.IP) {
		return false
	}
	if r.ehlo != nil && !r.ehlo.MatchString(f.EHLO) {
		return false
	}
	if r.mail != nil && !r.mail.MatchString(f.Mail) {
		return false
	}
	if r.rcpt != nil {
		matched := false
		for _, rcpt := range f.Rcpts {
			if r.rcpt.MatchString(rcpt) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Blackhole silently accepts and discards matching sessions.
type Blackhole struct {
	enabled bool
	rules   []patternRule
}

func NewBlackhole(cfg config.BlackholeConfig) (*Blackhole, error) {
	b := &Blackhole{enabled: cfg.Enabled}
	for _, rc := range cfg.Rules {
		rule, err := compilePatternRule(rc.IP, rc.EHLO, rc.Mail, rc.Rcpt)
		if err != nil {
			return nil, fmt.Errorf("rules: blackhole: %w", err)
		}
		b.rules = append(b.rules, rule)
	}
	return b, nil
}

func (b *Blackhole) Match(f Facts) bool {
	if b == nil || !b.enabled {
		return false
	}
	for _, rule := range b.rules {
		if rule.match(f) {
			return true
		}
	}
	return false
}

// Proxy turns matching sessions into tunnels to a configured upstream.
type Proxy struct {
	enabled bool
	rules   []patternRule
	targets []config.ProxyRule
}

func NewProxy(cfg config.ProxyConfig) (*Proxy, error) {
	p := &Proxy{enabled: cfg.Enabled}
	for _, rc := range cfg.Rules {
		rule, err := compilePatternRule(rc.IP, rc.EHLO, rc.Mail, rc.Rcpt)
		if err != nil {
			return nil, fmt.Errorf("rules: proxy: %w", err)
		}
		p.rules = append(p.rules, rule)
		p.targets = append(p.targets, rc)
	}
	return p, nil
}

// Match returns the first matching rule, nil if none matches.
func (p *Proxy) Match(f Facts) *config.ProxyRule {
	if p == nil || !p.enabled {
		return nil
	}
	for i, rule := range p.rules {
		if rule.match(f) {
			return &p.targets[i]
		}
	}
	return nil
}

type botRule struct {
	pattern  *regexp.Regexp
	prefixes []netip.Prefix
	tokens   map[string]struct{}
	name     string
}

// Bots authorizes automated senders by recipient address pattern: the
// client must connect from an allowed IP or present an allowed token in the
// local+token@domain form of the recipient.
type Bots struct {
	rules []botRule
}

func NewBots(cfg config.BotsConfig) (*Bots, error) {
	b := &Bots{}
	for _, rc := range cfg.Bots {
		pattern, err := compilePattern(rc.AddressPattern)
		if err != nil {
			return nil, fmt.Errorf("rules: bots: %w", err)
		}
		prefixes, err := parsePrefixes(rc.AllowedIPs)
		if err != nil {
			return nil, fmt.Errorf("rules: bots: %w", err)
		}
		tokens := make(map[string]struct{}, len(rc.AllowedTokens))
		for _, token := range rc.AllowedTokens {
			tokens[token] = struct{}{}
		}
		b.rules = append(b.rules, botRule{
			pattern:  pattern,
			prefixes: prefixes,
			tokens:   tokens,
			name:     rc.BotName,
		})
	}
	return b, nil
}

// ExtractToken returns the +token part of the address local-part, "" if
// there is none.
func ExtractToken(addr string) string {
	local, _, ok := strings.Cut(addr, "@")
	if !ok {
		local = addr
	}
	_, token, ok := strings.Cut(local, "+")
	if !ok {
		return ""
	}
	return token
}

// Authorize checks whether delivery to rcpt is permitted from the client.
// matched=false means no bot rule covers the recipient and the regular
// policy applies.
func (b *Bots) Authorize(rcpt string, addr netip.Addr) (allowed bool, botName string, matched bool) {
	if b == nil {
		return false, "", false
	}
	for _, rule := range b.rules {
		if rule.pattern == nil || !rule.pattern.MatchString(rcpt) {
			continue
		}
		matched = true
		botName = rule.name
		if prefixesContain(rule.prefixes, addr) {
			return true, botName, true
		}
		if token := ExtractToken(rcpt); token != "" {
			if _, ok := rule.tokens[token]; ok {
				return true, botName, true
			}
		}
	}
	return false, botName, matched
}
