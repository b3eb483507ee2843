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

package mx

import (
	"context"
	"strings"

	"github.com/foxcpp/go-mtasts"
	"github.com/foxcpp/relayd/framework/dns"
	"github.com/foxcpp/relayd/framework/exterrors"
	"github.com/foxcpp/relayd/framework/log"
)

// STSSource fetches the MTA-STS policy for a domain, nil result means no
// policy is published.
type STSSource interface {
	Get(ctx context.Context, domain string) (*mtasts.Policy, error)
}

// Resolver composes the DNS client, the TLSA discovery and the MTA-STS
// source into the secure MX view of a recipient domain.
type Resolver struct {
	DNS *dns.Client
	STS STSSource

	Log log.Logger
}

// ResolveSecure returns the MX list of the domain, each entry tagged with
// the applicable transport security policy.
//
// DANE takes precedence: if at least one MX of the domain publishes a usable
// TLSA RRset, MTA-STS is not consulted at all (RFC 8461 Section 2). Hosts
// without TLSA records in a DANE-dominant domain fall back to opportunistic
// TLS individually.
func (r *Resolver) ResolveSecure(ctx context.Context, domain string) ([]SecureMX, error) {
	records, err := r.DNS.MX(ctx, domain)
	if err != nil {
		reason, misc := exterrors.UnwrapDNSErr(err)
		return nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(err, 451, 554),
			EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 4, 4}),
			Message:      "MX lookup error",
			TargetName:   "mx",
			Reason:       reason,
			Err:          err,
			Misc:         misc,
		}
	}
	if len(records) == 0 {
		return nil, nil
	}

	list := make([]SecureMX, 0, len(records))
	for _, rec := range records {
		list = append(list, SecureMX{
			Host: strings.TrimSuffix(rec.Host, "."),
			Prio: rec.Pref,
		})
	}

	daneDominant := false
	tlsaSets := make([][]dns.TLSA, len(list))
	for i, entry := range list {
		recs, err := r.DNS.TLSA(ctx, entry.Host)
		if err != nil {
			// Lookup error may also indicate a bogus DNSSEC signature.
			// Assume DANE failure as a safety measure, marked temporary
			// so the message stays queued.
			return nil, exterrors.WithTemporary(err, true)
		}
		recs = usableTLSA(recs)
		if len(recs) != 0 {
			tlsaSets[i] = recs
			daneDominant = true
		}
	}

	if daneDominant {
		for i := range list {
			if len(tlsaSets[i]) != 0 {
				list[i].Policy = SecurityPolicy{Kind: DANE, MX: list[i].Host, TLSA: tlsaSets[i]}
			} else {
				list[i].Policy = SecurityPolicy{Kind: Opportunistic, MX: list[i].Host}
			}
		}
		return list, nil
	}

	policy, err := r.stsPolicy(ctx, domain)
	if err != nil {
		r.Log.Error("MTA-STS fetch failed, assuming no policy", err, "domain", domain)
		policy = nil
	}
	if policy != nil {
		matched := make([]SecureMX, 0, len(list))
		for _, entry := range list {
			if !policy.Match(entry.Host) {
				r.Log.Msg("MX does not match the MTA-STS policy, skipping",
					"mx", entry.Host, "domain", domain, "sts_mode", policy.Mode)
				continue
			}
			entry.Policy = SecurityPolicy{Kind: MTASTS, MX: entry.Host, Mode: policy.Mode}
			matched = append(matched, entry)
		}
		if len(matched) != 0 {
			return matched, nil
		}
		// No MX matched the policy - fall through to the opportunistic
		// handling instead of making the domain undeliverable.
		r.Log.Msg("no MX matches the MTA-STS policy, falling back", "domain", domain)
	}

	for i := range list {
		list[i].Policy = SecurityPolicy{Kind: Opportunistic, MX: list[i].Host}
	}
	return list, nil
}

func (r *Resolver) stsPolicy(ctx context.Context, domain string) (*mtasts.Policy, error) {
	if r.STS == nil {
		return nil, nil
	}
	policy, err := r.STS.Get(ctx, domain)
	if err != nil {
		return nil, err
	}
	if policy == nil || policy.Mode == mtasts.ModeNone {
		return nil, nil
	}
	// A policy without a mode or without a single mx pattern is not usable.
	if len(policy.MX) == 0 {
		return nil, nil
	}
	return policy, nil
}

// usableTLSA drops the records with enum values we cannot process. Unusable
// records do not downgrade the policy, see RFC 7672 Section 2.1.1.
func usableTLSA(recs []dns.TLSA) []dns.TLSA {
	usable := make([]dns.TLSA, 0, len(recs))
	for _, rec := range recs {
		switch rec.MatchingType {
		case 0, 1, 2:
		default:
			continue
		}
		switch rec.Selector {
		case 0, 1:
		default:
			continue
		}
		switch rec.Usage {
		case 0, 1, 2, 3:
		default:
			continue
		}
		usable = append(usable, rec)
	}
	return usable
}
