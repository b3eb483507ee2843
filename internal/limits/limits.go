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

// Package limits provides the objects that restrict the resources consumed
// by the server: message flow limits (Group) and the per-IP connection
// tracker with the DoS controls (Tracker).
//
// Note, all domain inputs are interpreted with the assumption they are
// already normalized.
//
// Low-level components are available in the limiters/ subpackage.
package limits

import (
	"context"
	"net"
	"time"

	"github.com/foxcpp/relayd/internal/limits/limiters"
)

// GroupConfig bounds the message flow globally and on per-IP,
// per-source-domain and per-destination-domain basis. Zero values disable
// the corresponding limit.
type GroupConfig struct {
	GlobalRate        int
	GlobalRatePeriod  time.Duration
	GlobalConcurrency int

	PerIPRate        int
	PerIPRatePeriod  time.Duration
	PerIPConcurrency int

	PerSourceRate        int
	PerSourceRatePeriod  time.Duration
	PerSourceConcurrency int

	PerDestConcurrency int
}

type Group struct {
	global limiters.MultiLimit
	ip     *limiters.BucketSet
	source *limiters.BucketSet
	dest   *limiters.BucketSet
}

func ratePeriod(p time.Duration) time.Duration {
	if p == 0 {
		return 1 * time.Second
	}
	return p
}

// NewGroup constructs the limiter set from the configuration snapshot.
func NewGroup(cfg GroupConfig) *Group {
	g := &Group{}

	var globalL []limiters.L
	if cfg.GlobalRate != 0 {
		globalL = append(globalL, limiters.NewRate(cfg.GlobalRate, ratePeriod(cfg.GlobalRatePeriod)))
	}
	if cfg.GlobalConcurrency != 0 {
		globalL = append(globalL, limiters.NewSemaphore(cfg.GlobalConcurrency))
	}
	g.global = limiters.MultiLimit{Wrapped: globalL}

	// 20010 is slightly higher than the default max. recipients count in
	// endpoint/smtp.
	if cfg.PerIPRate != 0 || cfg.PerIPConcurrency != 0 {
		g.ip = limiters.NewBucketSet(func() limiters.L {
			var l []limiters.L
			if cfg.PerIPRate != 0 {
				l = append(l, limiters.NewRate(cfg.PerIPRate, ratePeriod(cfg.PerIPRatePeriod)))
			}
			if cfg.PerIPConcurrency != 0 {
				l = append(l, limiters.NewSemaphore(cfg.PerIPConcurrency))
			}
			return &limiters.MultiLimit{Wrapped: l}
		}, 1*time.Minute, 20010)
	}
	if cfg.PerSourceRate != 0 || cfg.PerSourceConcurrency != 0 {
		g.source = limiters.NewBucketSet(func() limiters.L {
			var l []limiters.L
			if cfg.PerSourceRate != 0 {
				l = append(l, limiters.NewRate(cfg.PerSourceRate, ratePeriod(cfg.PerSourceRatePeriod)))
			}
			if cfg.PerSourceConcurrency != 0 {
				l = append(l, limiters.NewSemaphore(cfg.PerSourceConcurrency))
			}
			return &limiters.MultiLimit{Wrapped: l}
		}, 1*time.Minute, 20010)
	}
	if cfg.PerDestConcurrency != 0 {
		g.dest = limiters.NewBucketSet(func() limiters.L {
			return &limiters.MultiLimit{Wrapped: []limiters.L{
				limiters.NewSemaphore(cfg.PerDestConcurrency),
			}}
		}, 1*time.Minute, 20010)
	}

	return g
}

func (g *Group) TakeMsg(ctx context.Context, addr net.IP, sourceDomain string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := g.global.TakeContext(ctx); err != nil {
		return err
	}

	if g.ip != nil {
		if err := g.ip.TakeContext(ctx, addr.String()); err != nil {
			g.global.Release()
			return err
		}
	}
	if g.source != nil {
		if err := g.source.TakeContext(ctx, sourceDomain); err != nil {
			g.global.Release()
			if g.ip != nil {
				g.ip.Release(addr.String())
			}
			return err
		}
	}
	return nil
}

func (g *Group) TakeDest(ctx context.Context, domain string) error {
	if g.dest == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return g.dest.TakeContext(ctx, domain)
}

func (g *Group) ReleaseMsg(addr net.IP, sourceDomain string) {
	g.global.Release()
	if g.ip != nil {
		g.ip.Release(addr.String())
	}
	if g.source != nil {
		g.source.Release(sourceDomain)
	}
}

func (g *Group) ReleaseDest(domain string) {
	if g.dest == nil {
		return
	}
	g.dest.Release(domain)
}

func (g *Group) Close() {
	g.global.Close()
	for _, set := range []*limiters.BucketSet{g.ip, g.source, g.dest} {
		if set != nil {
			set.Close()
		}
	}
}
