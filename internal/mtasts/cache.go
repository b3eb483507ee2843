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

// Package mtasts wraps the go-mtasts policy cache with the background
// refresh used by the MX resolver.
package mtasts

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/foxcpp/go-mtasts"
	"github.com/foxcpp/relayd/framework/dns"
	"github.com/foxcpp/relayd/framework/log"
)

// Cache is a caching MTA-STS policy source. It implements mx.STSSource.
type Cache struct {
	cache *mtasts.Cache

	// RefreshInterval between the background refresh passes. 12 hours if
	// zero.
	RefreshInterval time.Duration

	refreshCtx  context.Context
	refreshStop context.CancelFunc
	refreshWG   sync.WaitGroup

	Log log.Logger
}

// NewFSCache creates the cache with policies stored in the directory.
func NewFSCache(dir string, resolver dns.Resolver) (*Cache, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}
	inner := mtasts.NewFSCache(dir)
	inner.Resolver = resolver
	return &Cache{
		cache: inner,
		Log:   log.Logger{Name: "mtasts"},
	}, nil
}

// NewRAMCache creates a memory-only cache, used in tests.
func NewRAMCache(resolver dns.Resolver) *Cache {
	inner := mtasts.NewRAMCache()
	inner.Resolver = resolver
	return &Cache{
		cache: inner,
		Log:   log.Logger{Name: "mtasts"},
	}
}

// Get returns the cached or freshly fetched policy of the domain. Absent
// policy is returned as (nil, nil).
func (c *Cache) Get(ctx context.Context, domain string) (*mtasts.Policy, error) {
	policy, err := c.cache.Get(ctx, domain)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return policy, nil
}

// StartUpdater spawns the goroutine that re-fetches expiring policies, once
// right away (the process may have been stopped past some max_age) and then
// on every RefreshInterval tick. Close stops it.
func (c *Cache) StartUpdater() {
	interval := c.RefreshInterval
	if interval == 0 {
		interval = 12 * time.Hour
	}

	c.refreshCtx, c.refreshStop = context.WithCancel(context.Background())
	c.refreshWG.Add(1)

	go func() {
		defer c.refreshWG.Done()

		c.refresh()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.refresh()
			case <-c.refreshCtx.Done():
				return
			}
		}
	}()
}

func (c *Cache) refresh() {
	start := time.Now()
	if err := c.cache.Refresh(); err != nil {
		c.Log.Error("policy refresh failed", err)
		return
	}
	c.Log.DebugMsg("policy refresh done", "took", time.Since(start))
}

// Close stops the background refresh, waiting for an in-flight pass to
// finish. Safe to call without StartUpdater and more than once.
func (c *Cache) Close() error {
	if c.refreshStop == nil {
		return nil
	}
	c.refreshStop()
	c.refreshWG.Wait()
	c.refreshStop = nil
	return nil
}
