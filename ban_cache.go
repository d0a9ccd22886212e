package main

import (
	"context"
	"sync"
	"time"
)

// banCacheEntry is a cached ban verdict with its own expiry, independent of
// the underlying ban's expires_at: this TTL only bounds how stale the cache
// itself may be, not how long the ban lasts.
type banCacheEntry struct {
	result   BanLookupResult
	cachedAt time.Time
}

func (e banCacheEntry) fresh(ttl time.Duration, now time.Time) bool {
	return now.Sub(e.cachedAt) < ttl
}

// userAddrKey identifies a login-time ban lookup.
type userAddrKey struct {
	user, address string
}

// BanCache fronts (C2)'s ban lookups with a short TTL cache (spec §4.3),
// keyed separately for the two checkpoints invariant I6 names: an
// address-only check at TCP-accept time, and a (user, address) check at
// LOGIN. Deny-by-ban, allow-by-default: a cache miss always falls through to
// the store, and only a confirmed "not banned" store answer is cached as
// such.
type BanCache struct {
	bus *CommandBus
	ttl time.Duration

	mu     sync.Mutex
	byAddr map[string]banCacheEntry
	byUser map[userAddrKey]banCacheEntry
}

func NewBanCache(bus *CommandBus, ttl time.Duration) *BanCache {
	return &BanCache{
		bus:    bus,
		ttl:    ttl,
		byAddr: make(map[string]banCacheEntry),
		byUser: make(map[userAddrKey]banCacheEntry),
	}
}

// CheckAddress is the TCP-accept-time guard: an address-only ban check
// against the api_ban table, never touching the (user, address) ban table.
func (c *BanCache) CheckAddress(ctx context.Context, ip string) (BanLookupResult, error) {
	now := time.Now()

	c.mu.Lock()
	if entry, ok := c.byAddr[ip]; ok && entry.fresh(c.ttl, now) {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result, err := c.bus.Submit(ctx, IsAddressBannedCmd{IP: ip})
	if err != nil {
		return BanLookupResult{}, err
	}
	verdict := result.(BanLookupResult)

	c.mu.Lock()
	c.byAddr[ip] = banCacheEntry{result: verdict, cachedAt: now}
	c.mu.Unlock()
	return verdict, nil
}

// CheckLogin is the LOGIN-time guard: a (user, address) ban check.
func (c *BanCache) CheckLogin(ctx context.Context, user, address string) (BanLookupResult, error) {
	key := userAddrKey{user: user, address: address}
	now := time.Now()

	c.mu.Lock()
	if entry, ok := c.byUser[key]; ok && entry.fresh(c.ttl, now) {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result, err := c.bus.Submit(ctx, IsUserAndAddressBannedCmd{User: user, Address: address})
	if err != nil {
		return BanLookupResult{}, err
	}
	verdict := result.(BanLookupResult)

	c.mu.Lock()
	c.byUser[key] = banCacheEntry{result: verdict, cachedAt: now}
	c.mu.Unlock()
	return verdict, nil
}

// InvalidateAddress drops any cached verdict for ip, e.g. right after this
// process itself creates a new ban against it, so the next accept sees the
// fresh answer instead of a stale "not banned" cached moments earlier.
func (c *BanCache) InvalidateAddress(ip string) {
	c.mu.Lock()
	delete(c.byAddr, ip)
	c.mu.Unlock()
}

// InvalidateLogin drops any cached verdict for (user, address).
func (c *BanCache) InvalidateLogin(user, address string) {
	c.mu.Lock()
	delete(c.byUser, userAddrKey{user: user, address: address})
	c.mu.Unlock()
}
