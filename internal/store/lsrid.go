package store

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// LsrIDIndex maps LSR identifiers to device ids. It is a per-instance
// lookup cache, never shared through the substrate; entries can always be
// rebuilt from the session table.
type LsrIDIndex struct {
	cache *ttlcache.Cache[string, DeviceID]
	ttl   time.Duration
}

// NewLsrIDIndex builds an index whose entries expire after ttl. A zero ttl
// keeps entries until removed.
func NewLsrIDIndex(ttl time.Duration) *LsrIDIndex {
	opts := []ttlcache.Option[string, DeviceID]{
		ttlcache.WithDisableTouchOnHit[string, DeviceID](),
	}
	if ttl > 0 {
		opts = append(opts, ttlcache.WithTTL[string, DeviceID](ttl))
	}
	idx := &LsrIDIndex{cache: ttlcache.New(opts...), ttl: ttl}
	if ttl > 0 {
		go idx.cache.Start()
	}
	return idx
}

// Add maps lsrID to dev.
func (i *LsrIDIndex) Add(lsrID string, dev DeviceID) error {
	if lsrID == "" || dev == "" {
		return invalid("lsr id and device id are required")
	}
	i.cache.Set(lsrID, dev, ttlcache.DefaultTTL)
	return nil
}

// Lookup returns the device for lsrID.
func (i *LsrIDIndex) Lookup(lsrID string) (DeviceID, bool) {
	item := i.cache.Get(lsrID)
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

// Remove drops lsrID and reports whether it was present.
func (i *LsrIDIndex) Remove(lsrID string) bool {
	_, ok := i.cache.GetAndDelete(lsrID)
	return ok
}

// Len counts live entries.
func (i *LsrIDIndex) Len() int {
	return i.cache.Len()
}

// Rebuild replaces the whole index with entries.
func (i *LsrIDIndex) Rebuild(entries map[string]DeviceID) {
	i.cache.DeleteAll()
	for lsrID, dev := range entries {
		if lsrID == "" || dev == "" {
			continue
		}
		i.cache.Set(lsrID, dev, ttlcache.DefaultTTL)
	}
}

// Close stops the expiry loop.
func (i *LsrIDIndex) Close() {
	if i.ttl > 0 {
		i.cache.Stop()
	}
}
