// Package synccache buffers state reports received while a peer's database
// sync is in progress so they can be reconciled in one pass once the sync
// completes.
package synccache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/pce-controller/internal/pcep"
)

// ErrNotInitialized indicates Append was called for a peer with no open
// buffer: Begin was never called, or the buffer was already drained.
var ErrNotInitialized = errors.New("sync report cache not initialized")

// Cache holds one ordered report buffer per peer.
type Cache struct {
	mu      sync.RWMutex
	buffers map[pcep.PeerID][]pcep.StateReport

	appended  int64
	drained   int64
	discarded int64
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Open      int
	Appended  int64
	Drained   int64
	Discarded int64
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{buffers: make(map[pcep.PeerID][]pcep.StateReport)}
}

// Begin opens an empty buffer for peer. An existing unconsumed buffer is
// replaced; the superseded reports are counted as discarded.
func (c *Cache) Begin(peer pcep.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.buffers[peer]; ok {
		c.discarded += int64(len(old))
	}
	c.buffers[peer] = make([]pcep.StateReport, 0)
}

// Append adds report to the end of peer's buffer.
func (c *Cache) Append(peer pcep.PeerID, report pcep.StateReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[peer]
	if !ok {
		return fmt.Errorf("%w: peer %q", ErrNotInitialized, peer)
	}
	c.buffers[peer] = append(buf, report)
	c.appended++
	return nil
}

// Drain returns peer's buffered reports in arrival order and removes the
// buffer. Draining a peer with no buffer returns an empty slice.
func (c *Cache) Drain(peer pcep.PeerID) []pcep.StateReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[peer]
	if !ok {
		return []pcep.StateReport{}
	}
	delete(c.buffers, peer)
	c.drained += int64(len(buf))
	return buf
}

// Discard drops peer's buffer without delivering it, e.g. on disconnect.
// It returns the number of reports dropped.
func (c *Cache) Discard(peer pcep.PeerID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[peer]
	if !ok {
		return 0
	}
	delete(c.buffers, peer)
	c.discarded += int64(len(buf))
	return len(buf)
}

// Len reports how many reports are buffered for peer and whether a buffer
// is open at all.
func (c *Cache) Len(peer pcep.PeerID) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	buf, ok := c.buffers[peer]
	return len(buf), ok
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Open:      len(c.buffers),
		Appended:  c.appended,
		Drained:   c.drained,
		Discarded: c.discarded,
	}
}
