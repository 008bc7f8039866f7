package keyvault

import (
	"errors"
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

// Purpose names what a cached secret is for. The set is closed.
type Purpose uint8

const (
	PurposeMaster Purpose = iota + 1
	PurposeSigning
	PurposeKeyAgreement
)

func (p Purpose) String() string {
	switch p {
	case PurposeMaster:
		return "master"
	case PurposeSigning:
		return "signing"
	case PurposeKeyAgreement:
		return "key_agreement"
	default:
		return "unknown"
	}
}

func (p Purpose) valid() bool {
	return p >= PurposeMaster && p <= PurposeKeyAgreement
}

// Slot addresses one cached secret.
type Slot struct {
	DID     string
	Purpose Purpose
}

var (
	ErrCacheMiss  = errors.New("keyvault: secret not cached")
	errBadPurpose = errors.New("keyvault: unknown purpose")
)

type cacheEntry struct {
	enclave  *memguard.Enclave
	lastUsed time.Time
}

// Cache holds unlocked secrets for a bounded time and count. Each secret is
// sealed in a memguard enclave; plaintext exists only inside Use.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time
	entries  map[Slot]*cacheEntry
	onChange func(entries int)
}

func NewCache(ttl time.Duration, capacity int, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	if capacity <= 0 {
		capacity = 16
	}
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		now:      now,
		entries:  make(map[Slot]*cacheEntry),
	}
}

// Put stores secret under slot and wipes the caller's copy.
func (c *Cache) Put(slot Slot, secret []byte) error {
	if !slot.Purpose.valid() {
		wipe(secret)
		return errBadPurpose
	}
	enclave := memguard.NewEnclave(secret)
	if enclave == nil {
		return errors.New("keyvault: empty secret")
	}
	c.putEnclave(slot, enclave)
	return nil
}

func (c *Cache) putEnclave(slot Slot, enclave *memguard.Enclave) {
	c.mu.Lock()
	now := c.now()
	c.entries[slot] = &cacheEntry{enclave: enclave, lastUsed: now}
	for len(c.entries) > c.capacity {
		c.evictOldestLocked()
	}
	n := len(c.entries)
	c.mu.Unlock()
	c.notify(n)
}

// Use opens the secret in slot for fn and slides its TTL. Expired entries
// are dropped and reported as ErrCacheMiss.
func (c *Cache) Use(slot Slot, fn func(secret []byte) error) error {
	enclave, ok := c.touch(slot, true)
	if !ok {
		return ErrCacheMiss
	}
	buf, err := enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Has reports whether slot holds a live secret without sliding its TTL.
func (c *Cache) Has(slot Slot) bool {
	_, ok := c.touch(slot, false)
	return ok
}

func (c *Cache) touch(slot Slot, slide bool) (*memguard.Enclave, bool) {
	c.mu.Lock()
	entry, ok := c.entries[slot]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	now := c.now()
	if c.ttl > 0 && now.Sub(entry.lastUsed) >= c.ttl {
		delete(c.entries, slot)
		n := len(c.entries)
		c.mu.Unlock()
		c.notify(n)
		return nil, false
	}
	if slide {
		entry.lastUsed = now
	}
	c.mu.Unlock()
	return entry.enclave, true
}

func (c *Cache) Evict(slot Slot) {
	c.mu.Lock()
	delete(c.entries, slot)
	n := len(c.entries)
	c.mu.Unlock()
	c.notify(n)
}

// EvictDID drops every secret cached for did.
func (c *Cache) EvictDID(did string) {
	c.mu.Lock()
	for slot := range c.entries {
		if slot.DID == did {
			delete(c.entries, slot)
		}
	}
	n := len(c.entries)
	c.mu.Unlock()
	c.notify(n)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
	c.notify(0)
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	now := c.now()
	removed := 0
	for slot, entry := range c.entries {
		if now.Sub(entry.lastUsed) >= c.ttl {
			delete(c.entries, slot)
			removed++
		}
	}
	n := len(c.entries)
	c.mu.Unlock()
	if removed > 0 {
		c.notify(n)
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOldestLocked() {
	var (
		oldest     Slot
		oldestTime time.Time
		found      bool
	)
	for slot, entry := range c.entries {
		if slot.Purpose == PurposeMaster {
			continue
		}
		if !found || entry.lastUsed.Before(oldestTime) {
			oldest, oldestTime, found = slot, entry.lastUsed, true
		}
	}
	if !found {
		for slot := range c.entries {
			oldest = slot
			break
		}
	}
	delete(c.entries, oldest)
}

func (c *Cache) notify(n int) {
	if c.onChange != nil {
		c.onChange(n)
	}
}
