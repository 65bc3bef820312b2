// Package token implements the reference-counted identity and permissions
// token cache of spec §3/§4.1. Tokens are immutable once populated and
// shared by reference-counted handles; a token is freed only after every
// holder has dropped it (spec §8, invariant 2: token refcount exactness).
package token

import (
	"sync"

	"github.com/qeodomain/ddscored/internal/handle"
	"github.com/qeodomain/ddscored/internal/wire"
)

// numBuckets matches spec §3's "16-bucket hash keyed by handle" for
// IdentityData storage.
const numBuckets = 16

// Token is an immutable, reference-counted holder of either raw marshaled
// bytes or a structured DataHolder (spec §4.1).
type Token struct {
	mu      sync.Mutex
	nusers  int
	Class   string
	Bytes   []byte
	Holder  *wire.DataHolder
}

// NewFromHolder builds a Token wrapping a DataHolder, starting at zero
// references; the first Ref() call establishes the initial holder.
func NewFromHolder(h *wire.DataHolder) *Token {
	return &Token{Class: h.ClassID, Holder: h}
}

// NewFromBytes builds a Token wrapping raw marshaled bytes.
func NewFromBytes(class string, b []byte) *Token {
	return &Token{Class: class, Bytes: b}
}

// Ref increments the reference count and returns the new count.
func (t *Token) Ref() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nusers++
	return t.nusers
}

// Unref decrements the reference count and returns the new count. The
// caller must stop using t once Unref returns 0; a token carrying raw
// bytes simply drops its buffer reference, a token carrying a DataHolder
// drops its holder reference, matching the "buffer" vs. "DataHolder
// destructor" distinction in spec §4.1.
func (t *Token) Unref() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nusers > 0 {
		t.nusers--
	}
	n := t.nusers
	if n == 0 {
		t.Bytes = nil
		t.Holder = nil
	}
	return n
}

// NUsers returns the current reference count.
func (t *Token) NUsers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nusers
}

// IdentityData is the per-identity record of spec §3, stored in a
// 16-bucket hash keyed by handle.
type IdentityData struct {
	Handle            handle.Handle
	Plugins           [4]string // up to four applicable authentication plugin names
	IdentityCredential []byte
	IdentityToken     *Token
	PermissionsCredential []byte
	PermissionsToken  *Token
	nusers            int
	mu                sync.Mutex
}

func (d *IdentityData) Ref() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nusers++
	return d.nusers
}

func (d *IdentityData) Unref() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nusers > 0 {
		d.nusers--
	}
	return d.nusers
}

func (d *IdentityData) NUsers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nusers
}

// PermissionsData is the per-permissions-set record of spec §3.
type PermissionsData struct {
	Handle           handle.Handle
	Plugins          [3]string // up to three applicable permissions plugin names
	IdentityHandle   handle.Handle
	PermissionsCredential []byte
	PermissionsToken *Token
	nusers           int
	mu               sync.Mutex
}

func (d *PermissionsData) Ref() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nusers++
	return d.nusers
}

func (d *PermissionsData) Unref() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nusers > 0 {
		d.nusers--
	}
	return d.nusers
}

func (d *PermissionsData) NUsers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nusers
}

// IdentityCache is the 16-bucket hash of live IdentityData records, backed
// by a handle.Table for allocation.
type IdentityCache struct {
	handles *handle.Table
	mu      [numBuckets]sync.Mutex
	buckets [numBuckets]map[handle.Handle]*IdentityData
}

// NewIdentityCache creates an empty cache.
func NewIdentityCache() *IdentityCache {
	c := &IdentityCache{handles: handle.New(0)}
	for i := range c.buckets {
		c.buckets[i] = make(map[handle.Handle]*IdentityData)
	}
	return c
}

func bucketOf(h handle.Handle) int { return int(h) % numBuckets }

// Alloc allocates a new handle for d, stores it, and returns the handle.
func (c *IdentityCache) Alloc(d *IdentityData) (handle.Handle, error) {
	h, err := c.handles.Alloc(d)
	if err != nil {
		return 0, err
	}
	d.Handle = h
	b := bucketOf(h)
	c.mu[b].Lock()
	c.buckets[b][h] = d
	c.mu[b].Unlock()
	return h, nil
}

// Get returns the IdentityData for h, or nil if not present.
func (c *IdentityCache) Get(h handle.Handle) *IdentityData {
	b := bucketOf(h)
	c.mu[b].Lock()
	defer c.mu[b].Unlock()
	return c.buckets[b][h]
}

// Release frees h from the cache and the handle table. Safe to call even
// if other code still holds IdentityData pointers; those become orphaned
// once their own Unref reaches zero.
func (c *IdentityCache) Release(h handle.Handle) {
	b := bucketOf(h)
	c.mu[b].Lock()
	delete(c.buckets[b], h)
	c.mu[b].Unlock()
	_ = c.handles.Free(h)
}

// PermissionsCache mirrors IdentityCache for PermissionsData.
type PermissionsCache struct {
	handles *handle.Table
	mu      sync.Mutex
	entries map[handle.Handle]*PermissionsData
}

// NewPermissionsCache creates an empty cache.
func NewPermissionsCache() *PermissionsCache {
	return &PermissionsCache{handles: handle.New(0), entries: make(map[handle.Handle]*PermissionsData)}
}

func (c *PermissionsCache) Alloc(d *PermissionsData) (handle.Handle, error) {
	h, err := c.handles.Alloc(d)
	if err != nil {
		return 0, err
	}
	d.Handle = h
	c.mu.Lock()
	c.entries[h] = d
	c.mu.Unlock()
	return h, nil
}

func (c *PermissionsCache) Get(h handle.Handle) *PermissionsData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[h]
}

func (c *PermissionsCache) Release(h handle.Handle) {
	c.mu.Lock()
	delete(c.entries, h)
	c.mu.Unlock()
	_ = c.handles.Free(h)
}
