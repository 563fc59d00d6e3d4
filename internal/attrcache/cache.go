// Package attrcache caches remote node attributes and directory listings.
//
// Entries expire after a fixed age and the cache holds at most a fixed number
// of entries, evicting the oldest first. Failed lookups are cached as negative
// entries so repeated misses do not reach the store within the entry age.
package attrcache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/logging"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/metrics"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/store"
)

// Config holds cache limits.
type Config struct {
	MaxAge     time.Duration
	MaxEntries int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxAge:     30 * time.Second,
		MaxEntries: 100000,
	}
}

type keyKind uint8

const (
	kindNode keyKind = iota
	kindAttr
	kindList
	kindNames
)

func (k keyKind) String() string {
	switch k {
	case kindNode:
		return "node"
	case kindAttr:
		return "attr"
	case kindList:
		return "list"
	default:
		return "names"
	}
}

type key struct {
	kind keyKind
	path string
	attr string
}

// entry is Present when err is nil and Absent otherwise.
type entry struct {
	key     key
	value   any
	err     error
	created time.Time
	elem    *list.Element
}

// Stats holds cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
	Entries     int
}

// Cache is an attribute and listing cache in front of a store.Store. It is
// safe for concurrent use.
type Cache struct {
	store store.Store
	cfg   Config
	now   func() time.Time
	log   *zap.Logger

	mu      sync.Mutex
	entries map[key]*entry
	order   *list.List // insertion order, oldest at the front

	group singleflight.Group

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

// New creates a cache over s. Zero limits fall back to DefaultConfig.
func New(s store.Store, cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	return &Cache{
		store:   s,
		cfg:     cfg,
		now:     time.Now,
		log:     logging.Named("attrcache"),
		entries: make(map[key]*entry),
		order:   list.New(),
	}
}

// GetAttributes returns the requested attributes of path that the node
// carries. Attributes the node lacks are omitted. A nil attrs returns every
// attribute of the node.
func (c *Cache) GetAttributes(ctx context.Context, path string, attrs []string) (store.Attributes, error) {
	if e, ok := c.get(key{kind: kindNode, path: path}); ok && e.err != nil {
		return nil, e.err
	}

	if attrs == nil {
		if e, ok := c.get(key{kind: kindNames, path: path}); ok {
			attrs = e.value.([]string)
		}
	}
	if attrs != nil {
		if out, ok := c.cachedAttributes(path, attrs); ok {
			return out, nil
		}
	}

	all, err := c.fetchAttributes(ctx, path)
	if err != nil {
		return nil, err
	}
	if attrs == nil {
		return all, nil
	}

	out := make(store.Attributes, len(attrs))
	for _, name := range attrs {
		if v, ok := all[name]; ok {
			out[name] = v
			continue
		}
		c.put(key{kind: kindAttr, path: path, attr: name}, nil, store.MissingAttribute(path, name))
	}
	return out, nil
}

// AttributeNames returns the sorted names of every attribute of path.
func (c *Cache) AttributeNames(ctx context.Context, path string) ([]string, error) {
	if e, ok := c.get(key{kind: kindNode, path: path}); ok && e.err != nil {
		return nil, e.err
	}
	if e, ok := c.get(key{kind: kindNames, path: path}); ok {
		return e.value.([]string), nil
	}

	all, err := c.fetchAttributes(ctx, path)
	if err != nil {
		return nil, err
	}
	return sortedNames(all), nil
}

// ListChildren returns the children of path. The requested attributes of
// every child are cached individually, so stat calls following a listing are
// served without reaching the store. The returned slice is shared and must not
// be modified.
func (c *Cache) ListChildren(ctx context.Context, path string, attrs []string) ([]store.Child, error) {
	k := key{kind: kindList, path: path}
	if e, ok := c.get(k); ok {
		if e.err != nil {
			return nil, e.err
		}
		return e.value.([]store.Child), nil
	}

	v, err, _ := c.group.Do("list\x00"+path, func() (any, error) {
		c.log.Debug("listing", zap.String("path", path))
		children, err := c.store.List(ctx, path, attrs)
		if err != nil {
			err = fmt.Errorf("list %s: %w", path, err)
			c.putFailure(k, err)
			return nil, err
		}

		c.put(k, children, nil)
		for _, child := range children {
			childPath := store.JoinChild(path, child.Name)
			for _, name := range attrs {
				ak := key{kind: kindAttr, path: childPath, attr: name}
				if val, ok := child.Attributes[name]; ok {
					c.put(ak, val, nil)
				} else {
					c.put(ak, nil, store.MissingAttribute(childPath, name))
				}
			}
		}
		return children, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.Child), nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Entries:     n,
	}
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cachedAttributes serves attrs from per-attribute entries. It reports false
// when any of them is not cached.
func (c *Cache) cachedAttributes(path string, attrs []string) (store.Attributes, bool) {
	out := make(store.Attributes, len(attrs))
	for _, name := range attrs {
		e, ok := c.get(key{kind: kindAttr, path: path, attr: name})
		if !ok {
			return nil, false
		}
		if e.err == nil {
			out[name] = e.value
		}
	}
	return out, true
}

// fetchAttributes issues one fetch-all call for path, shared by concurrent
// callers, and caches its outcome.
func (c *Cache) fetchAttributes(ctx context.Context, path string) (store.Attributes, error) {
	v, err, _ := c.group.Do("attrs\x00"+path, func() (any, error) {
		c.log.Debug("fetching attributes", zap.String("path", path))
		all, err := c.store.GetAttributes(ctx, path, nil)
		if err != nil {
			err = fmt.Errorf("get attributes of %s: %w", path, err)
			c.putFailure(key{kind: kindNode, path: path}, err)
			return nil, err
		}

		for name, val := range all {
			c.put(key{kind: kindAttr, path: path, attr: name}, val, nil)
		}
		c.put(key{kind: kindNames, path: path}, sortedNames(all), nil)
		return all, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(store.Attributes), nil
}

func (c *Cache) get(k key) (entry, bool) {
	c.mu.Lock()
	e, ok := c.entries[k]
	if ok && c.expired(e) {
		c.removeLocked(e)
		c.expirations.Add(1)
		metrics.RecordCacheEviction("expired", 1)
		ok = false
	}
	var out entry
	if ok {
		out = *e
	}
	c.mu.Unlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	metrics.RecordCacheLookup(k.kind.String(), ok)
	return out, ok
}

// putFailure caches err as a negative entry unless the caller gave up, in
// which case the failure says nothing about the node.
func (c *Cache) putFailure(k key, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	c.put(k, nil, err)
}

func (c *Cache) put(k key, value any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[k]; ok {
		c.removeLocked(old)
	}
	e := &entry{key: k, value: value, err: err, created: c.now()}
	e.elem = c.order.PushBack(e)
	c.entries[k] = e

	var expired, evicted int
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		oldest := front.Value.(*entry)
		if c.expired(oldest) {
			expired++
		} else if len(c.entries) > c.cfg.MaxEntries {
			evicted++
		} else {
			break
		}
		c.removeLocked(oldest)
	}

	if expired > 0 {
		c.expirations.Add(int64(expired))
		metrics.RecordCacheEviction("expired", expired)
	}
	if evicted > 0 {
		c.evictions.Add(int64(evicted))
		metrics.RecordCacheEviction("capacity", evicted)
	}
	metrics.SetCacheEntries(len(c.entries))
}

// removeLocked must be called with c.mu held.
func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

func (c *Cache) expired(e *entry) bool {
	return c.now().Sub(e.created) > c.cfg.MaxAge
}

func sortedNames(attrs store.Attributes) []string {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
