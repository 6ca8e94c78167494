package tracker

import (
	"container/list"
	"sync"
	"time"
)

// cache is a bounded LRU of request records with a per-entry TTL.
type cache struct {
	size int
	ttl  time.Duration
	now  func() time.Time

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	id      string
	req     *Request
	expires time.Time
}

func newCache(size int, ttl time.Duration, now func() time.Time) *cache {
	if size <= 0 {
		return nil
	}
	return &cache{size: size, ttl: ttl, now: now, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *cache) get(id string) (*Request, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*cacheEntry)
	if c.ttl > 0 && c.now().After(ent.expires) {
		c.ll.Remove(el)
		delete(c.items, id)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return ent.req.clone(), true
}

func (c *cache) put(r *Request) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	expires := c.now().Add(c.ttl)
	if el, ok := c.items[r.RequestID]; ok {
		ent := el.Value.(*cacheEntry)
		ent.req = r.clone()
		ent.expires = expires
		c.ll.MoveToFront(el)
		return
	}
	c.items[r.RequestID] = c.ll.PushFront(&cacheEntry{id: r.RequestID, req: r.clone(), expires: expires})
	for c.ll.Len() > c.size {
		last := c.ll.Back()
		c.ll.Remove(last)
		delete(c.items, last.Value.(*cacheEntry).id)
	}
}

func (c *cache) remove(id string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.ll.Remove(el)
		delete(c.items, id)
	}
}

func (c *cache) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
