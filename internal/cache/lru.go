package cache

import (
	"container/list"
	"sync"

	"github.com/datallboy/nzbstream/internal/decoding"
	"github.com/datallboy/nzbstream/internal/infra/metrics"
)

// Handle is a decoded article shared read-only between the cache and every
// reader. Its bytes are never modified after creation.
type Handle struct {
	id     string
	data   []byte
	status decoding.Status
	meta   Meta
}

// Meta carries the yEnc placement of an article within its posted file.
// Begin is 0-based; zero values mean the article didn't say.
type Meta struct {
	FileSize int64
	Begin    int64
	Multi    bool
}

func NewHandle(id string, data []byte, status decoding.Status) *Handle {
	return &Handle{id: id, data: data, status: status}
}

// WithMeta sets placement info. Call it before the handle is shared.
func (h *Handle) WithMeta(m Meta) *Handle {
	h.meta = m
	return h
}

func (h *Handle) ID() string              { return h.id }
func (h *Handle) Bytes() []byte           { return h.data }
func (h *Handle) Len() int64              { return int64(len(h.data)) }
func (h *Handle) Status() decoding.Status { return h.status }
func (h *Handle) Meta() Meta              { return h.meta }

type Stats struct {
	Entries   int    `json:"entries"`
	Used      int64  `json:"usedBytes"`
	Capacity  int64  `json:"capacityBytes"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// ArticleCache is an LRU bounded by decoded bytes rather than entry count.
// Evicting an entry only drops the cache's reference; handles already
// returned stay valid.
type ArticleCache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	ll       *list.List // front = most recently used
	items    map[string]*list.Element

	hits, misses, evictions uint64

	metrics *metrics.Metrics
}

func New(capacity int64, m *metrics.Metrics) *ArticleCache {
	return &ArticleCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		metrics:  m,
	}
}

// Get returns the handle and marks it most recently used.
func (c *ArticleCache) Get(id string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		c.misses++
		c.metrics.CacheMiss()
		return nil, false
	}
	c.hits++
	c.metrics.CacheHit()
	c.ll.MoveToFront(el)
	return el.Value.(*Handle), true
}

// Peek returns the handle without touching recency or hit counters.
func (c *ArticleCache) Peek(id string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*Handle), true
}

// Contains reports presence without touching recency or hit counters.
func (c *ArticleCache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[id]
	return ok
}

// Put inserts or replaces h and evicts from the cold end until the total is
// within capacity. A handle larger than the whole cache is not kept.
func (c *ArticleCache) Put(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[h.id]; ok {
		old := el.Value.(*Handle)
		c.used -= old.Len()
		el.Value = h
		c.ll.MoveToFront(el)
	} else {
		c.items[h.id] = c.ll.PushFront(h)
	}
	c.used += h.Len()

	evicted := 0
	for c.used > c.capacity && c.ll.Len() > 0 {
		c.removeElement(c.ll.Back())
		evicted++
	}
	c.evictions += uint64(evicted)
	c.metrics.CacheEvicted(evicted)
	c.metrics.SetCacheBytes(c.used)
}

func (c *ArticleCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.removeElement(el)
		c.metrics.SetCacheBytes(c.used)
	}
}

func (c *ArticleCache) removeElement(el *list.Element) {
	h := c.ll.Remove(el).(*Handle)
	delete(c.items, h.id)
	c.used -= h.Len()
}

func (c *ArticleCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.ll.Len(),
		Used:      c.used,
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
