// Package cache holds the per-connection schema cache.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/TFMV/sluice/pkg/models"
)

// entry holds bookkeeping for one relation.
type entry struct {
	info     *models.TableInfo
	storedAt time.Time
}

// SchemaCache is an LRU of TableInfo keyed by relation name. Stored values
// are shared by reference and must be treated as read-only; a refresh swaps
// the pointer of one entry and leaves every other entry untouched.
type SchemaCache struct {
	cfg   Config
	stats *StatsCollector

	mu        sync.Mutex
	lru       *list.List               // front = most recent
	items     map[string]*list.Element // name -> *list.Element
	complete  bool
	fetchedAt time.Time
}

// NewSchemaCache returns an empty cache. A nil cfg means DefaultConfig.
func NewSchemaCache(cfg *Config) *SchemaCache {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &SchemaCache{
		cfg:   *cfg,
		lru:   list.New(),
		items: make(map[string]*list.Element),
	}
	if cfg.EnableStats {
		c.stats = NewStatsCollector()
	}
	return c
}

// Get returns the cached relation. Expired entries count as misses.
func (c *SchemaCache) Get(name string) (*models.TableInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ele, ok := c.items[name]
	if !ok {
		c.recordMiss()
		return nil, false
	}
	e := ele.Value.(*entry)
	if c.expired(e) {
		c.removeElement(ele)
		c.recordMiss()
		return nil, false
	}
	c.lru.MoveToFront(ele)
	c.recordHit()
	return e.info, true
}

// Put inserts or overwrites one relation.
func (c *SchemaCache) Put(info *models.TableInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(info)
}

// Replace swaps exactly one entry and returns the previous value, if any.
func (c *SchemaCache) Replace(info *models.TableInfo) *models.TableInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	var prev *models.TableInfo
	if ele, ok := c.items[info.Name]; ok {
		prev = ele.Value.(*entry).info
	}
	c.put(info)
	if c.stats != nil {
		c.stats.RecordRefresh()
	}
	return prev
}

// Load replaces the whole content with the result of a full fetch.
func (c *SchemaCache) Load(infos []*models.TableInfo, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Init()
	c.items = make(map[string]*list.Element, len(infos))
	for _, info := range infos {
		c.put(info)
	}
	c.complete = c.cfg.Capacity <= 0 || len(infos) <= c.cfg.Capacity
	c.fetchedAt = fetchedAt
	c.updateSize()
}

// Remove drops one relation, e.g. after it was dropped on the server.
func (c *SchemaCache) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ele, ok := c.items[name]
	if ok {
		c.removeElement(ele)
	}
	return ok
}

// Invalidate empties the cache.
func (c *SchemaCache) Invalidate() {
	c.mu.Lock()
	c.lru.Init()
	c.items = make(map[string]*list.Element)
	c.complete = false
	c.fetchedAt = time.Time{}
	c.updateSize()
	c.mu.Unlock()
}

// Complete reports whether the content came from a full fetch that has not
// outlived the TTL and nothing has been evicted since.
func (c *SchemaCache) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.complete && c.cfg.TTL > 0 && time.Since(c.fetchedAt) > c.cfg.TTL {
		c.complete = false
	}
	return c.complete
}

// Snapshot assembles the unexpired relations into a SchemaInfo. The
// TableInfo pointers are the cached ones.
func (c *SchemaCache) Snapshot() *models.SchemaInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := models.NewSchemaInfo()
	s.FetchedAt = c.fetchedAt
	for _, ele := range c.items {
		e := ele.Value.(*entry)
		if c.expired(e) {
			c.removeElement(ele)
			continue
		}
		info := e.info
		if info.Kind == models.KindView {
			s.Views[info.Name] = info
		} else {
			s.Tables[info.Name] = info
		}
	}
	return s
}

// Len returns the current number of cached relations.
func (c *SchemaCache) Len() int {
	c.mu.Lock()
	n := len(c.items)
	c.mu.Unlock()
	return n
}

// Stats returns cache statistics; zero when stats are disabled.
func (c *SchemaCache) Stats() Stats {
	if c.stats == nil {
		return Stats{}
	}
	return c.stats.GetStats()
}

// put inserts info (caller holds the lock).
func (c *SchemaCache) put(info *models.TableInfo) {
	e := &entry{info: info, storedAt: time.Now()}
	if ele, ok := c.items[info.Name]; ok {
		ele.Value = e
		c.lru.MoveToFront(ele)
		return
	}

	c.items[info.Name] = c.lru.PushFront(e)
	if c.cfg.Capacity > 0 && len(c.items) > c.cfg.Capacity {
		c.evictOldest()
	}
	c.updateSize()
}

// evictOldest removes the LRU element (caller holds the lock).
func (c *SchemaCache) evictOldest() {
	ele := c.lru.Back()
	if ele == nil {
		return
	}
	c.removeElement(ele)
	if c.stats != nil {
		c.stats.RecordEviction()
	}
}

func (c *SchemaCache) removeElement(ele *list.Element) {
	c.lru.Remove(ele)
	delete(c.items, ele.Value.(*entry).info.Name)
	c.complete = false
	c.updateSize()
}

func (c *SchemaCache) expired(e *entry) bool {
	return c.cfg.TTL > 0 && time.Since(e.storedAt) > c.cfg.TTL
}

func (c *SchemaCache) recordHit() {
	if c.stats != nil {
		c.stats.RecordHit()
	}
}

func (c *SchemaCache) recordMiss() {
	if c.stats != nil {
		c.stats.RecordMiss()
	}
}

func (c *SchemaCache) updateSize() {
	if c.stats != nil {
		c.stats.UpdateSize(int64(len(c.items)))
	}
}
