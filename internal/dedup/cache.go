// Package dedup remembers recently processed message ids.
package dedup

import "container/list"

const DefaultCapacity = 10000

// Cache is a bounded set of ids evicted in insertion order. It is not safe for
// concurrent use; the node guards it together with the peer table.
type Cache struct {
	cap     int
	entries map[string]*list.Element
	order   *list.List
}

func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		cap:     capacity,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *Cache) Seen(id string) bool {
	_, ok := c.entries[id]
	return ok
}

// Add records id and reports whether it was new. A repeated id does not
// refresh its position.
func (c *Cache) Add(id string) bool {
	if _, ok := c.entries[id]; ok {
		return false
	}
	c.entries[id] = c.order.PushFront(id)
	for len(c.entries) > c.cap {
		back := c.order.Back()
		if back == nil {
			break
		}
		delete(c.entries, back.Value.(string))
		c.order.Remove(back)
	}
	return true
}

func (c *Cache) Len() int {
	return len(c.entries)
}

func (c *Cache) Cap() int {
	return c.cap
}
