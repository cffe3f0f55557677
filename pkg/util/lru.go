package util

import (
	"container/list"
	"sync"
	"time"
)

// entry 结构体用于存储链表节点中的实际数据。
type entry[K comparable, V any] struct {
	key        K
	value      V
	expiration time.Time
}

// LRUCache 是一个支持泛型、带 TTL、线程安全的 LRU 缓存。
// 用于缓存诸如用户风格画像这类读多写少、允许过期的数据。
type LRUCache[K comparable, V any] struct {
	capacity int
	ttl      time.Duration // 为 0 时元素永不过期
	ll       *list.List
	cache    map[K]*list.Element
	lock     sync.Mutex
}

// NewLRUCache 创建一个容量为 capacity、元素存活时间为 ttl 的缓存。
// capacity 必须为正数。
func NewLRUCache[K comparable, V any](capacity int, ttl time.Duration) *LRUCache[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRUCache[K, V]{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		cache:    make(map[K]*list.Element),
	}
}

// Get 根据键获取一个值。过期的元素在访问时被动淘汰。
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	element, ok := c.cache[key]
	if !ok {
		var zero V
		return zero, false
	}

	ent := element.Value.(*entry[K, V])
	if c.ttl > 0 && time.Now().After(ent.expiration) {
		c.removeElement(element)
		var zero V
		return zero, false
	}

	c.ll.MoveToFront(element)
	return ent.value, true
}

// Put 向缓存中添加或更新一个键值对。
func (c *LRUCache[K, V]) Put(key K, value V) {
	c.lock.Lock()
	defer c.lock.Unlock()

	expiration := time.Time{}
	if c.ttl > 0 {
		expiration = time.Now().Add(c.ttl)
	}

	if element, ok := c.cache[key]; ok {
		ent := element.Value.(*entry[K, V])
		ent.value = value
		ent.expiration = expiration
		c.ll.MoveToFront(element)
		return
	}

	element := c.ll.PushFront(&entry[K, V]{key: key, value: value, expiration: expiration})
	c.cache[key] = element

	if c.ll.Len() > c.capacity {
		if back := c.ll.Back(); back != nil {
			c.removeElement(back)
		}
	}
}

// Len 返回当前缓存中的条目数量。
func (c *LRUCache[K, V]) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.ll.Len()
}

// removeElement 从链表和 map 中移除元素。调用方必须已持有锁。
func (c *LRUCache[K, V]) removeElement(e *list.Element) {
	c.ll.Remove(e)
	ent := e.Value.(*entry[K, V])
	delete(c.cache, ent.key)
}
