package lru

import (
	"container/list"
	"sync"
	"time"

	"github.com/lucasew/photoframe/internal/eviction"
)

// LRU implements the eviction.Strategy interface using Least Recently Used logic.
// Display order is random, so recency of access is the only locality signal
// worth following.
type LRU struct {
	mu    sync.Mutex
	list  *list.List
	items map[string]*list.Element
	now   func() time.Time
}

type entry struct {
	key        string
	size       int64
	lastAccess time.Time
}

func init() {
	eviction.Register("lru", func() eviction.Strategy {
		return New()
	})
}

func New() *LRU {
	return &LRU{
		list:  list.New(),
		items: make(map[string]*list.Element),
		now:   time.Now,
	}
}

func (l *LRU) OnAdd(key string, size int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[key]; ok {
		l.list.MoveToFront(elem)
		ent := elem.Value.(*entry)
		oldSize := ent.size
		ent.size = size
		ent.lastAccess = l.now()
		return size - oldSize
	}

	ent := &entry{key: key, size: size, lastAccess: l.now()}
	l.items[key] = l.list.PushFront(ent)
	return size
}

func (l *LRU) OnAccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[key]; ok {
		elem.Value.(*entry).lastAccess = l.now()
		l.list.MoveToFront(elem)
	}
}

func (l *LRU) Remove(key string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.items[key]
	if !ok {
		return 0
	}
	l.list.Remove(elem)
	delete(l.items, key)
	return elem.Value.(*entry).size
}

func (l *LRU) GetVictims(currentSize int64, targetSize int64) []eviction.Victim {
	l.mu.Lock()
	defer l.mu.Unlock()

	var victims []eviction.Victim
	size := currentSize

	// Traverse from back without modifying
	for elem := l.list.Back(); size > targetSize && elem != nil; elem = elem.Prev() {
		ent := elem.Value.(*entry)
		victims = append(victims, eviction.Victim{Key: ent.key, Size: ent.size, LastAccess: ent.lastAccess})
		size -= ent.size
	}

	return victims
}

// Keys returns the tracked keys, least recently used first.
func (l *LRU) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, len(l.items))
	for elem := l.list.Back(); elem != nil; elem = elem.Prev() {
		keys = append(keys, elem.Value.(*entry).key)
	}
	return keys
}
