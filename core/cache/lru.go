package cache

import (
	"container/list"
	"sync"
	"time"
)

const DefaultLRUSize = 128

type LRUOpts struct {
	Size int
	// DefaultTTL applies to entries put without WithTTL. Zero means entries
	// only leave by eviction.
	DefaultTTL time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type entry struct {
	key     string
	val     any
	expires time.Time
}

// LRU is safe for concurrent use.
type LRU struct {
	size       int
	defaultTTL time.Duration
	now        func() time.Time

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = DefaultLRUSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LRU{
		size:       opts.Size,
		defaultTTL: opts.DefaultTTL,
		now:        opts.Now,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
}

func (l *LRU) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ele, ok := l.items[key]
	if !ok {
		return nil, false
	}
	e := ele.Value.(*entry)
	if !e.expires.IsZero() && !l.now().Before(e.expires) {
		l.removeLocked(ele)
		return nil, false
	}
	l.ll.MoveToFront(ele)
	return e.val, true
}

func (l *LRU) Put(key string, val any, opts ...PutOption) {
	o := PutOptions{TTL: l.defaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	var expires time.Time
	if o.TTL > 0 {
		expires = l.now().Add(o.TTL)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if ele, ok := l.items[key]; ok {
		e := ele.Value.(*entry)
		e.val, e.expires = val, expires
		l.ll.MoveToFront(ele)
		return
	}
	l.items[key] = l.ll.PushFront(&entry{key: key, val: val, expires: expires})
	if l.ll.Len() > l.size {
		l.removeLocked(l.ll.Back())
	}
}

func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ele, ok := l.items[key]; ok {
		l.removeLocked(ele)
	}
}

// Len returns the number of entries, including expired ones not yet
// collected.
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ll.Len()
}

func (l *LRU) removeLocked(ele *list.Element) {
	l.ll.Remove(ele)
	delete(l.items, ele.Value.(*entry).key)
}

var _ Cache = (*LRU)(nil)
