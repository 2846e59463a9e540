package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	// Size is the maximum number of entries (default 128).
	Size int
	// TTL is applied to entries put without an explicit WithTTL. Zero
	// disables expiry.
	TTL time.Duration
}

type entry struct {
	key       string
	val       any
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type getReq struct {
	key  string
	resp chan getResp
}

type getResp struct {
	val any
	ok  bool
}

type putReq struct {
	key  string
	val  any
	opts []PutOption
}

type LRU struct {
	getCh  chan getReq
	putCh  chan putReq
	delCh  chan string
	lenCh  chan chan int
	done   chan struct{}
	once   sync.Once
	defTTL time.Duration
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}

	l := &LRU{
		getCh:  make(chan getReq),
		putCh:  make(chan putReq),
		delCh:  make(chan string),
		lenCh:  make(chan chan int),
		done:   make(chan struct{}),
		defTTL: opts.TTL,
	}

	go l.run(opts.Size)

	return l
}

func (L *LRU) Get(key string) (any, bool) {
	resp := make(chan getResp, 1)
	select {
	case L.getCh <- getReq{key: key, resp: resp}:
	case <-L.done:
		return nil, false
	}
	select {
	case r := <-resp:
		return r.val, r.ok
	case <-L.done:
		return nil, false
	}
}

func (L *LRU) Put(key string, val any, opts ...PutOption) {
	select {
	case L.putCh <- putReq{key: key, val: val, opts: opts}:
	case <-L.done:
	}
}

func (L *LRU) Delete(key string) {
	select {
	case L.delCh <- key:
	case <-L.done:
	}
}

// Len returns the number of entries, including expired ones not yet evicted.
func (L *LRU) Len() int {
	resp := make(chan int, 1)
	select {
	case L.lenCh <- resp:
	case <-L.done:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-L.done:
		return 0
	}
}

// Close stops the cache goroutine. Operations after Close are no-ops and
// Get always misses.
func (L *LRU) Close() {
	L.once.Do(func() { close(L.done) })
}

func (L *LRU) run(size int) {
	ll := list.New()
	cache := make(map[string]*list.Element)

	remove := func(ele *list.Element) {
		ll.Remove(ele)
		delete(cache, ele.Value.(*entry).key)
	}

	for {
		select {
		case <-L.done:
			return
		case req := <-L.getCh:
			ele, ok := cache[req.key]
			if ok && ele.Value.(*entry).expired(time.Now()) {
				remove(ele)
				ok = false
			}
			if ok {
				ll.MoveToFront(ele)
				req.resp <- getResp{val: ele.Value.(*entry).val, ok: true}
			} else {
				req.resp <- getResp{ok: false}
			}
		case req := <-L.putCh:
			po := &PutOptions{TTL: L.defTTL}
			for _, opt := range req.opts {
				opt(po)
			}
			if po.TTL == 0 {
				po.TTL = L.defTTL
			}
			var expiresAt time.Time
			if po.TTL > 0 {
				expiresAt = time.Now().Add(po.TTL)
			}

			if ele, ok := cache[req.key]; ok {
				ll.MoveToFront(ele)
				e := ele.Value.(*entry)
				e.val = req.val
				e.expiresAt = expiresAt
			} else {
				ele := ll.PushFront(&entry{key: req.key, val: req.val, expiresAt: expiresAt})
				cache[req.key] = ele
				if ll.Len() > size {
					if last := ll.Back(); last != nil {
						remove(last)
					}
				}
			}
		case key := <-L.delCh:
			if ele, ok := cache[key]; ok {
				remove(ele)
			}
		case resp := <-L.lenCh:
			resp <- ll.Len()
		}
	}
}

var _ Cache = (*LRU)(nil)
