// Package statuscache caches build statuses keyed by (commit, ci-context).
// Only SUCCESSFUL results are memoized: every other state can still
// transition, so lookups for them always go back to the host.
package statuscache

import (
	"container/list"
	"context"
	"sync"

	"github.com/jogman/gatekeeper/internal/host"
)

type key struct {
	sha string
	ctx string
}

type entry struct {
	key   key
	state host.BuildState
}

// Cache is a process-wide keyed LRU. It is owned by the engine and passed
// explicitly into the components that need it.
type Cache struct {
	mu    sync.Mutex
	cap   int
	ll    *list.List
	items map[key]*list.Element
}

// New creates a cache bounded to capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache{
		cap:   capacity,
		ll:    list.New(),
		items: make(map[key]*list.Element),
	}
}

// Get returns the cached state for (sha, ciContext). A hit only
// short-circuits a fetch when the cached state is SUCCESSFUL.
func (c *Cache) Get(sha, ciContext string) (host.BuildState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key{sha, ciContext}]
	if !ok {
		return "", false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).state, true
}

// Put records a state, evicting the least recently used entry when full.
func (c *Cache) Put(sha, ciContext string, state host.BuildState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{sha, ciContext}
	if el, ok := c.items[k]; ok {
		el.Value.(*entry).state = state
		c.ll.MoveToFront(el)
		return
	}

	c.items[k] = c.ll.PushFront(&entry{key: k, state: state})

	if c.ll.Len() > c.cap {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Status resolves the build state of (sha, key) through the cache: a
// memoized SUCCESSFUL is returned without a network call, anything else is
// re-fetched from the host and re-cached.
func (c *Cache) Status(ctx context.Context, client host.Client, sha, buildKey string) (host.BuildState, error) {
	if state, ok := c.Get(sha, buildKey); ok && state == host.BuildSuccessful {
		return state, nil
	}

	st, err := client.GetBuildStatus(ctx, sha, buildKey)
	if err != nil {
		return "", err
	}

	c.Put(sha, buildKey, st.State)
	return st.State, nil
}
