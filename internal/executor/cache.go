package executor

import (
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 2 * time.Second
)

// readCache serves idempotent reads (block number, chain id) from a
// short-TTL LRU so bursts of duplicate reads don't spend provider budget.
// A nil method set disables caching entirely.
type readCache struct {
	methods map[string]bool
	lru     *expirable.LRU[string, json.RawMessage]
}

func newReadCache(methods []string, size int, ttl time.Duration) *readCache {
	if len(methods) == 0 {
		return &readCache{}
	}
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[m] = true
	}
	return &readCache{
		methods: set,
		lru:     expirable.NewLRU[string, json.RawMessage](size, nil, ttl),
	}
}

func (c *readCache) get(chain, method string, params []any) (json.RawMessage, bool) {
	if c.lru == nil || !c.methods[method] {
		return nil, false
	}
	return c.lru.Get(cacheKey(chain, method, params))
}

func (c *readCache) put(chain, method string, params []any, result json.RawMessage) {
	if c.lru == nil || !c.methods[method] {
		return
	}
	c.lru.Add(cacheKey(chain, method, params), result)
}

func cacheKey(chain, method string, params []any) string {
	encoded, err := json.Marshal(params)
	if err != nil {
		encoded = []byte("?")
	}
	return chain + "\x00" + method + "\x00" + string(encoded)
}
