package cache

import (
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	DefaultTTL            = 30 * time.Minute
	DefaultMaxEntries     = 100
	DefaultKeyPrefixChars = 200
)

// Options configures a ResponseCache. Zero values fall back to the defaults.
type Options struct {
	TTL            time.Duration
	MaxEntries     int
	KeyPrefixChars int
	Clock          Clock
}

// Entry is a cached model answer.
type Entry struct {
	Text      string
	CreatedAt time.Time
}

// Stats is a snapshot of the cache configuration and occupancy.
type Stats struct {
	Size           int
	MaxEntries     int
	TTL            time.Duration
	KeyPrefixChars int
}

// ResponseCache maps request keys to generated answers.
//
// Eviction is FIFO by insertion order, not LRU: reads never reorder entries and
// overwriting a key keeps its original position. Expired entries are removed
// lazily when they are looked up.
type ResponseCache struct {
	mu        sync.Mutex
	entries   *orderedmap.OrderedMap[string, Entry]
	ttl       time.Duration
	maxSize   int
	prefixLen int
	clock     Clock
}

// NewResponseCache builds an empty cache.
func NewResponseCache(opts Options) *ResponseCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.KeyPrefixChars <= 0 {
		opts.KeyPrefixChars = DefaultKeyPrefixChars
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	return &ResponseCache{
		entries:   orderedmap.New[string, Entry](),
		ttl:       opts.TTL,
		maxSize:   opts.MaxEntries,
		prefixLen: opts.KeyPrefixChars,
		clock:     opts.Clock,
	}
}

// Key joins the model identifier with the first KeyPrefixChars characters of
// the latest message. Long messages sharing that prefix share a key.
func (c *ResponseCache) Key(model, lastMessage string) string {
	runes := []rune(lastMessage)
	if len(runes) > c.prefixLen {
		runes = runes[:c.prefixLen]
	}
	return model + ":" + string(runes)
}

// Get returns the cached answer for key if it is younger than the TTL.
func (c *ResponseCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(key)
	if !ok {
		return "", false
	}
	if c.clock.Now().Sub(entry.CreatedAt) >= c.ttl {
		c.entries.Delete(key)
		return "", false
	}
	return entry.Text, true
}

// Put stores text under key, evicting the oldest inserted entry when a new key
// would exceed the size limit.
func (c *ResponseCache) Put(key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries.Get(key); !exists && c.entries.Len() >= c.maxSize {
		if oldest := c.entries.Oldest(); oldest != nil {
			c.entries.Delete(oldest.Key)
		}
	}
	c.entries.Set(key, Entry{Text: text, CreatedAt: c.clock.Now()})
}

// Clear drops every entry.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	c.entries = orderedmap.New[string, Entry]()
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats reports the current size and limits.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:           c.entries.Len(),
		MaxEntries:     c.maxSize,
		TTL:            c.ttl,
		KeyPrefixChars: c.prefixLen,
	}
}
