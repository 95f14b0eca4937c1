package assign

import (
	"sync"

	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

// CacheKey identifies one even-split partition
type CacheKey struct {
	PageIndex    int
	SegmentCount int
}

// EvenSplitCache memoizes even-split partitions for the lifetime of a single
// Build call. It is safe for concurrent use.
type EvenSplitCache struct {
	mu      sync.Mutex
	entries map[CacheKey][]extraction.QuestionSegment
	hits    int
}

// NewEvenSplitCache creates an empty cache
func NewEvenSplitCache() *EvenSplitCache {
	return &EvenSplitCache{
		entries: make(map[CacheKey][]extraction.QuestionSegment),
	}
}

// GetOrCompute returns the cached partition for key, computing it on first use.
// Errors are not cached.
func (c *EvenSplitCache) GetOrCompute(key CacheKey, compute func() ([]extraction.QuestionSegment, error)) ([]extraction.QuestionSegment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if segs, ok := c.entries[key]; ok {
		c.hits++
		return segs, nil
	}

	segs, err := compute()
	if err != nil {
		return nil, err
	}
	c.entries[key] = segs
	return segs, nil
}

// Len returns the number of cached partitions
func (c *EvenSplitCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Hits returns how many lookups were served from the cache
func (c *EvenSplitCache) Hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}
