package rangeclient

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kachina-project/kachina/internal/format"
)

// IndexCache memoizes a parsed remote package Index by URL, so repeated
// installer runs against the same source (e.g. retrying a failed task
// group) don't re-fetch and re-parse the footer and header segments.
type IndexCache struct {
	client *Client
	lru    *lru.Cache[string, *format.Index]
	mu     sync.Mutex
}

// NewIndexCache builds an IndexCache holding up to size parsed indexes.
func NewIndexCache(client *Client, size int) (*IndexCache, error) {
	l, err := lru.New[string, *format.Index](size)
	if err != nil {
		return nil, fmt.Errorf("rangeclient: %w", err)
	}
	return &IndexCache{client: client, lru: l}, nil
}

// Get returns the parsed Index for url, fetching and parsing it on first
// use and serving the cached value afterward.
func (c *IndexCache) Get(ctx context.Context, url string) (*format.Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.lru.Get(url); ok {
		return idx, nil
	}

	size, err := c.client.Head(ctx, url)
	if err != nil {
		return nil, err
	}
	ra := &ReaderAt{Client: c.client, URL: url, Ctx: ctx}
	idx, err := format.Parse(ra, size)
	if err != nil {
		return nil, fmt.Errorf("rangeclient: parsing remote index for %s: %w", url, err)
	}
	c.lru.Add(url, idx)
	return idx, nil
}

// Invalidate drops any cached Index for url, used when a source reports
// the underlying package has changed.
func (c *IndexCache) Invalidate(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(url)
}
