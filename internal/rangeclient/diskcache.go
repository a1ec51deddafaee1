package rangeclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/kachina-project/kachina/internal/cache"
)

// CachedClient wraps Client with an on-disk byte-range cache. cache.Cache
// is content-addressed (a blob's key is its own sha256 digest), so
// CachedClient keeps a small side index mapping a (url, range) pair to the
// digest of the blob it previously fetched, persisted alongside the cache
// directory so a resumed install skips bytes it already downloaded.
type CachedClient struct {
	Client *Client
	Cache  *cache.Cache

	mu        sync.Mutex
	index     map[string]string // rangeCacheKey -> content digest
	indexPath string
	loaded    bool
}

// NewCachedClient builds a CachedClient backed by c, loading any
// previously persisted range index from disk.
func NewCachedClient(client *Client, c *cache.Cache) *CachedClient {
	return &CachedClient{
		Client:    client,
		Cache:     c,
		indexPath: filepath.Join(c.Dir, "range-index.json"),
	}
}

func (cc *CachedClient) ensureLoaded() {
	if cc.loaded {
		return
	}
	cc.index = map[string]string{}
	if data, err := os.ReadFile(cc.indexPath); err == nil {
		json.Unmarshal(data, &cc.index)
	}
	cc.loaded = true
}

func (cc *CachedClient) persist() {
	data, err := json.Marshal(cc.index)
	if err != nil {
		return
	}
	os.MkdirAll(filepath.Dir(cc.indexPath), 0o755)
	os.WriteFile(cc.indexPath, data, 0o644)
}

func rangeCacheKey(url string, r ByteRange) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d-%d", url, r.Start, r.End)))
	return hex.EncodeToString(sum[:])
}

// FetchOne returns the cached body for url/r if present, otherwise fetches
// it over HTTP, stores it in the content-addressed cache, and records the
// (url, range) -> digest mapping for future calls.
func (cc *CachedClient) FetchOne(ctx context.Context, url string, r ByteRange) (io.ReadCloser, error) {
	cc.mu.Lock()
	cc.ensureLoaded()
	key := rangeCacheKey(url, r)
	if digest, ok := cc.index[key]; ok {
		cc.mu.Unlock()
		if body, err := cc.Cache.Open(digest); err == nil {
			return body, nil
		}
		// Fall through to re-fetch: the cache entry was evicted by Expire.
		cc.mu.Lock()
		delete(cc.index, key)
	}
	cc.mu.Unlock()

	body, err := cc.Client.FetchOne(ctx, url, r)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	w := cc.Cache.Create("")
	if _, err := io.Copy(w, body); err != nil {
		return nil, fmt.Errorf("rangeclient: populating cache for %s: %w", url, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("rangeclient: populating cache for %s: %w", url, err)
	}

	cc.mu.Lock()
	cc.index[key] = w.Digest()
	cc.persist()
	cc.mu.Unlock()

	return cc.Cache.Open(w.Digest())
}
