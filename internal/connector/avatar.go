package connector

import (
	"container/list"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	avatarCacheSize    = 512
	avatarFetchTimeout = time.Second
	avatarMaxBytes     = 1 << 20
)

// AvatarCache resolves author image URLs to inline data URIs, bounded by an
// LRU of 512 entries. Fetch failures cache as the empty string so a dead
// URL is not re-fetched on every search.
type AvatarCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recent
	client  *http.Client
}

type avatarEntry struct {
	url  string
	data string
}

// NewAvatarCache builds the cache with its own short-timeout client.
func NewAvatarCache() *AvatarCache {
	return &AvatarCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		client:  &http.Client{Timeout: avatarFetchTimeout},
	}
}

// Get returns the data URI for an image URL, fetching and caching it on
// first use. Returns "" for empty URLs and fetch failures.
func (c *AvatarCache) Get(ctx context.Context, url string) string {
	if url == "" {
		return ""
	}

	c.mu.Lock()
	if el, ok := c.entries[url]; ok {
		c.order.MoveToFront(el)
		data := el.Value.(*avatarEntry).data
		c.mu.Unlock()
		return data
	}
	c.mu.Unlock()

	data := c.fetch(ctx, url)

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[url]; ok {
		// Lost a fetch race; keep the first result.
		return el.Value.(*avatarEntry).data
	}
	c.entries[url] = c.order.PushFront(&avatarEntry{url: url, data: data})
	for c.order.Len() > avatarCacheSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*avatarEntry).url)
	}
	return data
}

func (c *AvatarCache) fetch(ctx context.Context, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, avatarMaxBytes))
	if err != nil || len(body) == 0 {
		return ""
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(body)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(body)
}

// Len returns the number of cached entries.
func (c *AvatarCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
