package offline

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultCacheEntries bounds the opaque response cache unless configured otherwise.
const DefaultCacheEntries = 500

// ============================================================================
// Cached responses
// ============================================================================

// CachedResponse is a full prior response, kept as-is.
type CachedResponse struct {
	StatusCode int         `json:"status"`
	StatusText string      `json:"statusText"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"storedAt"`
}

// NewCachedResponse copies resp. The body is read fully and replaced with an
// equivalent reader so the caller can still consume it.
func NewCachedResponse(resp *http.Response) (*CachedResponse, error) {
	body, err := drainBody(resp)
	if err != nil {
		return nil, err
	}
	return &CachedResponse{
		StatusCode: resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   time.Now().UTC(),
	}, nil
}

// HTTPResponse rebuilds an *http.Response answering req.
func (c *CachedResponse) HTTPResponse(req *http.Request) *http.Response {
	header := c.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        strconv.Itoa(c.StatusCode) + " " + c.StatusText,
		StatusCode:    c.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

// RequestKey is the cache identity of a request: method and URL without fragment.
func RequestKey(req *http.Request) string {
	return KeyFor(req.Method, req.URL.String())
}

// KeyFor builds a cache key from a method and URL.
func KeyFor(method, rawURL string) string {
	if method == "" {
		method = http.MethodGet
	}
	if u, err := url.Parse(rawURL); err == nil {
		u.Fragment = ""
		rawURL = u.String()
	}
	return strings.ToUpper(method) + " " + rawURL
}

func statusText(resp *http.Response) string {
	if text, ok := strings.CutPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); ok {
		return text
	}
	if resp.Status != "" {
		return resp.Status
	}
	return http.StatusText(resp.StatusCode)
}

func drainBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// ============================================================================
// Cache
// ============================================================================

// Cache is the opaque response cache, keyed by RequestKey. Entries are only
// replaced by a later Put for the same key or evicted once the cache is full.
type Cache interface {
	Match(ctx context.Context, key string) (*CachedResponse, bool, error)
	Put(ctx context.Context, key string, resp *CachedResponse) error
	Len(ctx context.Context) (int, error)
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// MemoryCache is a goroutine-safe in-memory Cache that evicts the oldest
// stored entry once it holds more than maxEntries.
type MemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	order      *list.List
	entries    map[string]*list.Element
}

type memoryCacheEntry struct {
	key  string
	resp *CachedResponse
}

// NewMemoryCache creates a cache holding at most maxEntries responses.
// maxEntries <= 0 leaves it unbounded.
func NewMemoryCache(maxEntries int) *MemoryCache {
	return &MemoryCache{
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

func (c *MemoryCache) Match(ctx context.Context, key string) (*CachedResponse, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	resp := *el.Value.(*memoryCacheEntry).resp
	return &resp, true, nil
}

func (c *MemoryCache) Put(ctx context.Context, key string, resp *CachedResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied := *resp
	copied.Body = append([]byte(nil), resp.Body...)
	copied.Header = resp.Header.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*memoryCacheEntry).resp = &copied
		c.order.MoveToFront(el)
		return nil
	}
	c.entries[key] = c.order.PushFront(&memoryCacheEntry{key: key, resp: &copied})
	for c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*memoryCacheEntry).key)
	}
	return nil
}

func (c *MemoryCache) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), nil
}

// Keys returns the cached keys, most recently stored first.
func (c *MemoryCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*memoryCacheEntry).key)
	}
	return keys, nil
}

func (c *MemoryCache) Close() error { return nil }
