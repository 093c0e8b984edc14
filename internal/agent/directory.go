package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrAgentNotFound is returned when the relay does not know an address.
var ErrAgentNotFound = errors.New("agent not found")

// Info is the relay's view of an agent.
type Info struct {
	Address string   `json:"address"`
	Online  bool     `json:"online"`
	Name    string   `json:"name,omitempty"`
	Tools   []string `json:"tools,omitempty"`
}

// Directory resolves agent addresses.
type Directory interface {
	Lookup(ctx context.Context, address string) (*Info, error)
}

// HTTPDirectory queries the relay's agent registry.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDirectory returns a directory for the relay at relayURL. Websocket
// schemes are mapped to their HTTP equivalents.
func NewHTTPDirectory(relayURL string, client *http.Client) *HTTPDirectory {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPDirectory{baseURL: httpBase(relayURL), client: client}
}

// Lookup fetches GET {relay}/api/relay/agents/{address}.
func (d *HTTPDirectory) Lookup(ctx context.Context, address string) (*Info, error) {
	u := d.baseURL + "/api/relay/agents/" + url.PathEscape(address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create directory request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory lookup %s: %w", address, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrAgentNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("directory lookup %s: HTTP %d", address, resp.StatusCode)
	}

	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}
	if info.Address == "" {
		info.Address = address
	}
	return &info, nil
}

func httpBase(relayURL string) string {
	s := strings.TrimRight(relayURL, "/")
	switch {
	case strings.HasPrefix(s, "wss://"):
		return "https://" + strings.TrimPrefix(s, "wss://")
	case strings.HasPrefix(s, "ws://"):
		return "http://" + strings.TrimPrefix(s, "ws://")
	}
	return s
}

type cacheEntry struct {
	info    *Info
	expires time.Time
}

// CachedDirectory memoizes lookups for a TTL and collapses concurrent
// lookups of the same address into one upstream call.
type CachedDirectory struct {
	next Directory
	ttl  time.Duration
	now  func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCachedDirectory wraps next.
func NewCachedDirectory(next Directory, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		next:  next,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

// Lookup returns a cached result when fresh. Errors are not cached.
func (c *CachedDirectory) Lookup(ctx context.Context, address string) (*Info, error) {
	c.mu.Lock()
	if e, ok := c.cache[address]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return copyInfo(e.info), nil
	}
	c.mu.Unlock()

	v, err, shared := c.group.Do(address, func() (any, error) {
		info, err := c.next.Lookup(ctx, address)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[address] = cacheEntry{info: info, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("Directory lookup shared", "agent", address)
	}
	return copyInfo(v.(*Info)), nil
}

func copyInfo(in *Info) *Info {
	out := *in
	out.Tools = append([]string(nil), in.Tools...)
	return &out
}
