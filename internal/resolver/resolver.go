// Package resolver maps free-text ticker/company queries to canonical
// exchange-qualified instrument keys via the external search endpoint.
package resolver

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"marketpipe/internal/api"
	"marketpipe/internal/interfaces"
	"marketpipe/internal/logger"
	"marketpipe/internal/trace"
	"marketpipe/internal/types"
)

const defaultSearchLimit = 10

type cachedResolution struct {
	resolution types.InstrumentResolution
	cachedAt   time.Time
}

// Resolver resolves instruments with a TTL-bounded per-query cache.
type Resolver struct {
	client *api.Client
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedResolution
}

var _ interfaces.Resolver = (*Resolver)(nil)

// New creates a resolver. ttl bounds how long a query resolution is reused.
func New(client *api.Client, ttl time.Duration) *Resolver {
	return &Resolver{
		client: client,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cachedResolution),
	}
}

// Search returns ranked matches for query, at most limit entries. Ranking is
// delegated to the external service. Any transport or parse failure yields
// an empty list.
func (r *Resolver) Search(ctx context.Context, query string, limit int) []types.InstrumentResolution {
	ctx, span := trace.StartSpan(ctx, "resolver.Search")
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))

	var results []types.InstrumentResolution
	if err := r.client.GetJSON(ctx, "/instruments/search", q, &results); err != nil {
		logger.ErrorWithErr(ctx, "Instrument search failed", err, "query", query)
		return nil
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Resolve returns the top match for query, or false when nothing matched.
func (r *Resolver) Resolve(ctx context.Context, query string) (types.InstrumentResolution, bool) {
	key := strings.ToUpper(strings.TrimSpace(query))
	if key == "" {
		return types.InstrumentResolution{}, false
	}

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Sub(entry.cachedAt) < r.ttl {
		return entry.resolution, true
	}

	results := r.Search(ctx, query, 1)
	if len(results) == 0 {
		return types.InstrumentResolution{}, false
	}

	r.mu.Lock()
	r.cache[key] = cachedResolution{resolution: results[0], cachedAt: r.now()}
	r.mu.Unlock()

	return results[0], true
}

// SetClock overrides the resolver's time source. Tests only.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}
