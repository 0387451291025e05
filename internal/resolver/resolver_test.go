package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpipe/internal/api"
	"marketpipe/internal/types"
)

var relianceMatches = []types.InstrumentResolution{
	{InstrumentKey: "NSE_EQ|INE002A01018", Symbol: "RELIANCE", Name: "Reliance Industries", Exchange: "NSE", Type: "EQ"},
	{InstrumentKey: "NSE_EQ|INE0J1Y01017", Symbol: "RPOWER", Name: "Reliance Power", Exchange: "NSE", Type: "EQ"},
}

func searchServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/instruments/search", r.URL.Path)
		atomic.AddInt32(calls, 1)
		q := r.URL.Query().Get("q")
		if q == "reliance" || q == "RELIANCE" {
			json.NewEncoder(w).Encode(relianceMatches)
			return
		}
		json.NewEncoder(w).Encode([]types.InstrumentResolution{})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestResolver(t *testing.T, baseURL string, ttl time.Duration) *Resolver {
	t.Helper()
	return New(api.NewClient(api.WithBaseURL(baseURL), api.WithTimeout(2*time.Second)), ttl)
}

func TestSearchReturnsRankedMatches(t *testing.T) {
	var calls int32
	srv := searchServer(t, &calls)
	r := newTestResolver(t, srv.URL, time.Minute)

	results := r.Search(context.Background(), "reliance", 10)
	require.Len(t, results, 2)
	assert.Equal(t, "RELIANCE", results[0].Symbol)
	assert.Equal(t, "NSE_EQ|INE002A01018", results[0].InstrumentKey)
}

func TestSearchTruncatesToLimit(t *testing.T) {
	var calls int32
	srv := searchServer(t, &calls)
	r := newTestResolver(t, srv.URL, time.Minute)

	results := r.Search(context.Background(), "reliance", 1)
	assert.Len(t, results, 1)
}

func TestSearchBlankQuery(t *testing.T) {
	var calls int32
	srv := searchServer(t, &calls)
	r := newTestResolver(t, srv.URL, time.Minute)

	assert.Nil(t, r.Search(context.Background(), "   ", 10))
	assert.EqualValues(t, 0, calls, "blank queries never reach the network")
}

func TestSearchFailureYieldsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	r := newTestResolver(t, srv.URL, time.Minute)

	assert.Empty(t, r.Search(context.Background(), "reliance", 10))
}

func TestResolveTopMatch(t *testing.T) {
	var calls int32
	srv := searchServer(t, &calls)
	r := newTestResolver(t, srv.URL, time.Minute)

	res, ok := r.Resolve(context.Background(), "reliance")
	require.True(t, ok)
	assert.Equal(t, "RELIANCE", res.Symbol)

	_, ok = r.Resolve(context.Background(), "does-not-exist")
	assert.False(t, ok)
}

func TestResolveCachesWithinTTL(t *testing.T) {
	var calls int32
	srv := searchServer(t, &calls)
	r := newTestResolver(t, srv.URL, 5*time.Minute)

	now := time.Date(2026, time.August, 26, 11, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	_, ok := r.Resolve(context.Background(), "reliance")
	require.True(t, ok)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// Same query, different casing and padding: one cache entry.
	_, ok = r.Resolve(context.Background(), "  RELIANCE ")
	require.True(t, ok)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	now = now.Add(5*time.Minute + time.Second)
	_, ok = r.Resolve(context.Background(), "reliance")
	require.True(t, ok)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls), "expired entry must refetch")
}

func TestResolveMissDoesNotCache(t *testing.T) {
	var calls int32
	srv := searchServer(t, &calls)
	r := newTestResolver(t, srv.URL, time.Minute)

	_, ok := r.Resolve(context.Background(), "unknown")
	require.False(t, ok)
	_, ok = r.Resolve(context.Background(), "unknown")
	require.False(t, ok)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}
