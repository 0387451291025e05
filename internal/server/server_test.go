package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpipe/internal/config"
	"marketpipe/internal/markethours"
	"marketpipe/internal/orchestrator"
	"marketpipe/internal/strategy"
	"marketpipe/internal/types"
)

const testKey = "NSE_EQ|INE002A01018"

type stubResolver struct{}

func (stubResolver) Search(ctx context.Context, query string, limit int) []types.InstrumentResolution {
	if query == "reliance" {
		return []types.InstrumentResolution{
			{InstrumentKey: testKey, Symbol: "RELIANCE", Name: "Reliance Industries", Exchange: "NSE", Type: "EQ"},
		}
	}
	return nil
}

func (r stubResolver) Resolve(ctx context.Context, query string) (types.InstrumentResolution, bool) {
	results := r.Search(ctx, query, 1)
	if len(results) == 0 {
		return types.InstrumentResolution{}, false
	}
	return results[0], true
}

type stubFetcher struct {
	result types.FetchResult
}

func (f stubFetcher) FetchHistory(ctx context.Context, instrumentKey string, timeframe types.Timeframe, resolution types.Resolution, forceRefresh bool) types.FetchResult {
	return f.result
}

func (f stubFetcher) FetchIntraday(ctx context.Context, instrumentKey string, resolution types.Resolution, forceRefresh bool, limit int) types.FetchResult {
	return f.result
}

type nopStream struct{}

func (nopStream) Connect(ctx context.Context, instrumentKeys []string) error { return nil }
func (nopStream) Subscribe(ctx context.Context, instrumentKeys []string)     {}
func (nopStream) Unsubscribe(ctx context.Context, instrumentKeys []string)   {}
func (nopStream) Disconnect()                                                {}
func (nopStream) State() types.ConnState                                     { return types.StateDisconnected }
func (nopStream) OnTick(string, func(types.TickEvent)) (func(), error)       { return func() {}, nil }
func (nopStream) OnStatus(func(types.ConnState)) func()                      { return func() {} }

type nopPoller struct{}

func (nopPoller) Start(context.Context, string, types.Resolution, func(types.FetchResult)) bool {
	return false
}
func (nopPoller) Stop() {}

func newTestServer(t *testing.T, fetchResult types.FetchResult, strategyURL string) *Server {
	t.Helper()
	pipeline := orchestrator.NewWithComponents(
		&config.Config{},
		markethours.NSE(),
		stubResolver{},
		stubFetcher{result: fetchResult},
		nopStream{},
		nopPoller{},
	)
	t.Cleanup(pipeline.Close)

	sc := strategy.NewClient(strategyURL, "test-model", func() string { return "test-key" }, 2*time.Second)
	return New(pipeline, sc)
}

func okResult() types.FetchResult {
	return types.FetchResult{
		Status: types.FetchOK,
		Candles: types.Series{
			{Time: 1000, TimestampText: "2026-08-26 10:00:00", Open: 10, High: 12, Low: 9, Close: 11, Volume: 100},
		},
	}
}

func doRequest(t *testing.T, s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, okResult(), "http://unused")
	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamStatusEndpoint(t *testing.T) {
	s := newTestServer(t, okResult(), "http://unused")
	rec := doRequest(t, s, http.MethodGet, "/api/stream/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state":"disconnected"}`, rec.Body.String())
}

func TestSearchEndpoint(t *testing.T) {
	s := newTestServer(t, okResult(), "http://unused")

	rec := doRequest(t, s, http.MethodGet, "/api/instruments/search?q=reliance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Results []types.InstrumentResolution `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 1)
	assert.Equal(t, testKey, body.Results[0].InstrumentKey)
}

func TestSearchEndpointNoMatchesIsEmptyList(t *testing.T) {
	s := newTestServer(t, okResult(), "http://unused")

	rec := doRequest(t, s, http.MethodGet, "/api/instruments/search?q=zzz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"results":[]}`, rec.Body.String())
}

func TestSearchEndpointRequiresQuery(t *testing.T) {
	s := newTestServer(t, okResult(), "http://unused")
	rec := doRequest(t, s, http.MethodGet, "/api/instruments/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCandlesEndpoint(t *testing.T) {
	s := newTestServer(t, okResult(), "http://unused")

	rec := doRequest(t, s, http.MethodGet, "/api/charts/candles?q=reliance&timeframe=1M&resolution=30minutes", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status     types.FetchStatus `json:"status"`
		Timeframe  string            `json:"timeframe"`
		Resolution string            `json:"resolution"`
		Candles    types.Series      `json:"candles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, types.FetchOK, body.Status)
	assert.Equal(t, "1M", body.Timeframe)
	assert.Equal(t, "30minutes", body.Resolution)
	require.Len(t, body.Candles, 1)
	assert.Equal(t, 11.0, body.Candles[0].Close)
}

func TestCandlesEndpointDefaults(t *testing.T) {
	s := newTestServer(t, okResult(), "http://unused")

	rec := doRequest(t, s, http.MethodGet, "/api/charts/candles?q=reliance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "1D", body["timeframe"])
	assert.Equal(t, "1minutes", body["resolution"])
}

func TestCandlesEndpointEmptyWindow(t *testing.T) {
	s := newTestServer(t, types.FetchResult{Status: types.FetchEmpty, Candles: types.Series{}}, "http://unused")

	rec := doRequest(t, s, http.MethodGet, "/api/charts/candles?q=reliance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status  types.FetchStatus `json:"status"`
		Candles types.Series      `json:"candles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, types.FetchEmpty, body.Status)
	assert.NotNil(t, body.Candles)
	assert.Empty(t, body.Candles)
}

func TestCandlesEndpointNotFound(t *testing.T) {
	s := newTestServer(t, okResult(), "http://unused")
	rec := doRequest(t, s, http.MethodGet, "/api/charts/candles?q=zzz", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCandlesEndpointUpstreamFailure(t *testing.T) {
	s := newTestServer(t, types.FetchResult{Status: types.FetchError, Err: assert.AnError}, "http://unused")
	rec := doRequest(t, s, http.MethodGet, "/api/charts/candles?q=reliance", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCandlesEndpointRejectsBadTimeframe(t *testing.T) {
	s := newTestServer(t, okResult(), "http://unused")
	rec := doRequest(t, s, http.MethodGet, "/api/charts/candles?q=reliance&timeframe=7Y", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStrategyEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/recommend", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(strategy.Recommendation{
			InstrumentKey: testKey, Action: "BUY", Confidence: 0.72, Rationale: "momentum",
		})
	}))
	t.Cleanup(upstream.Close)

	s := newTestServer(t, okResult(), upstream.URL)

	rec := doRequest(t, s, http.MethodPost, "/api/strategy", []byte(`{"query":"reliance","horizonDays":30}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var got strategy.Recommendation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "BUY", got.Action)
	assert.Equal(t, 0.72, got.Confidence)
}

func TestStrategyEndpointUnknownInstrument(t *testing.T) {
	s := newTestServer(t, okResult(), "http://unused")
	rec := doRequest(t, s, http.MethodPost, "/api/strategy", []byte(`{"query":"zzz"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStrategyEndpointRequiresBody(t *testing.T) {
	s := newTestServer(t, okResult(), "http://unused")
	rec := doRequest(t, s, http.MethodPost, "/api/strategy", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStrategyEndpointUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(upstream.Close)

	s := newTestServer(t, okResult(), upstream.URL)
	rec := doRequest(t, s, http.MethodPost, "/api/strategy", []byte(`{"query":"reliance"}`))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
