// Package fetcher issues REST requests for historical and intraday candle
// windows, with TTL-based response caching and cancellation of superseded
// in-flight requests.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketpipe/internal/api"
	"marketpipe/internal/interfaces"
	"marketpipe/internal/logger"
	"marketpipe/internal/markethours"
	"marketpipe/internal/normalize"
	"marketpipe/internal/types"
)

// sessionMinutes is the length of one trading session used for limit sizing.
const sessionMinutes = 375

// timeframeLimitCeiling bounds the requested result size per timeframe so a
// coarse resolution over a long span still fits one response.
var timeframeLimitCeiling = map[types.Timeframe]int{
	types.Timeframe1W: 500,
	types.Timeframe1M: 1000,
	types.Timeframe2M: 1500,
	types.Timeframe3M: 2000,
	types.Timeframe1Y: 3000,
}

type cacheKey struct {
	instrumentKey string
	timeframe     types.Timeframe
	resolution    string
}

type cacheEntry struct {
	series    types.Series
	fetchedAt time.Time
}

type inflightFetch struct {
	id     string
	cancel context.CancelFunc
}

// Fetcher fetches and caches candle windows. All methods return a typed
// FetchResult; transport failures never propagate as errors.
type Fetcher struct {
	client        *api.Client
	cal           markethours.Calendar
	ttl           time.Duration
	intradayLimit int
	now           func() time.Time

	mu       sync.Mutex
	cache    map[cacheKey]cacheEntry
	inflight map[cacheKey]inflightFetch
}

var _ interfaces.Fetcher = (*Fetcher)(nil)

// New creates a fetcher. intradayLimit is the fixed result size used when the
// shortest timeframe is redirected to the intraday path.
func New(client *api.Client, cal markethours.Calendar, ttl time.Duration, intradayLimit int) *Fetcher {
	return &Fetcher{
		client:        client,
		cal:           cal,
		ttl:           ttl,
		intradayLimit: intradayLimit,
		now:           time.Now,
		cache:         make(map[cacheKey]cacheEntry),
		inflight:      make(map[cacheKey]inflightFetch),
	}
}

// candleRecord is the wire shape of one candle in REST responses.
type candleRecord struct {
	Timestamp string  `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

type candleResponse struct {
	Result struct {
		Candles []candleRecord `json:"candles"`
	} `json:"result"`
}

// FetchHistory returns the candle series for a multi-day timeframe. The
// shortest timeframe is always redirected to the intraday path: intraday data
// is the only source considered fresh enough for same-day views.
func (f *Fetcher) FetchHistory(ctx context.Context, instrumentKey string, timeframe types.Timeframe, resolution types.Resolution, forceRefresh bool) types.FetchResult {
	if timeframe == types.Timeframe1D {
		return f.FetchIntraday(ctx, instrumentKey, resolution, forceRefresh, f.intradayLimit)
	}

	days, ok := timeframe.SpanDays()
	if !ok {
		return types.FetchResult{Status: types.FetchError, Err: fmt.Errorf("unsupported timeframe %q", timeframe)}
	}

	key := cacheKey{instrumentKey: instrumentKey, timeframe: timeframe, resolution: resolution.String()}
	if !forceRefresh {
		if series, ok := f.cached(key); ok {
			return okOrEmpty(series)
		}
	}

	now := f.now().In(f.cal.Location())
	from := now.AddDate(0, 0, -days)

	q := url.Values{}
	q.Set("unit", resolution.Unit)
	q.Set("interval", strconv.Itoa(resolution.Interval))
	q.Set("from", from.Format("2006-01-02"))
	q.Set("to", now.Format("2006-01-02"))
	q.Set("limit", strconv.Itoa(limitFor(timeframe, resolution)))
	q.Set("order", "asc")

	path := "/market/candles/history/" + url.PathEscape(instrumentKey)
	return f.fetch(ctx, key, path, q, 0)
}

// FetchIntraday returns current-session candles. The series is trimmed to
// the last completed session so stale previous-day bars never surface.
func (f *Fetcher) FetchIntraday(ctx context.Context, instrumentKey string, resolution types.Resolution, forceRefresh bool, limit int) types.FetchResult {
	if limit <= 0 {
		limit = f.intradayLimit
	}

	key := cacheKey{instrumentKey: instrumentKey, timeframe: types.Timeframe1D, resolution: resolution.String()}
	if !forceRefresh {
		if series, ok := f.cached(key); ok {
			return okOrEmpty(series)
		}
	}

	q := url.Values{}
	q.Set("unit", resolution.Unit)
	q.Set("interval", strconv.Itoa(resolution.Interval))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "asc")

	sessionStart := f.cal.LastCompletedSession(f.now()).Unix()
	path := "/market/candles/intraday/" + url.PathEscape(instrumentKey)
	return f.fetch(ctx, key, path, q, sessionStart)
}

// fetch performs one supersedable request for key. notBefore > 0 drops
// candles older than that epoch second after normalization.
func (f *Fetcher) fetch(ctx context.Context, key cacheKey, path string, q url.Values, notBefore int64) types.FetchResult {
	fetchCtx, id := f.begin(ctx, key)

	var resp candleResponse
	err := f.client.GetJSON(fetchCtx, path, q, &resp)

	if err != nil {
		if !f.finish(key, id, nil, false) || errors.Is(err, context.Canceled) {
			return types.FetchResult{Status: types.FetchError, Err: types.ErrSuperseded}
		}
		logger.ErrorWithErr(ctx, "Candle fetch failed", err,
			"instrument_key", key.instrumentKey,
			"timeframe", string(key.timeframe),
			"resolution", key.resolution,
		)
		return types.FetchResult{Status: types.FetchError, Err: err}
	}

	series := normalize.Normalize(ctx, decodeRecords(resp.Result.Candles, f.cal.Location()))
	if notBefore > 0 {
		series = trimBefore(series, notBefore)
	}

	if !f.finish(key, id, series, true) {
		logger.Debug(ctx, "Fetch superseded", "instrument_key", key.instrumentKey, "timeframe", string(key.timeframe))
		return types.FetchResult{Status: types.FetchError, Err: types.ErrSuperseded}
	}

	return okOrEmpty(series)
}

// begin registers a new in-flight fetch for key, cancelling any previous one.
func (f *Fetcher) begin(ctx context.Context, key cacheKey) (context.Context, string) {
	fetchCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()

	f.mu.Lock()
	if prev, ok := f.inflight[key]; ok {
		prev.cancel()
	}
	f.inflight[key] = inflightFetch{id: id, cancel: cancel}
	f.mu.Unlock()

	return fetchCtx, id
}

// finish reports whether the fetch identified by id is still the latest one
// for key, clearing the in-flight record when it is. When store is set the
// series is cached in the same critical section, so a retired fetch can
// never overwrite an entry written by a newer one.
func (f *Fetcher) finish(key cacheKey, id string, series types.Series, store bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, ok := f.inflight[key]
	if !ok || cur.id != id {
		return false
	}
	delete(f.inflight, key)
	if store {
		f.cache[key] = cacheEntry{series: series, fetchedAt: f.now()}
	}
	return true
}

// cached returns a non-stale cache entry for key.
func (f *Fetcher) cached(key cacheKey) (types.Series, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.cache[key]
	if !ok {
		return nil, false
	}
	if f.now().Sub(entry.fetchedAt) >= f.ttl {
		return nil, false
	}
	return entry.series, true
}

// CancelPending cancels any in-flight fetches for the instrument, used when
// a chart closes.
func (f *Fetcher) CancelPending(instrumentKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, fl := range f.inflight {
		if key.instrumentKey == instrumentKey {
			fl.cancel()
			delete(f.inflight, key)
		}
	}
}

func decodeRecords(records []candleRecord, loc *time.Location) []types.Candle {
	out := make([]types.Candle, 0, len(records))
	for _, rec := range records {
		ts, err := parseTimestamp(rec.Timestamp, loc)
		if err != nil {
			continue
		}
		out = append(out, types.Candle{
			Time:          ts,
			TimestampText: rec.Timestamp,
			Open:          rec.Open,
			High:          rec.High,
			Low:           rec.Low,
			Close:         rec.Close,
			Volume:        rec.Volume,
		})
	}
	return out
}

func parseTimestamp(s string, loc *time.Location) (int64, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("unparseable timestamp %q", s)
}

func trimBefore(series types.Series, notBefore int64) types.Series {
	for i, c := range series {
		if c.Time >= notBefore {
			return series[i:]
		}
	}
	return types.Series{}
}

func okOrEmpty(series types.Series) types.FetchResult {
	if len(series) == 0 {
		return types.FetchResult{Status: types.FetchEmpty, Candles: types.Series{}}
	}
	return types.FetchResult{Status: types.FetchOK, Candles: series}
}

// limitFor sizes the requested result so the window fills without over- or
// under-fetching: estimated bars for the span, bounded by the timeframe's
// ceiling.
func limitFor(timeframe types.Timeframe, resolution types.Resolution) int {
	days, ok := timeframe.SpanDays()
	if !ok {
		return sessionMinutes
	}

	var estimate int
	switch resolution.Unit {
	case "minutes":
		estimate = days * ((sessionMinutes + resolution.Interval - 1) / resolution.Interval)
	case "hours":
		perDay := (sessionMinutes + 60*resolution.Interval - 1) / (60 * resolution.Interval)
		estimate = days * perDay
	case "days":
		estimate = (days + resolution.Interval - 1) / resolution.Interval
	default:
		estimate = days
	}
	if estimate < 1 {
		estimate = 1
	}

	if ceiling, ok := timeframeLimitCeiling[timeframe]; ok && estimate > ceiling {
		return ceiling
	}
	return estimate
}

// SetClock overrides the fetcher's time source. Tests only.
func (f *Fetcher) SetClock(now func() time.Time) {
	f.now = now
}
