// Package orchestrator composes resolver, fetcher, stream and poller into
// the chart-data façade: given an instrument query and a timeframe it
// decides REST vs cache vs stream vs polling and maintains the running
// series plus a connection-status signal per open chart.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketpipe/internal/api"
	"marketpipe/internal/config"
	"marketpipe/internal/fetcher"
	"marketpipe/internal/fetcher/fetchobs"
	"marketpipe/internal/interfaces"
	"marketpipe/internal/logger"
	"marketpipe/internal/markethours"
	"marketpipe/internal/poller"
	"marketpipe/internal/resolver"
	"marketpipe/internal/stream"
	"marketpipe/internal/types"
)

// ErrInstrumentNotFound is the terminal error for an open-chart attempt
// whose query matched no instrument.
var ErrInstrumentNotFound = errors.New("instrument not found")

// ErrPipelineClosed is returned after Close.
var ErrPipelineClosed = errors.New("pipeline closed")

type pendingCanceler interface {
	CancelPending(instrumentKey string)
}

// Pipeline holds all pipeline state with an explicit lifecycle, so multiple
// independent instances can coexist (one per process in production, many in
// tests).
type Pipeline struct {
	cfg      *config.Config
	cal      markethours.Calendar
	resolver interfaces.Resolver
	fetcher  interfaces.Fetcher
	stream   interfaces.Stream
	poller   interfaces.Poller
	now      func() time.Time

	mu     sync.Mutex
	charts map[string]*Chart
	closed bool
}

// New wires a pipeline from configuration. streamToken authenticates the
// live stream; when empty, live attachment fails fast into polling.
func New(cfg *config.Config, streamToken string) *Pipeline {
	cal := markethours.New(
		cfg.Session.TimezoneName,
		cfg.Session.UTCOffsetMinutes,
		cfg.Session.OpenMinute,
		cfg.Session.CloseMinute,
	)

	restClient := api.NewClient(
		api.WithBaseURL(cfg.RestBaseURL),
		api.WithTimeout(cfg.HTTPTimeout()),
		api.WithLogging(logger.IsDebugEnabled()),
	)

	f := fetchobs.Wrap(fetcher.New(restClient, cal, cfg.CacheTTL(), cfg.IntradayLimit))

	return NewWithComponents(cfg, cal,
		resolver.New(restClient, cfg.CacheTTL()),
		f,
		stream.New(stream.Options{
			URL:         cfg.StreamURL,
			Token:       streamToken,
			Calendar:    cal,
			BaseDelay:   time.Duration(cfg.Reconnect.BaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Reconnect.MaxDelayMs) * time.Millisecond,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		}),
		poller.New(f, cal, cfg.PollInterval()),
	)
}

// NewWithComponents wires a pipeline from prebuilt components.
func NewWithComponents(cfg *config.Config, cal markethours.Calendar, res interfaces.Resolver, f interfaces.Fetcher, st interfaces.Stream, pl interfaces.Poller) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		cal:      cal,
		resolver: res,
		fetcher:  f,
		stream:   st,
		poller:   pl,
		now:      time.Now,
		charts:   make(map[string]*Chart),
	}
}

// Close tears down every open chart, the stream connection and any active
// poll. The pipeline cannot be reused afterwards.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	charts := make([]*Chart, 0, len(p.charts))
	for _, c := range p.charts {
		charts = append(charts, c)
	}
	p.charts = make(map[string]*Chart)
	p.mu.Unlock()

	for _, c := range charts {
		c.detachLive()
	}
	p.poller.Stop()
	p.stream.Disconnect()
}

// OpenChart resolves query, loads the initial series and, for the shortest
// timeframe during market hours, attaches the live stream with polling as
// the fallback. Not-found is terminal for the attempt.
func (p *Pipeline) OpenChart(ctx context.Context, query string, timeframe types.Timeframe, resolution types.Resolution) (*Chart, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPipelineClosed
	}
	p.mu.Unlock()

	instrument, ok := p.resolver.Resolve(ctx, query)
	if !ok {
		return nil, ErrInstrumentNotFound
	}

	chart := &Chart{
		ID:              uuid.NewString(),
		Instrument:      instrument,
		pipeline:        p,
		timeframe:       timeframe,
		resolution:      resolution,
		status:          types.StateDisconnected,
		statusListeners: make(map[int]func(types.ConnState)),
	}

	result := p.fetcher.FetchHistory(ctx, instrument.InstrumentKey, timeframe, resolution, false)
	chart.mu.Lock()
	chart.series = result.Candles.Clone()
	chart.fetchStatus = result.Status
	chart.mu.Unlock()

	if timeframe == types.Timeframe1D && p.cal.IsSessionOpen(p.now()) {
		p.attachLive(ctx, chart)
	}

	p.mu.Lock()
	p.charts[chart.ID] = chart
	p.mu.Unlock()

	return chart, nil
}

// SetTimeframe tears down the chart's live attachment, refetches for the new
// parameters and re-attaches when appropriate.
func (p *Pipeline) SetTimeframe(ctx context.Context, chart *Chart, timeframe types.Timeframe, resolution types.Resolution) {
	chart.detachLive()

	chart.mu.Lock()
	chart.timeframe = timeframe
	chart.resolution = resolution
	chart.mu.Unlock()

	result := p.fetcher.FetchHistory(ctx, chart.Instrument.InstrumentKey, timeframe, resolution, false)
	chart.mu.Lock()
	chart.series = result.Candles.Clone()
	chart.fetchStatus = result.Status
	chart.mu.Unlock()

	if timeframe == types.Timeframe1D && p.cal.IsSessionOpen(p.now()) {
		p.attachLive(ctx, chart)
	}
}

// CloseChart tears down the chart's stream subscription and poll and cancels
// its pending fetches. The stream subscription and in-flight fetches are
// shared per instrument, so they are only torn down when no other open chart
// watches the same key.
func (p *Pipeline) CloseChart(chart *Chart) {
	key := chart.Instrument.InstrumentKey

	p.mu.Lock()
	delete(p.charts, chart.ID)
	shared := false
	for _, c := range p.charts {
		if c.Instrument.InstrumentKey == key {
			shared = true
			break
		}
	}
	p.mu.Unlock()

	chart.detachLive()
	if shared {
		return
	}
	p.stream.Unsubscribe(context.Background(), []string{key})
	if pc, ok := p.fetcher.(pendingCanceler); ok {
		pc.CancelPending(key)
	}
}

// FetchSeries is the one-shot path used by the HTTP façade: resolve and
// fetch without opening a persistent chart.
func (p *Pipeline) FetchSeries(ctx context.Context, query string, timeframe types.Timeframe, resolution types.Resolution) (types.InstrumentResolution, types.FetchResult, error) {
	instrument, ok := p.resolver.Resolve(ctx, query)
	if !ok {
		return types.InstrumentResolution{}, types.FetchResult{}, ErrInstrumentNotFound
	}
	return instrument, p.fetcher.FetchHistory(ctx, instrument.InstrumentKey, timeframe, resolution, false), nil
}

// StreamState reports the live stream's connection state.
func (p *Pipeline) StreamState() types.ConnState {
	return p.stream.State()
}

// Resolver exposes instrument search to the HTTP façade.
func (p *Pipeline) Resolver() interfaces.Resolver {
	return p.resolver
}

// attachLive subscribes the chart to the live stream; on connection failure
// it falls back to polling immediately.
func (p *Pipeline) attachLive(ctx context.Context, chart *Chart) {
	key := chart.Instrument.InstrumentKey

	unsubTick, err := p.stream.OnTick(key, chart.applyTick)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to register tick listener", err, "instrument_key", key)
		p.startPolling(ctx, chart)
		return
	}
	unsubStatus := p.stream.OnStatus(func(s types.ConnState) {
		p.onStreamStatus(chart, s)
	})

	chart.mu.Lock()
	chart.unsubTick = unsubTick
	chart.unsubStatus = unsubStatus
	chart.mu.Unlock()

	chart.setStatus(types.StateConnecting)
	if err := p.stream.Connect(ctx, []string{key}); err != nil {
		logger.Warn(ctx, "Live stream unavailable, falling back to polling",
			"instrument_key", key, "error", err)
		p.startPolling(ctx, chart)
	}
}

// onStreamStatus drives the stream-vs-polling failover for one chart.
func (p *Pipeline) onStreamStatus(chart *Chart, s types.ConnState) {
	switch s {
	case types.StateConnected:
		chart.mu.Lock()
		wasPolling := chart.polling
		chart.polling = false
		chart.mu.Unlock()
		if wasPolling {
			p.poller.Stop()
		}
		chart.setStatus(types.StateConnected)
	case types.StateDisconnected, types.StateError:
		chart.mu.Lock()
		alreadyPolling := chart.polling
		chart.mu.Unlock()
		if !alreadyPolling {
			p.startPolling(context.Background(), chart)
		}
	case types.StateConnecting:
		chart.mu.Lock()
		alreadyPolling := chart.polling
		chart.mu.Unlock()
		if !alreadyPolling {
			chart.setStatus(types.StateConnecting)
		}
	}
}

func (p *Pipeline) startPolling(ctx context.Context, chart *Chart) {
	chart.mu.Lock()
	resolution := chart.resolution
	chart.mu.Unlock()

	started := p.poller.Start(ctx, chart.Instrument.InstrumentKey, resolution, chart.applyPollUpdate)
	chart.mu.Lock()
	chart.polling = started
	chart.mu.Unlock()

	if started {
		chart.setStatus(types.StatePolling)
	} else {
		chart.setStatus(types.StateDisconnected)
	}
}

// Chart is one open chart view: the running series, its connection status
// and the live attachment handles.
type Chart struct {
	ID         string
	Instrument types.InstrumentResolution

	pipeline   *Pipeline
	timeframe  types.Timeframe
	resolution types.Resolution

	mu          sync.Mutex
	series      types.Series
	fetchStatus types.FetchStatus
	status      types.ConnState
	polling     bool
	unsubTick   func()
	unsubStatus func()

	statusListeners map[int]func(types.ConnState)
	nextListenerID  int
}

// Series returns a read-only snapshot of the running candle series.
func (c *Chart) Series() types.Series {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.series.Clone()
}

// FetchStatus reports whether the last completed fetch produced data, no
// data, or an error, so consumers can render "no data" instead of a silently
// blank chart.
func (c *Chart) FetchStatus() types.FetchStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchStatus
}

// Status returns the chart's connection state.
func (c *Chart) Status() types.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Timeframe returns the chart's current timeframe.
func (c *Chart) Timeframe() types.Timeframe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeframe
}

// OnStatus registers a status listener and returns its unsubscribe handle.
func (c *Chart) OnStatus(fn func(types.ConnState)) func() {
	c.mu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.statusListeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.statusListeners, id)
		c.mu.Unlock()
	}
}

func (c *Chart) setStatus(s types.ConnState) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	prev := c.status
	c.status = s
	listeners := make([]func(types.ConnState), 0, len(c.statusListeners))
	for _, fn := range c.statusListeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	logger.Status(context.Background(), c.Instrument.InstrumentKey, string(prev), string(s))
	for _, fn := range listeners {
		fn(s)
	}
}

// applyTick merges a live event into the last candle: extend the high/low
// envelope, overwrite close and volume. A candle event at or past the next
// bar boundary appends a new bar instead.
func (c *Chart) applyTick(ev types.TickEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	barSeconds := c.resolution.Seconds()
	if len(c.series) == 0 || (ev.Type == "candle" && ev.TS >= c.series[len(c.series)-1].Time+barSeconds) {
		price := ev.LTP
		if price <= 0 {
			return
		}
		// The envelope always includes the trade price so the bar keeps
		// low <= open,close <= high even when the event's own range
		// excludes it.
		high, low := price, price
		if ev.High > high {
			high = ev.High
		}
		if ev.Low > 0 && ev.Low < low {
			low = ev.Low
		}
		c.series = append(c.series, types.Candle{
			Time:   ev.TS,
			Open:   price,
			High:   high,
			Low:    low,
			Close:  price,
			Volume: ev.Vol,
		})
		return
	}

	last := &c.series[len(c.series)-1]
	if ev.High > last.High {
		last.High = ev.High
	}
	if ev.LTP > last.High {
		last.High = ev.LTP
	}
	if ev.Low > 0 && ev.Low < last.Low {
		last.Low = ev.Low
	}
	if ev.LTP > 0 && ev.LTP < last.Low {
		last.Low = ev.LTP
	}
	if ev.LTP > 0 {
		last.Close = ev.LTP
	}
	if ev.Vol > 0 {
		last.Volume = ev.Vol
	}
}

// applyPollUpdate feeds the same sink the stream feeds: a successful poll
// replaces the series atomically.
func (c *Chart) applyPollUpdate(result types.FetchResult) {
	if result.Status == types.FetchError {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchStatus = result.Status
	if result.Status == types.FetchOK {
		c.series = result.Candles.Clone()
	}
}

// detachLive removes the chart's stream listeners and stops its poll.
func (c *Chart) detachLive() {
	c.mu.Lock()
	unsubTick := c.unsubTick
	unsubStatus := c.unsubStatus
	c.unsubTick = nil
	c.unsubStatus = nil
	wasPolling := c.polling
	c.polling = false
	c.mu.Unlock()

	if unsubTick != nil {
		unsubTick()
	}
	if unsubStatus != nil {
		unsubStatus()
	}
	if wasPolling {
		c.pipeline.poller.Stop()
	}
}

// SetClock overrides the pipeline's time source. Tests only.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}
