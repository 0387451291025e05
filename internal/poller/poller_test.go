package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpipe/internal/markethours"
	"marketpipe/internal/types"
)

var minuteRes = types.Resolution{Unit: "minutes", Interval: 1}

// fakeFetcher counts intraday fetches and records force-refresh flags.
type fakeFetcher struct {
	mu         sync.Mutex
	intraday   int32
	lastKey    string
	forcedOnly bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{forcedOnly: true}
}

func (f *fakeFetcher) FetchHistory(ctx context.Context, instrumentKey string, timeframe types.Timeframe, resolution types.Resolution, forceRefresh bool) types.FetchResult {
	return types.FetchResult{Status: types.FetchEmpty, Candles: types.Series{}}
}

func (f *fakeFetcher) FetchIntraday(ctx context.Context, instrumentKey string, resolution types.Resolution, forceRefresh bool, limit int) types.FetchResult {
	atomic.AddInt32(&f.intraday, 1)
	f.mu.Lock()
	f.lastKey = instrumentKey
	if !forceRefresh {
		f.forcedOnly = false
	}
	f.mu.Unlock()
	return types.FetchResult{
		Status:  types.FetchOK,
		Candles: types.Series{{Time: 100, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 5}},
	}
}

func (f *fakeFetcher) calls() int32 {
	return atomic.LoadInt32(&f.intraday)
}

func marketOpen() time.Time {
	return time.Date(2026, time.August, 26, 11, 0, 0, 0, time.FixedZone("IST", 330*60))
}

func marketClosed() time.Time {
	return time.Date(2026, time.August, 26, 20, 0, 0, 0, time.FixedZone("IST", 330*60))
}

func TestStartIsNoOpWhileMarketClosed(t *testing.T) {
	f := newFakeFetcher()
	d := New(f, markethours.NSE(), 10*time.Millisecond)
	d.SetClock(marketClosed)

	started := d.Start(context.Background(), "NSE_EQ|X", minuteRes, func(types.FetchResult) {})
	assert.False(t, started)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, f.calls())
}

func TestPollFetchesImmediatelyThenOnCadence(t *testing.T) {
	f := newFakeFetcher()
	d := New(f, markethours.NSE(), 10*time.Millisecond)
	d.SetClock(marketOpen)
	defer d.Stop()

	updates := make(chan types.FetchResult, 32)
	started := d.Start(context.Background(), "NSE_EQ|X", minuteRes, func(r types.FetchResult) { updates <- r })
	require.True(t, started)

	// First update arrives without waiting for the interval.
	select {
	case r := <-updates:
		assert.Equal(t, types.FetchOK, r.Status)
	case <-time.After(time.Second):
		t.Fatal("no immediate fetch on start")
	}

	require.Eventually(t, func() bool {
		return f.calls() >= 3
	}, 5*time.Second, 5*time.Millisecond)

	// Every poll bypasses the cache.
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.True(t, f.forcedOnly)
	assert.Equal(t, "NSE_EQ|X", f.lastKey)
}

func TestPollSelfTerminatesWhenMarketCloses(t *testing.T) {
	f := newFakeFetcher()
	d := New(f, markethours.NSE(), 10*time.Millisecond)

	var nowMu sync.Mutex
	now := marketOpen()
	d.SetClock(func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	})

	started := d.Start(context.Background(), "NSE_EQ|X", minuteRes, func(types.FetchResult) {})
	require.True(t, started)

	require.Eventually(t, func() bool {
		return f.calls() >= 2
	}, 5*time.Second, 5*time.Millisecond)

	nowMu.Lock()
	now = marketClosed()
	nowMu.Unlock()

	// Allow the next tick to observe the closed market and stop.
	time.Sleep(50 * time.Millisecond)
	after := f.calls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, f.calls(), "poll kept running after market close")
}

func TestNewStartReplacesExistingPoll(t *testing.T) {
	f := newFakeFetcher()
	d := New(f, markethours.NSE(), 10*time.Millisecond)
	d.SetClock(marketOpen)
	defer d.Stop()

	firstUpdates := make(chan types.FetchResult, 32)
	require.True(t, d.Start(context.Background(), "NSE_EQ|FIRST", minuteRes, func(r types.FetchResult) { firstUpdates <- r }))

	require.Eventually(t, func() bool { return f.calls() >= 1 }, time.Second, 5*time.Millisecond)

	require.True(t, d.Start(context.Background(), "NSE_EQ|SECOND", minuteRes, func(types.FetchResult) {}))

	// Drain anything the first poller produced before it was replaced,
	// then confirm it goes quiet.
	time.Sleep(30 * time.Millisecond)
	for len(firstUpdates) > 0 {
		<-firstUpdates
	}
	select {
	case <-firstUpdates:
		t.Fatal("first poll still running after replacement")
	case <-time.After(50 * time.Millisecond):
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "NSE_EQ|SECOND", f.lastKey)
}

func TestStopHaltsPolling(t *testing.T) {
	f := newFakeFetcher()
	d := New(f, markethours.NSE(), 10*time.Millisecond)
	d.SetClock(marketOpen)

	require.True(t, d.Start(context.Background(), "NSE_EQ|X", minuteRes, func(types.FetchResult) {}))
	require.Eventually(t, func() bool { return f.calls() >= 1 }, time.Second, 5*time.Millisecond)

	d.Stop()
	time.Sleep(30 * time.Millisecond)
	after := f.calls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, f.calls())
}
