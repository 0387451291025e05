package interfaces

import (
	"context"

	"marketpipe/internal/types"
)

// Resolver maps free-text queries to canonical instruments. Both methods
// treat "no match" as an expected outcome, never an error.
type Resolver interface {
	Search(ctx context.Context, query string, limit int) []types.InstrumentResolution
	Resolve(ctx context.Context, query string) (types.InstrumentResolution, bool)
}

// Fetcher retrieves candle windows over REST with cache-first semantics.
// The shortest timeframe is always redirected to the intraday path.
type Fetcher interface {
	FetchHistory(ctx context.Context, instrumentKey string, timeframe types.Timeframe, resolution types.Resolution, forceRefresh bool) types.FetchResult
	FetchIntraday(ctx context.Context, instrumentKey string, resolution types.Resolution, forceRefresh bool, limit int) types.FetchResult
}

// Stream owns the single persistent duplex connection for live ticks.
type Stream interface {
	Connect(ctx context.Context, instrumentKeys []string) error
	Subscribe(ctx context.Context, instrumentKeys []string)
	Unsubscribe(ctx context.Context, instrumentKeys []string)
	Disconnect()
	State() types.ConnState
	OnTick(instrumentKey string, fn func(types.TickEvent)) (func(), error)
	OnStatus(fn func(types.ConnState)) func()
}

// Poller is the polling fallback used while the stream is unavailable.
type Poller interface {
	Start(ctx context.Context, instrumentKey string, resolution types.Resolution, onUpdate func(types.FetchResult)) bool
	Stop()
}
