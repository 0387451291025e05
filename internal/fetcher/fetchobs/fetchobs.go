package fetchobs

import (
	"context"

	"marketpipe/internal/interfaces"
	"marketpipe/internal/logger"
	"marketpipe/internal/trace"
	"marketpipe/internal/types"
)

// observableFetcher wraps a Fetcher with observability (logging & tracing)
type observableFetcher struct {
	fetcher interfaces.Fetcher
}

// Compile-time interface check
var _ interfaces.Fetcher = (*observableFetcher)(nil)

// Wrap wraps a fetcher with observability middleware
func Wrap(fetcher interfaces.Fetcher) interfaces.Fetcher {
	return &observableFetcher{
		fetcher: fetcher,
	}
}

// FetchHistory fetches a multi-day candle window with observability
func (of *observableFetcher) FetchHistory(ctx context.Context, instrumentKey string, timeframe types.Timeframe, resolution types.Resolution, forceRefresh bool) types.FetchResult {
	ctx, span := trace.StartSpan(ctx, "fetcher.FetchHistory")
	defer span.End()

	logger.DebugSkip(ctx, 1, "Fetching history candles",
		"instrument_key", instrumentKey,
		"timeframe", string(timeframe),
		"resolution", resolution.String(),
		"force_refresh", forceRefresh,
	)

	result := of.fetcher.FetchHistory(ctx, instrumentKey, timeframe, resolution, forceRefresh)
	logOutcome(ctx, "history", instrumentKey, result)
	return result
}

// FetchIntraday fetches current-session candles with observability
func (of *observableFetcher) FetchIntraday(ctx context.Context, instrumentKey string, resolution types.Resolution, forceRefresh bool, limit int) types.FetchResult {
	ctx, span := trace.StartSpan(ctx, "fetcher.FetchIntraday")
	defer span.End()

	logger.DebugSkip(ctx, 1, "Fetching intraday candles",
		"instrument_key", instrumentKey,
		"resolution", resolution.String(),
		"force_refresh", forceRefresh,
		"limit", limit,
	)

	result := of.fetcher.FetchIntraday(ctx, instrumentKey, resolution, forceRefresh, limit)
	logOutcome(ctx, "intraday", instrumentKey, result)
	return result
}

// CancelPending forwards cancellation to the wrapped fetcher when it
// supports it, so wrapping does not hide the capability from callers.
func (of *observableFetcher) CancelPending(instrumentKey string) {
	if pc, ok := of.fetcher.(interface{ CancelPending(string) }); ok {
		pc.CancelPending(instrumentKey)
	}
}

func logOutcome(ctx context.Context, path, instrumentKey string, result types.FetchResult) {
	switch result.Status {
	case types.FetchError:
		logger.ErrorWithErrSkip(ctx, 2, "Candle fetch returned error", result.Err,
			"path", path, "instrument_key", instrumentKey)
	case types.FetchEmpty:
		logger.InfoSkip(ctx, 2, "Candle fetch returned no data",
			"path", path, "instrument_key", instrumentKey)
	default:
		logger.DebugSkip(ctx, 2, "Candle fetch completed",
			"path", path, "instrument_key", instrumentKey, "count", len(result.Candles))
	}
}
