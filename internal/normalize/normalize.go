// Package normalize turns raw OHLCV records from any source into a canonical
// candle series: validated, deduplicated and chronologically sorted.
package normalize

import (
	"context"
	"math"
	"sort"

	"marketpipe/internal/logger"
	"marketpipe/internal/types"
)

// Normalize validates, deduplicates and sorts raw candles. Invalid records
// are dropped, not fatal; duplicates keep the first occurrence in input
// order. The result satisfies the series invariants or is empty.
func Normalize(ctx context.Context, raw []types.Candle) types.Series {
	out := make(types.Series, 0, len(raw))
	seen := make(map[int64]struct{}, len(raw))
	dropped := 0

	for _, c := range raw {
		if !Valid(c) {
			dropped++
			continue
		}
		if _, dup := seen[c.Time]; dup {
			continue
		}
		seen[c.Time] = struct{}{}
		out = append(out, c)
	}

	if dropped > 0 {
		logger.Warn(ctx, "Dropped invalid candles", "dropped", dropped, "kept", len(out))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time < out[j].Time
	})

	return out
}

// Valid reports whether a single candle passes OHLC validation: finite
// positive prices, non-negative volume, and low <= open,close <= high.
func Valid(c types.Candle) bool {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close} {
		if !finite(v) || v <= 0 {
			return false
		}
	}
	if !finite(c.Volume) || c.Volume < 0 {
		return false
	}
	if c.Low > c.High {
		return false
	}
	if c.Open < c.Low || c.Open > c.High {
		return false
	}
	if c.Close < c.Low || c.Close > c.High {
		return false
	}
	return true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
