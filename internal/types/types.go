package types

import (
	"errors"
	"fmt"
)

// Timeframe is the total span of history a chart requests.
type Timeframe string

const (
	Timeframe1D Timeframe = "1D"
	Timeframe1W Timeframe = "1W"
	Timeframe1M Timeframe = "1M"
	Timeframe2M Timeframe = "2M"
	Timeframe3M Timeframe = "3M"
	Timeframe1Y Timeframe = "1Y"
)

// SpanDays returns the number of calendar days a multi-day timeframe covers.
// Timeframe1D is served from the intraday path and has no multi-day span.
func (t Timeframe) SpanDays() (int, bool) {
	switch t {
	case Timeframe1W:
		return 7, true
	case Timeframe1M:
		return 30, true
	case Timeframe2M:
		return 60, true
	case Timeframe3M:
		return 90, true
	case Timeframe1Y:
		return 365, true
	}
	return 0, false
}

// ParseTimeframe validates a timeframe label.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case Timeframe1D, Timeframe1W, Timeframe1M, Timeframe2M, Timeframe3M, Timeframe1Y:
		return Timeframe(s), nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Resolution is the time granularity of a candle.
type Resolution struct {
	Unit     string // "minutes", "hours" or "days"
	Interval int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%d%s", r.Interval, r.Unit)
}

// ParseResolution parses labels like "1minutes", "15minutes", "1days".
func ParseResolution(s string) (Resolution, error) {
	var interval int
	var unit string
	if _, err := fmt.Sscanf(s, "%d%s", &interval, &unit); err != nil {
		return Resolution{}, fmt.Errorf("unknown resolution %q", s)
	}
	switch unit {
	case "minutes", "hours", "days":
	default:
		return Resolution{}, fmt.Errorf("unknown resolution unit %q", unit)
	}
	if interval <= 0 {
		return Resolution{}, fmt.Errorf("resolution interval must be positive, got %d", interval)
	}
	return Resolution{Unit: unit, Interval: interval}, nil
}

// Seconds returns the duration of one bar at this resolution, in seconds.
func (r Resolution) Seconds() int64 {
	switch r.Unit {
	case "minutes":
		return int64(r.Interval) * 60
	case "hours":
		return int64(r.Interval) * 3600
	case "days":
		return int64(r.Interval) * 86400
	}
	return 60
}

// Candle is one OHLCV bar. Time is seconds since epoch and the canonical
// sort/join key; TimestampText retains the source timestamp for display.
type Candle struct {
	Time          int64   `json:"time"`
	TimestampText string  `json:"timestampText,omitempty"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        float64 `json:"volume"`
}

// Series is an ordered candle sequence for one (instrument, timeframe,
// resolution) triple: strictly increasing Time, no duplicates.
type Series []Candle

// Clone returns an independent copy of the series.
func (s Series) Clone() Series {
	if s == nil {
		return nil
	}
	out := make(Series, len(s))
	copy(out, s)
	return out
}

// InstrumentResolution maps a free-text query to a canonical instrument.
type InstrumentResolution struct {
	InstrumentKey string `json:"instrumentKey"`
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	Exchange      string `json:"exchange"`
	Type          string `json:"type"`
}

// ConnState is the pipeline's connection status signal.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StatePolling      ConnState = "polling"
	StateError        ConnState = "error"
)

// FetchStatus distinguishes "no data" from "error" after a completed fetch.
type FetchStatus string

const (
	FetchOK    FetchStatus = "ok"
	FetchEmpty FetchStatus = "empty"
	FetchError FetchStatus = "error"
)

// FetchResult is the typed outcome of one candle fetch. Transport failures
// are carried in Err with Status FetchError, never raised to callers.
type FetchResult struct {
	Status  FetchStatus
	Candles Series
	Err     error
}

// ErrSuperseded marks a fetch whose result was discarded because a newer
// fetch for the same cache key was started.
var ErrSuperseded = errors.New("fetch superseded by a newer request for the same key")

// TickEvent is one inbound event from the live stream.
type TickEvent struct {
	Type          string  `json:"type"` // "tick" or "candle"
	InstrumentKey string  `json:"instrumentKey"`
	LTP           float64 `json:"ltp,omitempty"`
	High          float64 `json:"high,omitempty"`
	Low           float64 `json:"low,omitempty"`
	Vol           float64 `json:"vol,omitempty"`
	TS            int64   `json:"ts,omitempty"`
}

// StreamCommand is the outbound subscribe/unsubscribe message.
type StreamCommand struct {
	Action         string   `json:"action"` // "subscribe" or "unsubscribe"
	Mode           string   `json:"mode"`   // "full" or "ltpc"
	InstrumentKeys []string `json:"instrumentKeys"`
}
