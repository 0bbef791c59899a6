package domain

import (
	"fmt"
	"slices"
	"time"
)

// MarketBar is one OHLCV record, optionally carrying the closing quote.
type MarketBar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
}

// HasQuote reports whether the bar carries a usable bid/ask pair.
func (b MarketBar) HasQuote() bool {
	return b.Bid > 0 && b.Ask > 0 && b.Ask >= b.Bid
}

// Mid returns the quote midpoint, falling back to the close.
func (b MarketBar) Mid() float64 {
	if b.HasQuote() {
		return (b.Bid + b.Ask) / 2
	}
	return b.Close
}

// SpreadBps returns the quoted spread relative to the midpoint.
func (b MarketBar) SpreadBps() float64 {
	if !b.HasQuote() {
		return 0
	}
	mid := b.Mid()
	if mid <= 0 {
		return 0
	}
	return (b.Ask - b.Bid) / mid * 1e4
}

// Usable reports whether the bar can feed a price or volume average: a
// positive close and a non-negative volume.
func (b MarketBar) Usable() bool {
	return b.Close > 0 && b.Volume >= 0
}

// MarketSeries is a time-indexed table of bars. Methods assume nothing about
// ordering; call Sorted first when order matters.
type MarketSeries []MarketBar

// Sorted returns a copy ordered by timestamp.
func (s MarketSeries) Sorted() MarketSeries {
	out := slices.Clone(s)
	slices.SortStableFunc(out, func(a, b MarketBar) int { return a.Timestamp.Compare(b.Timestamp) })
	return out
}

// Usable drops bars that fail MarketBar.Usable.
func (s MarketSeries) Usable() MarketSeries {
	out := make(MarketSeries, 0, len(s))
	for _, b := range s {
		if b.Usable() {
			out = append(out, b)
		}
	}
	return out
}

// Window returns the usable bars with start <= timestamp <= end, in input
// order.
func (s MarketSeries) Window(start, end time.Time) MarketSeries {
	var out MarketSeries
	for _, b := range s {
		if !b.Usable() || b.Timestamp.Before(start) || b.Timestamp.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// PriceAt returns the close of the latest usable bar at or before t.
func (s MarketSeries) PriceAt(t time.Time) (float64, bool) {
	var (
		best  MarketBar
		found bool
	)
	for _, b := range s {
		if b.Timestamp.After(t) || !b.Usable() {
			continue
		}
		if !found || b.Timestamp.After(best.Timestamp) {
			best, found = b, true
		}
	}
	return best.Close, found
}

// Closes returns the close prices in series order.
func (s MarketSeries) Closes() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Close
	}
	return out
}

// Volumes returns the bar volumes in series order.
func (s MarketSeries) Volumes() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Volume
	}
	return out
}

// TotalVolume sums bar volumes.
func (s MarketSeries) TotalVolume() float64 {
	var v float64
	for _, b := range s {
		v += b.Volume
	}
	return v
}

// MarketStats are the slow-moving per-symbol inputs to pre-trade analytics.
type MarketStats struct {
	Symbol             string    `json:"symbol"`
	AverageDailyVolume float64   `json:"average_daily_volume"`
	Volatility         float64   `json:"volatility"`
	SpreadBps          float64   `json:"spread_bps"`
	Price              float64   `json:"price"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Validate checks that the statistics are usable.
func (s MarketStats) Validate() error {
	switch {
	case s.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidInput)
	case s.AverageDailyVolume < 0 || s.Volatility < 0 || s.SpreadBps < 0 || s.Price < 0:
		return fmt.Errorf("%w: market stats must be non-negative", ErrInvalidInput)
	}
	return nil
}
