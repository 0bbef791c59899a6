package domain

import (
	"fmt"
	"slices"
	"time"
)

// Fill is a single execution reported by the order executor.
type Fill struct {
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol,omitempty"`
	Venue     string    `json:"venue,omitempty"`
}

// Validate rejects non-positive prices and quantities.
func (f Fill) Validate() error {
	if f.Price <= 0 {
		return fmt.Errorf("%w: fill price must be > 0", ErrInvalidInput)
	}
	if f.Quantity <= 0 {
		return fmt.Errorf("%w: fill quantity must be > 0", ErrInvalidInput)
	}
	if f.Timestamp.IsZero() {
		return fmt.Errorf("%w: fill timestamp is required", ErrInvalidInput)
	}
	return nil
}

// ValidateFills checks every fill and rejects an empty list.
func ValidateFills(fills []Fill) error {
	if len(fills) == 0 {
		return ErrEmptyExecutions
	}
	for i, f := range fills {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("fill %d: %w", i, err)
		}
	}
	return nil
}

// SortFills returns a copy of fills ordered by timestamp.
func SortFills(fills []Fill) []Fill {
	out := slices.Clone(fills)
	slices.SortStableFunc(out, func(a, b Fill) int { return a.Timestamp.Compare(b.Timestamp) })
	return out
}

// FilledQuantity sums fill quantities.
func FilledQuantity(fills []Fill) float64 {
	var q float64
	for _, f := range fills {
		q += f.Quantity
	}
	return q
}

// Notional sums price times quantity.
func Notional(fills []Fill) float64 {
	var n float64
	for _, f := range fills {
		n += f.Price * f.Quantity
	}
	return n
}

// AveragePrice is the volume-weighted execution price, or 0 for no fills.
func AveragePrice(fills []Fill) float64 {
	q := FilledQuantity(fills)
	if q <= 0 {
		return 0
	}
	return Notional(fills) / q
}

// FillWindow returns the earliest and latest fill timestamps.
func FillWindow(fills []Fill) (first, last time.Time) {
	for i, f := range fills {
		if i == 0 || f.Timestamp.Before(first) {
			first = f.Timestamp
		}
		if i == 0 || f.Timestamp.After(last) {
			last = f.Timestamp
		}
	}
	return first, last
}
