package domain

import (
	"fmt"
	"time"
)

// Side indicates whether an order buys or sells.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells. Multiplying a price move by the
// sign turns it into a cost: positive means the move hurt the order.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Validate rejects anything other than buy or sell.
func (s Side) Validate() error {
	switch s {
	case SideBuy, SideSell:
		return nil
	}
	return fmt.Errorf("%w: side %q", ErrInvalidInput, s)
}

// TimeRange is a closed interval of wall-clock time.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the range, bounds included.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// TradingConstraints bound a pre-trade schedule. Zero values for the caps
// mean "no cap".
type TradingConstraints struct {
	StartTime            time.Time   `json:"start_time"`
	EndTime              time.Time   `json:"end_time"`
	MinOrderSize         float64     `json:"min_order_size"`
	MaxOrderSize         float64     `json:"max_order_size"`
	MinParticipationRate float64     `json:"min_participation_rate"`
	MaxParticipationRate float64     `json:"max_participation_rate"`
	MaxMarketImpactBps   float64     `json:"max_market_impact_bps"`
	MaxTotalCostBps      float64     `json:"max_total_cost_bps"`
	RiskAversion         float64     `json:"risk_aversion"`
	BlackoutPeriods      []TimeRange `json:"blackout_periods,omitempty"`
}

// Validate checks the time window, the participation bounds and the sizes.
func (c TradingConstraints) Validate() error {
	if c.StartTime.IsZero() || c.EndTime.IsZero() {
		return fmt.Errorf("%w: start_time and end_time are required", ErrInvalidInput)
	}
	if !c.StartTime.Before(c.EndTime) {
		return fmt.Errorf("%w: start_time must precede end_time", ErrInvalidInput)
	}
	if c.MinParticipationRate < 0 || c.MinParticipationRate > 1 {
		return fmt.Errorf("%w: min_participation_rate %.4f outside [0,1]", ErrInvalidInput, c.MinParticipationRate)
	}
	if c.MaxParticipationRate <= 0 || c.MaxParticipationRate > 1 {
		return fmt.Errorf("%w: max_participation_rate %.4f outside (0,1]", ErrInvalidInput, c.MaxParticipationRate)
	}
	if c.MinParticipationRate > c.MaxParticipationRate {
		return fmt.Errorf("%w: min_participation_rate exceeds max_participation_rate", ErrInvalidInput)
	}
	if c.MinOrderSize < 0 || c.MaxOrderSize < 0 {
		return fmt.Errorf("%w: order sizes must be non-negative", ErrInvalidInput)
	}
	if c.MaxOrderSize > 0 && c.MinOrderSize > c.MaxOrderSize {
		return fmt.Errorf("%w: min_order_size exceeds max_order_size", ErrInvalidInput)
	}
	if c.MaxMarketImpactBps < 0 || c.MaxTotalCostBps < 0 || c.RiskAversion < 0 {
		return fmt.Errorf("%w: caps and risk_aversion must be non-negative", ErrInvalidInput)
	}
	for i, b := range c.BlackoutPeriods {
		if b.End.Before(b.Start) {
			return fmt.Errorf("%w: blackout period %d ends before it starts", ErrInvalidInput, i)
		}
	}
	return nil
}

// Duration is the length of the trading window.
func (c TradingConstraints) Duration() time.Duration {
	return c.EndTime.Sub(c.StartTime)
}

// InBlackout reports whether t falls inside any blackout period.
func (c TradingConstraints) InBlackout(t time.Time) bool {
	for _, b := range c.BlackoutPeriods {
		if b.Contains(t) {
			return true
		}
	}
	return false
}

// MonitoredOrder is the static description of an order handed to the live
// monitor.
type MonitoredOrder struct {
	OrderID         string    `json:"order_id"`
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	TargetQuantity  float64   `json:"target_quantity"`
	ArrivalPrice    float64   `json:"arrival_price"`
	StartTime       time.Time `json:"start_time"`
	ExpectedEndTime time.Time `json:"expected_end_time"`
	Venue           string    `json:"venue,omitempty"`
}

// Validate checks the fields the monitor depends on.
func (o MonitoredOrder) Validate() error {
	if o.OrderID == "" {
		return fmt.Errorf("%w: order_id is required", ErrInvalidInput)
	}
	if err := o.Side.Validate(); err != nil {
		return err
	}
	if o.TargetQuantity <= 0 {
		return fmt.Errorf("%w: target_quantity must be > 0", ErrInvalidInput)
	}
	if o.ArrivalPrice <= 0 {
		return fmt.Errorf("%w: arrival_price must be > 0", ErrInvalidInput)
	}
	if !o.ExpectedEndTime.IsZero() && o.ExpectedEndTime.Before(o.StartTime) {
		return fmt.Errorf("%w: expected_end_time precedes start_time", ErrInvalidInput)
	}
	return nil
}
