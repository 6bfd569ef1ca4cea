package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
)

// ReferencePosition is the last REST-sourced view of one open position.
// Identity is (Broker, DealID).
type ReferencePosition struct {
	Broker        string
	Account       string
	DealID        string
	Epic          string
	Amount        decimal.Decimal // signed or unsigned, as the broker reports it
	Direction     string          // BUY or SELL
	OpenLevel     decimal.Decimal
	Currency      string
	Uic           string
	ValuePerPoint decimal.Decimal
	ScalingFactor decimal.Decimal
	UpdatedAt     time.Time
}

// Key is the case-insensitive identity used by every dealId index.
func Key(dealID string) string {
	return strings.ToUpper(strings.TrimSpace(dealID))
}

// IsSell reports whether the position is short.
func (p ReferencePosition) IsSell() bool {
	if p.Direction != "" {
		return strings.EqualFold(p.Direction, DirectionSell)
	}
	return p.Amount.IsNegative()
}

// Snapshot converts the reference into the wire event used for bulk registration.
func (p ReferencePosition) Snapshot() Snapshot {
	direction := DirectionBuy
	if p.IsSell() {
		direction = DirectionSell
	}
	return Snapshot{
		Type:          TypeSnapshot,
		DealID:        p.DealID,
		Epic:          p.Epic,
		Direction:     direction,
		Size:          p.Amount.Abs().InexactFloat64(),
		OpenLevel:     p.OpenLevel.InexactFloat64(),
		Currency:      p.Currency,
		Broker:        p.Broker,
		Account:       p.Account,
		ValuePerPoint: p.ValuePerPoint.InexactFloat64(),
		ScalingFactor: p.ScalingFactor.InexactFloat64(),
	}
}

// Closed builds the lifecycle event emitted when the position disappears.
func (p ReferencePosition) Closed() Closed {
	return Closed{Type: TypeClosed, Broker: p.Broker, DealID: p.DealID, Epic: p.Epic}
}
