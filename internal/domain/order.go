package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CounterpartyType identifies who stands behind an order.
type CounterpartyType string

const (
	CounterpartyUnknown     CounterpartyType = ""
	CounterpartyInvestor    CounterpartyType = "investor"
	CounterpartyMarketMaker CounterpartyType = "market_maker"
)

// Valid reports whether c is one of the known counterparty types.
func (c CounterpartyType) Valid() bool {
	return c == CounterpartyInvestor || c == CounterpartyMarketMaker
}

// OrderSide indicates whether an order buys or sells fund units.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Order is a fund order as reported by the external order book. It is
// read-only from this service's point of view.
type Order struct {
	OrderID          string
	Side             OrderSide
	CounterpartyType CounterpartyType
	CounterpartyName string
	FundID           string
	Units            decimal.Decimal
	Amount           int64
	Price            int64
	Timestamp        time.Time
}
