package db

import "time"

// Order is the journaled view of an order's latest state.
type Order struct {
	ClientRef  string
	BrokerID   int64
	Instrument string
	Side       string
	Qty        float64
	Kind       string
	LimitPrice float64
	Account    string
	Status     string
	StatusText string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Fill is one reconciled execution+commission pair.
type Fill struct {
	ID         string
	ExecID     string
	ClientRef  string
	BrokerID   int64
	Instrument string
	Account    string
	Qty        float64
	CumQty     float64
	Remaining  float64
	Price      float64
	Commission float64
	Status     string
	VenueTime  time.Time
	CreatedAt  time.Time
}
