package auction

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bid is an accepted offer. It is never modified once stored.
type Bid struct {
	// ID increases by one per item in acceptance order, starting at 1.
	ID         uint64          `json:"id" msgpack:"id"`
	ItemID     string          `json:"itemId" msgpack:"item_id"`
	BidderID   string          `json:"bidderId" msgpack:"bidder_id"`
	Amount     decimal.Decimal `json:"amount" msgpack:"amount"`
	IsBuyNow   bool            `json:"isBuyNow" msgpack:"is_buy_now"`
	AcceptedAt time.Time       `json:"acceptedAt" msgpack:"accepted_at"`
}

// BidRequest is a proposed bid as submitted by a caller.
type BidRequest struct {
	ItemID   string
	BidderID string
	Amount   decimal.Decimal
	IsBuyNow bool
}

// Snapshot is a consistent view of an item's auction state at one instant.
type Snapshot struct {
	ItemID          string          `json:"itemId" msgpack:"item_id"`
	CurrentBid      decimal.Decimal `json:"currentBid" msgpack:"current_bid"`
	MinimumNextBid  decimal.Decimal `json:"minimumNextBid" msgpack:"minimum_next_bid"`
	HighestBidderID string          `json:"highestBidderId,omitempty" msgpack:"highest_bidder_id"`
	BidCount        int             `json:"bidCount" msgpack:"bid_count"`
	Status          Status          `json:"status" msgpack:"status"`
	// Version increases on every change published for the item.
	Version uint64 `json:"version" msgpack:"version"`
}

// Position describes where a bidder stands on one item.
type Position string

const (
	PositionNone    Position = "none"
	PositionWinning Position = "winning"
	PositionOutbid  Position = "outbid"
)

// Standing is a bidder's position on one item.
type Standing struct {
	ItemID     string          `json:"itemId"`
	BidderID   string          `json:"bidderId"`
	Position   Position        `json:"position"`
	HighestBid decimal.Decimal `json:"highestBid"`
	Status     Status          `json:"status"`
}

// EventKind classifies auction events.
type EventKind string

const (
	EventBidAccepted   EventKind = "bid_accepted"
	EventItemActivated EventKind = "item_activated"
	EventItemClosed    EventKind = "item_closed"
)

// Event is emitted for every accepted bid and lifecycle change.
type Event struct {
	EventID    string    `json:"eventId" msgpack:"event_id"`
	Kind       EventKind `json:"kind" msgpack:"kind"`
	ItemID     string    `json:"itemId" msgpack:"item_id"`
	Bid        *Bid      `json:"bid,omitempty" msgpack:"bid"`
	Snapshot   Snapshot  `json:"snapshot" msgpack:"snapshot"`
	OccurredAt time.Time `json:"occurredAt" msgpack:"occurred_at"`
}
