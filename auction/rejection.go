package auction

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Reason identifies why a bid or request was refused.
type Reason string

const (
	ReasonUnknownItem            Reason = "unknown_item"
	ReasonItemNotBiddable        Reason = "item_not_biddable"
	ReasonAuctionInPreview       Reason = "auction_in_preview"
	ReasonAuctionNotStarted      Reason = "auction_not_started"
	ReasonAuctionEnded           Reason = "auction_ended"
	ReasonInvalidBidder          Reason = "invalid_bidder"
	ReasonInvalidAmount          Reason = "invalid_amount"
	ReasonBidTooLow              Reason = "bid_too_low"
	ReasonBuyNowNotAvailable     Reason = "buy_now_not_available"
	ReasonBusy                   Reason = "busy"
	ReasonConcurrentModification Reason = "concurrent_modification"
)

// Sentinels for errors.Is. A Rejection matches a sentinel with the same Reason.
var (
	ErrUnknownItem            = &Rejection{Reason: ReasonUnknownItem}
	ErrItemNotBiddable        = &Rejection{Reason: ReasonItemNotBiddable}
	ErrAuctionInPreview       = &Rejection{Reason: ReasonAuctionInPreview}
	ErrAuctionNotStarted      = &Rejection{Reason: ReasonAuctionNotStarted}
	ErrAuctionEnded           = &Rejection{Reason: ReasonAuctionEnded}
	ErrInvalidBidder          = &Rejection{Reason: ReasonInvalidBidder}
	ErrInvalidAmount          = &Rejection{Reason: ReasonInvalidAmount}
	ErrBidTooLow              = &Rejection{Reason: ReasonBidTooLow}
	ErrBuyNowNotAvailable     = &Rejection{Reason: ReasonBuyNowNotAvailable}
	ErrBusy                   = &Rejection{Reason: ReasonBusy}
	ErrConcurrentModification = &Rejection{Reason: ReasonConcurrentModification}
)

// RejectionContext carries the values a caller needs to explain a rejection.
type RejectionContext struct {
	ItemID       string
	Status       Status
	Minimum      decimal.NullDecimal
	BuyNowPrice  decimal.NullDecimal
	AuctionStart *time.Time
	AuctionEnd   *time.Time
}

// Rejection is an expected, recoverable refusal. The ledger is never modified when one is returned.
type Rejection struct {
	Reason  Reason
	Context RejectionContext
	cause   error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("bid rejected: %s: %s", r.Reason, r.Message())
}

func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

func (r *Rejection) Unwrap() error {
	return r.cause
}

// Retryable reports whether resubmitting the same bid unchanged may succeed.
func (r *Rejection) Retryable() bool {
	return r.Reason == ReasonBusy || r.Reason == ReasonConcurrentModification
}

// Message renders the rejection for the bidder.
func (r *Rejection) Message() string {
	c := r.Context
	switch r.Reason {
	case ReasonUnknownItem:
		return fmt.Sprintf("Auction item %q does not exist", c.ItemID)
	case ReasonItemNotBiddable:
		if c.Status != "" {
			return fmt.Sprintf("This item is not open for bidding (status: %s)", c.Status)
		}
		return "This item is not open for bidding"
	case ReasonAuctionInPreview:
		return "The auction is in preview, bidding is not open yet"
	case ReasonAuctionNotStarted:
		if c.AuctionStart != nil {
			return "Bidding opens at " + c.AuctionStart.Format(time.RFC3339)
		}
		return "Bidding has not started"
	case ReasonAuctionEnded:
		if c.AuctionEnd != nil {
			return "Bidding closed at " + c.AuctionEnd.Format(time.RFC3339)
		}
		return "Bidding has ended"
	case ReasonInvalidBidder:
		return "A bidder is required"
	case ReasonInvalidAmount:
		if c.BuyNowPrice.Valid {
			return "The buy-now price is " + FormatMoney(c.BuyNowPrice.Decimal)
		}
		return "Bid amount must be positive with at most two decimal places"
	case ReasonBidTooLow:
		if c.Minimum.Valid {
			return "Your bid must be at least " + FormatMoney(c.Minimum.Decimal)
		}
		return "Your bid is too low"
	case ReasonBuyNowNotAvailable:
		if c.BuyNowPrice.Valid {
			return "Bidding has reached the buy-now price of " + FormatMoney(c.BuyNowPrice.Decimal)
		}
		return "Buy now is not available for this item"
	case ReasonBusy:
		return "The item is busy, please try again"
	case ReasonConcurrentModification:
		return "The auction changed while your bid was processed, please try again"
	}
	return string(r.Reason)
}

func reject(reason Reason, ctx RejectionContext) *Rejection {
	return &Rejection{Reason: reason, Context: ctx}
}

func nullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
