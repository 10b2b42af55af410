package auction

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the part of the ledger state a bid is judged against.
type Quote struct {
	CurrentBid      decimal.Decimal
	MinimumNextBid  decimal.Decimal
	HighestBidderID string
	HasBids         bool
}

// ValidateBid decides whether req may be appended to the ledger. It returns nil to accept
// or a *Rejection. Rules are checked in order and the first failure wins:
//
//  1. preview mode rejects everything, whatever the item status or window
//  2. the item must be active
//  3. now must lie inside the auction window, bounds inclusive
//  4. a bidder must be named
//  5. buy-now bids must match the buy-now price exactly and skip the increment rule; once
//     bidding has reached the buy-now price, buy-now is no longer available
//  6. standard bids must be valid cent amounts of at least the minimum next bid
//
// A bidder raising their own leading bid is allowed.
func ValidateBid(item AuctionItem, quote Quote, req BidRequest, now time.Time, settings Settings) error {
	if settings.PreviewMode || item.PreviewMode {
		return reject(ReasonAuctionInPreview, RejectionContext{ItemID: item.ID})
	}
	if item.Status != StatusActive {
		return reject(ReasonItemNotBiddable, RejectionContext{ItemID: item.ID, Status: item.Status})
	}
	if item.AuctionStart != nil && now.Before(*item.AuctionStart) {
		return reject(ReasonAuctionNotStarted, RejectionContext{ItemID: item.ID, AuctionStart: item.AuctionStart})
	}
	if item.AuctionEnd != nil && now.After(*item.AuctionEnd) {
		return reject(ReasonAuctionEnded, RejectionContext{ItemID: item.ID, AuctionEnd: item.AuctionEnd})
	}

	if strings.TrimSpace(req.BidderID) == "" {
		return reject(ReasonInvalidBidder, RejectionContext{ItemID: item.ID})
	}

	if req.IsBuyNow {
		if item.BuyNowPrice == nil {
			return reject(ReasonBuyNowNotAvailable, RejectionContext{ItemID: item.ID})
		}
		// bidding has already reached the buy-now price, so buying now could not win the item
		if quote.HasBids && quote.CurrentBid.GreaterThanOrEqual(*item.BuyNowPrice) {
			return reject(ReasonBuyNowNotAvailable, RejectionContext{ItemID: item.ID, BuyNowPrice: nullDecimal(*item.BuyNowPrice)})
		}
		if !ValidAmount(req.Amount) || !req.Amount.Equal(*item.BuyNowPrice) {
			return reject(ReasonInvalidAmount, RejectionContext{ItemID: item.ID, BuyNowPrice: nullDecimal(*item.BuyNowPrice)})
		}
		return nil
	}

	if !ValidAmount(req.Amount) {
		return reject(ReasonInvalidAmount, RejectionContext{ItemID: item.ID, Minimum: nullDecimal(quote.MinimumNextBid)})
	}
	if req.Amount.LessThan(quote.MinimumNextBid) {
		return reject(ReasonBidTooLow, RejectionContext{ItemID: item.ID, Minimum: nullDecimal(quote.MinimumNextBid)})
	}
	return nil
}
