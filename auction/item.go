package auction

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an auction item.
type Status string

const (
	StatusDraft  Status = "draft"
	StatusActive Status = "active"
	StatusSold   Status = "sold"
	StatusUnsold Status = "unsold"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSold || s == StatusUnsold
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusSold, StatusUnsold:
		return true
	}
	return false
}

var (
	ErrInvalidItem       = errors.New("invalid auction item")
	ErrDuplicateItem     = errors.New("auction item already registered")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// AuctionItem holds the pricing parameters and lifecycle state of one item.
type AuctionItem struct {
	ID                  string
	Title               string
	StartingBid         decimal.Decimal
	MinimumBidIncrement decimal.Decimal
	// BuyNowPrice is nil when the item cannot be bought outright.
	BuyNowPrice  *decimal.Decimal
	Status       Status
	AuctionStart *time.Time
	AuctionEnd   *time.Time
	// PreviewMode disables bidding on this item only. Settings.PreviewMode covers the whole event.
	PreviewMode bool
}

// normalize fills defaults and checks the pricing invariants.
func (item AuctionItem) normalize() (AuctionItem, error) {
	if item.ID == "" {
		return item, fmt.Errorf("%w: empty id", ErrInvalidItem)
	}
	if item.Status == "" {
		item.Status = StatusDraft
	}
	if !item.Status.Valid() {
		return item, fmt.Errorf("%w: unknown status %q", ErrInvalidItem, item.Status)
	}
	if item.StartingBid.IsNegative() || !HasCentPrecision(item.StartingBid) {
		return item, fmt.Errorf("%w: starting bid %s", ErrInvalidItem, item.StartingBid)
	}
	if item.MinimumBidIncrement.IsZero() {
		item.MinimumBidIncrement = DefaultMinimumBidIncrement
	}
	if !ValidAmount(item.MinimumBidIncrement) {
		return item, fmt.Errorf("%w: minimum bid increment %s", ErrInvalidItem, item.MinimumBidIncrement)
	}
	if item.BuyNowPrice != nil {
		if !HasCentPrecision(*item.BuyNowPrice) || item.BuyNowPrice.LessThanOrEqual(item.StartingBid) {
			return item, fmt.Errorf("%w: buy-now price %s must exceed starting bid %s", ErrInvalidItem, item.BuyNowPrice, item.StartingBid)
		}
	}
	if item.AuctionStart != nil && item.AuctionEnd != nil && item.AuctionEnd.Before(*item.AuctionStart) {
		return item, fmt.Errorf("%w: auction ends before it starts", ErrInvalidItem)
	}
	return item, nil
}

// Settings are the event-wide switches that affect bidding.
type Settings struct {
	PreviewMode bool
}

// SettingsSource supplies the settings in force for one submission.
type SettingsSource interface {
	Settings() Settings
}

// StaticSettings never changes.
type StaticSettings Settings

func (s StaticSettings) Settings() Settings { return Settings(s) }

// AtomicSettings can be swapped while submissions are running, e.g. on config reload.
type AtomicSettings struct {
	v atomic.Pointer[Settings]
}

func NewAtomicSettings(initial Settings) *AtomicSettings {
	s := &AtomicSettings{}
	s.Store(initial)
	return s
}

func (s *AtomicSettings) Settings() Settings {
	if p := s.v.Load(); p != nil {
		return *p
	}
	return Settings{}
}

func (s *AtomicSettings) Store(settings Settings) {
	s.v.Store(&settings)
}
