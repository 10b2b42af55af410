package auction

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// ledgerState is an immutable view of one item. A new state is built for every change and
// published with a single atomic pointer swap, so readers never see a half-applied append.
type ledgerState struct {
	item    AuctionItem
	bids    []Bid // acceptance order, shared read-only between states
	leader  int   // index of the current winning bid, -1 without bids
	lastID  uint64
	version uint64
}

func (s *ledgerState) hasBids() bool {
	return s.leader >= 0
}

func (s *ledgerState) currentBid() decimal.Decimal {
	if !s.hasBids() {
		return s.item.StartingBid
	}
	return s.bids[s.leader].Amount
}

func (s *ledgerState) highestBidder() (string, bool) {
	if !s.hasBids() {
		return "", false
	}
	return s.bids[s.leader].BidderID, true
}

func (s *ledgerState) minimumNextBid() decimal.Decimal {
	if !s.hasBids() {
		return s.item.StartingBid
	}
	return s.currentBid().Add(s.item.MinimumBidIncrement)
}

func (s *ledgerState) quote() Quote {
	bidder, _ := s.highestBidder()
	return Quote{
		CurrentBid:      s.currentBid(),
		MinimumNextBid:  s.minimumNextBid(),
		HighestBidderID: bidder,
		HasBids:         s.hasBids(),
	}
}

func (s *ledgerState) snapshot() Snapshot {
	bidder, _ := s.highestBidder()
	return Snapshot{
		ItemID:          s.item.ID,
		CurrentBid:      s.currentBid(),
		MinimumNextBid:  s.minimumNextBid(),
		HighestBidderID: bidder,
		BidCount:        len(s.bids),
		Status:          s.item.Status,
		Version:         s.version,
	}
}

// leads reports whether candidate displaces the current leader: a strictly higher amount,
// or an equal amount accepted earlier.
func leads(candidate, leader Bid) bool {
	if c := candidate.Amount.Cmp(leader.Amount); c != 0 {
		return c > 0
	}
	return candidate.AcceptedAt.Before(leader.AcceptedAt)
}

type itemEntry struct {
	state atomic.Pointer[ledgerState]
}

// Ledger is the append-only, per-item store of accepted bids. Reads are lock-free.
// All writes are expected to come from a Processor holding the item's critical section.
type Ledger struct {
	entries sync.Map // item id -> *itemEntry
}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Register adds a new item to the ledger.
func (l *Ledger) Register(item AuctionItem) (Snapshot, error) {
	return l.Restore(item, nil, 0)
}

// Restore adds an item together with bids accepted before, e.g. when reloading from durable storage.
// version is the last version published for the item; the restored state continues from it so
// snapshots published after a restart compare newer than those published before. A version lower
// than the bids alone account for is raised to that count.
func (l *Ledger) Restore(item AuctionItem, bids []Bid, version uint64) (Snapshot, error) {
	const op = "Ledger.Restore"
	item, err := item.normalize()
	if err != nil {
		return Snapshot{}, fmt.Errorf("[%s] Fail to register item, err=%w", op, err)
	}
	st := &ledgerState{item: item, leader: -1, version: 1}
	if len(bids) > 0 {
		st.bids = slices.Clone(bids)
		slices.SortFunc(st.bids, func(a, b Bid) int { return cmp.Compare(a.ID, b.ID) })
		for i, bid := range st.bids {
			if bid.ItemID != item.ID {
				return Snapshot{}, fmt.Errorf("[%s] Bid %d belongs to item %q, not %q", op, bid.ID, bid.ItemID, item.ID)
			}
			if i > 0 && bid.ID == st.bids[i-1].ID {
				return Snapshot{}, fmt.Errorf("[%s] Duplicate bid id %d for item %q", op, bid.ID, item.ID)
			}
			if st.leader < 0 || leads(bid, st.bids[st.leader]) {
				st.leader = i
			}
		}
		st.lastID = st.bids[len(st.bids)-1].ID
		st.version += uint64(len(st.bids))
	}
	st.version = max(st.version, version)
	entry := &itemEntry{}
	entry.state.Store(st)
	if _, loaded := l.entries.LoadOrStore(item.ID, entry); loaded {
		return Snapshot{}, fmt.Errorf("[%s] %w: %q", op, ErrDuplicateItem, item.ID)
	}
	return st.snapshot(), nil
}

func (l *Ledger) entry(itemID string) (*itemEntry, *ledgerState, error) {
	v, ok := l.entries.Load(itemID)
	if !ok {
		return nil, nil, reject(ReasonUnknownItem, RejectionContext{ItemID: itemID})
	}
	entry := v.(*itemEntry)
	return entry, entry.state.Load(), nil
}

func (l *Ledger) state(itemID string) (*ledgerState, error) {
	_, st, err := l.entry(itemID)
	return st, err
}

// CurrentBid returns the highest accepted amount, or the starting bid when there are no bids.
func (l *Ledger) CurrentBid(itemID string) (decimal.Decimal, error) {
	st, err := l.state(itemID)
	if err != nil {
		return decimal.Zero, err
	}
	return st.currentBid(), nil
}

// HighestBidder returns the bidder holding the current leading bid, if any.
func (l *Ledger) HighestBidder(itemID string) (string, bool, error) {
	st, err := l.state(itemID)
	if err != nil {
		return "", false, err
	}
	bidder, ok := st.highestBidder()
	return bidder, ok, nil
}

// MinimumNextBid returns the smallest amount a standard bid must have to be accepted.
func (l *Ledger) MinimumNextBid(itemID string) (decimal.Decimal, error) {
	st, err := l.state(itemID)
	if err != nil {
		return decimal.Zero, err
	}
	return st.minimumNextBid(), nil
}

// Snapshot returns the item's auction state.
func (l *Ledger) Snapshot(itemID string) (Snapshot, error) {
	st, err := l.state(itemID)
	if err != nil {
		return Snapshot{}, err
	}
	return st.snapshot(), nil
}

// Item returns the item as currently recorded, including its status.
func (l *Ledger) Item(itemID string) (AuctionItem, error) {
	st, err := l.state(itemID)
	if err != nil {
		return AuctionItem{}, err
	}
	return st.item, nil
}

// History returns the item's bids in acceptance order. The sequence is bound to the ledger
// state at call time and yields the same bids every time it is ranged over.
func (l *Ledger) History(itemID string) (iter.Seq[Bid], error) {
	st, err := l.state(itemID)
	if err != nil {
		return nil, err
	}
	bids := st.bids
	return func(yield func(Bid) bool) {
		for _, bid := range bids {
			if !yield(bid) {
				return
			}
		}
	}, nil
}

// HistoryDesc is History in reverse, most recent first.
func (l *Ledger) HistoryDesc(itemID string) (iter.Seq[Bid], error) {
	st, err := l.state(itemID)
	if err != nil {
		return nil, err
	}
	bids := st.bids
	return func(yield func(Bid) bool) {
		for i := len(bids) - 1; i >= 0; i-- {
			if !yield(bids[i]) {
				return
			}
		}
	}, nil
}

// Standing reports whether bidderID is winning, outbid, or has not bid on the item.
func (l *Ledger) Standing(itemID, bidderID string) (Standing, error) {
	st, err := l.state(itemID)
	if err != nil {
		return Standing{}, err
	}
	standing := Standing{ItemID: itemID, BidderID: bidderID, Position: PositionNone, Status: st.item.Status}
	for _, bid := range st.bids {
		if bid.BidderID == bidderID && (standing.Position == PositionNone || bid.Amount.GreaterThan(standing.HighestBid)) {
			standing.HighestBid = bid.Amount
			standing.Position = PositionOutbid
		}
	}
	if leader, ok := st.highestBidder(); ok && leader == bidderID {
		standing.Position = PositionWinning
	}
	return standing, nil
}

// Items returns every registered item with its snapshot, ordered by id.
func (l *Ledger) Items() []ItemView {
	var views []ItemView
	l.entries.Range(func(_, v any) bool {
		st := v.(*itemEntry).state.Load()
		views = append(views, ItemView{Item: st.item, Snapshot: st.snapshot()})
		return true
	})
	slices.SortFunc(views, func(a, b ItemView) int { return cmp.Compare(a.Item.ID, b.Item.ID) })
	return views
}

// ItemView pairs an item with its auction state.
type ItemView struct {
	Item     AuctionItem
	Snapshot Snapshot
}

// append stores an accepted bid, assigning its id and acceptance time. When closeAs is set
// the item's status changes in the same publish. expected must be the state the caller
// validated against; a mismatch means another writer got in and nothing is stored.
func (l *Ledger) append(entry *itemEntry, expected *ledgerState, req BidRequest, now time.Time, closeAs Status) (Bid, *ledgerState, error) {
	bid := Bid{
		ID:         expected.lastID + 1,
		ItemID:     expected.item.ID,
		BidderID:   req.BidderID,
		Amount:     req.Amount,
		IsBuyNow:   req.IsBuyNow,
		AcceptedAt: now,
	}
	next := &ledgerState{
		item:    expected.item,
		bids:    append(slices.Clip(expected.bids), bid),
		leader:  expected.leader,
		lastID:  bid.ID,
		version: expected.version + 1,
	}
	if next.leader < 0 || leads(bid, next.bids[next.leader]) {
		next.leader = len(next.bids) - 1
	}
	if closeAs != "" {
		next.item.Status = closeAs
	}
	if !entry.state.CompareAndSwap(expected, next) {
		return Bid{}, nil, reject(ReasonConcurrentModification, RejectionContext{ItemID: expected.item.ID})
	}
	return bid, next, nil
}

// transition publishes a status change without adding a bid.
func (l *Ledger) transition(entry *itemEntry, expected *ledgerState, to Status) (*ledgerState, error) {
	next := *expected
	next.item.Status = to
	next.version++
	if !entry.state.CompareAndSwap(expected, &next) {
		return nil, reject(ReasonConcurrentModification, RejectionContext{ItemID: expected.item.ID})
	}
	return &next, nil
}
