package auction

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func requireRejection(t *testing.T, err error, reason Reason) *Rejection {
	t.Helper()
	var rejection *Rejection
	require.True(t, errors.As(err, &rejection), "expected %s rejection, got %v", reason, err)
	require.Equal(t, reason, rejection.Reason)
	return rejection
}

func TestNewProcessor_NilLedger(t *testing.T) {
	_, err := NewProcessor(nil)
	assert.Error(t, err)
}

func TestProcessor_StandardBidding(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, activeItem("1"))
	ctx := context.Background()

	minimum, err := env.ledger.MinimumNextBid("1")
	require.NoError(t, err)
	assert.True(t, minimum.Equal(money("50")))

	snapshot, err := env.processor.SubmitBid(ctx, BidRequest{ItemID: "1", BidderID: "A", Amount: money("50")})
	require.NoError(t, err)
	assert.True(t, snapshot.CurrentBid.Equal(money("50")))
	assert.True(t, snapshot.MinimumNextBid.Equal(money("55")))
	assert.Equal(t, "A", snapshot.HighestBidderID)

	current, err := env.ledger.CurrentBid("1")
	require.NoError(t, err)
	assert.True(t, current.Equal(money("50")))

	_, err = env.processor.SubmitBid(ctx, BidRequest{ItemID: "1", BidderID: "B", Amount: money("52")})
	rejection := requireRejection(t, err, ReasonBidTooLow)
	assert.True(t, rejection.Context.Minimum.Decimal.Equal(money("55")))
	assert.Equal(t, "Your bid must be at least $55.00", rejection.Message())

	_, err = env.processor.SubmitBid(ctx, BidRequest{ItemID: "1", BidderID: "B", Amount: money("55")})
	require.NoError(t, err)

	bidder, ok, err := env.ledger.HighestBidder("1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "B", bidder)

	after, err := env.ledger.Snapshot("1")
	require.NoError(t, err)
	assert.Equal(t, 2, after.BidCount, "the rejected bid is not stored")
}

func TestProcessor_BuyNow(t *testing.T) {
	env := newTestEnv(t)
	item := activeItem("2")
	item.BuyNowPrice = moneyPtr("300")
	env.register(t, item)
	ctx := context.Background()

	snapshot, err := env.processor.SubmitBid(ctx, BidRequest{ItemID: "2", BidderID: "C", Amount: money("300"), IsBuyNow: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSold, snapshot.Status)
	assert.Equal(t, "C", snapshot.HighestBidderID)
	assert.Equal(t, 1, snapshot.BidCount)

	_, err = env.processor.SubmitBid(ctx, BidRequest{ItemID: "2", BidderID: "D", Amount: money("305")})
	requireRejection(t, err, ReasonItemNotBiddable)

	history, err := env.ledger.History("2")
	require.NoError(t, err)
	bids := slices.Collect(history)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].IsBuyNow)

	events := env.sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventBidAccepted, events[0].Kind)
	assert.Equal(t, EventItemClosed, events[1].Kind)
	assert.Equal(t, StatusSold, events[1].Snapshot.Status)
}

func TestProcessor_BuyNowWrongAmount(t *testing.T) {
	env := newTestEnv(t)
	item := activeItem("2")
	item.BuyNowPrice = moneyPtr("300")
	env.register(t, item)
	env.register(t, activeItem("3"))

	_, err := env.processor.SubmitBid(context.Background(), BidRequest{ItemID: "2", BidderID: "C", Amount: money("299.99"), IsBuyNow: true})
	requireRejection(t, err, ReasonInvalidAmount)

	_, err = env.processor.SubmitBid(context.Background(), BidRequest{ItemID: "3", BidderID: "C", Amount: money("300"), IsBuyNow: true})
	requireRejection(t, err, ReasonBuyNowNotAvailable)

	snapshot, err := env.ledger.Snapshot("2")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, snapshot.Status)
	assert.Zero(t, snapshot.BidCount)
}

func TestProcessor_BuyNowAfterBiddingPassedPrice(t *testing.T) {
	env := newTestEnv(t)
	item := activeItem("2")
	item.BuyNowPrice = moneyPtr("300")
	env.register(t, item)
	ctx := context.Background()

	_, err := env.processor.SubmitBid(ctx, BidRequest{ItemID: "2", BidderID: "A", Amount: money("320")})
	require.NoError(t, err)

	_, err = env.processor.SubmitBid(ctx, BidRequest{ItemID: "2", BidderID: "C", Amount: money("300"), IsBuyNow: true})
	rejection := requireRejection(t, err, ReasonBuyNowNotAvailable)
	require.True(t, rejection.Context.BuyNowPrice.Valid)
	assert.True(t, rejection.Context.BuyNowPrice.Decimal.Equal(money("300")))

	snapshot, err := env.ledger.Snapshot("2")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, snapshot.Status)
	assert.Equal(t, "A", snapshot.HighestBidderID)
	assert.Equal(t, 1, snapshot.BidCount)

	standing, err := env.ledger.Standing("2", "C")
	require.NoError(t, err)
	assert.Equal(t, PositionNone, standing.Position)
}

func TestProcessor_BuyNowIsAtomicForReaders(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newTestEnv(t)
	item := activeItem("2")
	item.BuyNowPrice = moneyPtr("300")
	env.register(t, item)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			snapshot, err := env.ledger.Snapshot("2")
			if !assert.NoError(t, err) {
				return
			}
			sold := snapshot.Status == StatusSold
			hasBid := snapshot.BidCount == 1
			if !assert.Equal(t, sold, hasBid, "status and bid must change together") {
				return
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}()

	_, err := env.processor.SubmitBid(context.Background(), BidRequest{ItemID: "2", BidderID: "C", Amount: money("300"), IsBuyNow: true})
	require.NoError(t, err)
	close(done)
	wg.Wait()
}

func TestProcessor_AuctionEnded(t *testing.T) {
	env := newTestEnv(t)
	item := activeItem("3")
	end := env.clock.Now().Add(-time.Hour)
	item.AuctionEnd = &end
	env.register(t, item)

	_, err := env.processor.SubmitBid(context.Background(), BidRequest{ItemID: "3", BidderID: "A", Amount: money("100")})
	requireRejection(t, err, ReasonAuctionEnded)
}

func TestProcessor_PreviewMode(t *testing.T) {
	env := newTestEnv(t)
	item := activeItem("4")
	item.PreviewMode = true
	env.register(t, item)
	env.register(t, activeItem("5"))
	ctx := context.Background()

	_, err := env.processor.SubmitBid(ctx, BidRequest{ItemID: "4", BidderID: "A", Amount: money("50")})
	requireRejection(t, err, ReasonAuctionInPreview)

	_, err = env.processor.SubmitBid(ctx, BidRequest{ItemID: "5", BidderID: "A", Amount: money("50")})
	require.NoError(t, err)

	env.settings.Store(Settings{PreviewMode: true})
	_, err = env.processor.SubmitBid(ctx, BidRequest{ItemID: "5", BidderID: "B", Amount: money("100")})
	requireRejection(t, err, ReasonAuctionInPreview)

	env.settings.Store(Settings{})
	_, err = env.processor.SubmitBid(ctx, BidRequest{ItemID: "5", BidderID: "B", Amount: money("100")})
	require.NoError(t, err)
}

func TestProcessor_UnknownItem(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.processor.SubmitBid(context.Background(), BidRequest{ItemID: "nope", BidderID: "A", Amount: money("50")})
	requireRejection(t, err, ReasonUnknownItem)
}

func TestProcessor_NoDoubleAccept(t *testing.T) {
	defer goleak.VerifyNone(t)

	const n = 64
	env := newTestEnv(t, WithProcessorLockTimeout(10*time.Second))
	env.register(t, activeItem("1"))

	start := make(chan struct{})
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = env.processor.SubmitBid(context.Background(), BidRequest{
				ItemID:   "1",
				BidderID: string(rune('a' + i%26)),
				Amount:   money("50"),
			})
		}()
	}
	close(start)
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		rejection := requireRejection(t, err, ReasonBidTooLow)
		assert.True(t, rejection.Context.Minimum.Decimal.Equal(money("55")))
	}
	assert.Equal(t, 1, accepted)

	snapshot, err := env.ledger.Snapshot("1")
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.BidCount)
}

func TestProcessor_Monotonicity(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newTestEnv(t, WithProcessorLockTimeout(10*time.Second))
	env.register(t, activeItem("1"))

	var wg sync.WaitGroup
	for i := range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			amount := money("50").Add(money("5").Mul(money(string(rune('0' + i%10)))))
			_, _ = env.processor.SubmitBid(context.Background(), BidRequest{ItemID: "1", BidderID: "x", Amount: amount})
		}()
	}
	wg.Wait()

	history, err := env.ledger.History("1")
	require.NoError(t, err)
	bids := slices.Collect(history)
	require.NotEmpty(t, bids)
	for i := 1; i < len(bids); i++ {
		assert.True(t, bids[i].Amount.GreaterThan(bids[i-1].Amount), "bid %d not above its predecessor", bids[i].ID)
		assert.Equal(t, bids[i-1].ID+1, bids[i].ID)
	}
	current, err := env.ledger.CurrentBid("1")
	require.NoError(t, err)
	assert.True(t, current.Equal(bids[len(bids)-1].Amount))
}

func TestProcessor_BusyAndCrossItemIndependence(t *testing.T) {
	locker := NewKeyedMutex()
	env := newTestEnv(t, WithProcessorLocker(locker), WithProcessorLockTimeout(30*time.Millisecond))
	env.register(t, activeItem("x"))
	env.register(t, activeItem("y"))
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "x")
	require.NoError(t, err)

	start := time.Now()
	_, err = env.processor.SubmitBid(ctx, BidRequest{ItemID: "y", BidderID: "A", Amount: money("50")})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 25*time.Millisecond, "item y must not wait for item x")

	_, err = env.processor.SubmitBid(ctx, BidRequest{ItemID: "x", BidderID: "A", Amount: money("50")})
	rejection := requireRejection(t, err, ReasonBusy)
	assert.True(t, rejection.Retryable())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	_, err = env.processor.SubmitBid(ctx, BidRequest{ItemID: "x", BidderID: "A", Amount: money("50")})
	require.NoError(t, err)
}

func TestProcessor_CallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, activeItem("1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.processor.SubmitBid(ctx, BidRequest{ItemID: "1", BidderID: "A", Amount: money("50")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrBusy)
}

func TestProcessor_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	draft := activeItem("1")
	draft.Status = StatusDraft
	env.register(t, draft)
	env.register(t, activeItem("2"))
	ctx := context.Background()

	_, err := env.processor.SubmitBid(ctx, BidRequest{ItemID: "1", BidderID: "A", Amount: money("50")})
	requireRejection(t, err, ReasonItemNotBiddable)

	snapshot, err := env.processor.Activate(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, snapshot.Status)

	_, err = env.processor.Activate(ctx, "1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = env.processor.SubmitBid(ctx, BidRequest{ItemID: "1", BidderID: "A", Amount: money("50")})
	require.NoError(t, err)

	snapshot, err = env.processor.Close(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, StatusSold, snapshot.Status)
	assert.Equal(t, "A", snapshot.HighestBidderID)

	snapshot, err = env.processor.Close(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, StatusUnsold, snapshot.Status)

	_, err = env.processor.Close(ctx, "2")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	kinds := []EventKind{}
	for _, event := range env.sink.Events() {
		kinds = append(kinds, event.Kind)
	}
	assert.Equal(t, []EventKind{EventItemActivated, EventBidAccepted, EventItemClosed, EventItemClosed}, kinds)
}

func TestProcessor_VersionAndEventOrder(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, activeItem("1"))
	ctx := context.Background()

	for _, amount := range []string{"50", "60", "70"} {
		_, err := env.processor.SubmitBid(ctx, BidRequest{ItemID: "1", BidderID: "A", Amount: money(amount)})
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}

	events := env.sink.Events()
	require.Len(t, events, 3)
	for i, event := range events {
		assert.Equal(t, uint64(i+2), event.Snapshot.Version)
		assert.Equal(t, uint64(i+1), event.Bid.ID)
		assert.NotEmpty(t, event.EventID)
	}
	assert.True(t, events[2].OccurredAt.After(events[0].OccurredAt))
}

type failingSink struct{}

func (failingSink) Publish(Event) error { return errors.New("sink down") }

func TestProcessor_SinkFailureDoesNotRejectBid(t *testing.T) {
	recorder := &recordingSink{}
	env := newTestEnv(t, WithProcessorEventSink(MultiSink{failingSink{}, recorder}))
	env.register(t, activeItem("1"))

	_, err := env.processor.SubmitBid(context.Background(), BidRequest{ItemID: "1", BidderID: "A", Amount: money("50")})
	require.NoError(t, err)
	assert.Len(t, recorder.Events(), 1, "every sink is tried even when one fails")
}
