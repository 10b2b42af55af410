package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"silentauction/auction"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// every go-redis client starts a circuit breaker cleanup goroutine that outlives Close
var ignoreRedisCleanup = goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/maintnotifications.(*CircuitBreakerManager).cleanupLoop")

// pendingIDs lists the entries delivered to group but not acknowledged. XPENDING answers
// nil rather than an empty list when there are none.
func pendingIDs(t *testing.T, client *redis.Client, stream, group string) []string {
	t.Helper()
	pending, err := client.XPendingExt(context.Background(), &redis.XPendingExtArgs{
		Stream: stream, Group: group, Start: "-", End: "+", Count: 100,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	require.NoError(t, err)
	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	return ids
}

func setupTest(t *testing.T) (*redis.Client, redismock.ClientMock, func()) {
	db, mock := redismock.NewClientMock()
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

// setupMiniredis starts an in-memory server for tests that need real stream or script semantics.
func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func testEvent(itemID string, bidID uint64, amount string) auction.Event {
	at := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	value := decimal.RequireFromString(amount)
	return auction.Event{
		EventID: "evt-" + itemID,
		Kind:    auction.EventBidAccepted,
		ItemID:  itemID,
		Bid: &auction.Bid{
			ID:         bidID,
			ItemID:     itemID,
			BidderID:   "bidder-a",
			Amount:     value,
			AcceptedAt: at,
		},
		Snapshot: auction.Snapshot{
			ItemID:          itemID,
			CurrentBid:      value,
			MinimumNextBid:  value.Add(decimal.NewFromInt(5)),
			HighestBidderID: "bidder-a",
			BidCount:        int(bidID),
			Status:          auction.StatusActive,
			Version:         bidID + 1,
		},
		OccurredAt: at,
	}
}
