package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"silentauction/auction"
)

// saveSnapshotScript writes the snapshot hash unless the stored one is at least as new.
//
//	KEYS[1] - snapshot key
//	ARGV[1] - version
//	ARGV[2..] - field/value pairs
//
// Returns 1 when written, 0 when the stored version is newer or equal.
var saveSnapshotScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'version'))
local incoming = tonumber(ARGV[1])
if current ~= nil and current >= incoming then
    return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], unpack(ARGV, 2))
return 1
`)

// SnapshotMirror keeps the latest snapshot of every item in a Redis hash, for readers that
// do not share the process with the ledger. Out-of-order deliveries never roll a hash back.
type SnapshotMirror struct {
	client *redis.Client
	prefix string
}

func NewSnapshotMirror(client *redis.Client, prefix string) (*SnapshotMirror, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	return &SnapshotMirror{client: client, prefix: prefix}, nil
}

func (m *SnapshotMirror) key(itemID string) string {
	return m.prefix + "snapshot:" + itemID
}

// Save stores snapshot and reports whether it replaced an older one.
func (m *SnapshotMirror) Save(ctx context.Context, snapshot auction.Snapshot) (bool, error) {
	const op = "SnapshotMirror.Save"
	args := []any{
		snapshot.Version,
		"item_id", snapshot.ItemID,
		"current_bid", snapshot.CurrentBid.StringFixed(2),
		"minimum_next_bid", snapshot.MinimumNextBid.StringFixed(2),
		"highest_bidder_id", snapshot.HighestBidderID,
		"bid_count", snapshot.BidCount,
		"status", string(snapshot.Status),
	}
	written, err := saveSnapshotScript.Run(ctx, m.client, []string{m.key(snapshot.ItemID)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("[%s] Fail to execute save script, err=%w", op, err)
	}
	return written == 1, nil
}

// Load returns the stored snapshot. ok is false when nothing has been mirrored for the item.
func (m *SnapshotMirror) Load(ctx context.Context, itemID string) (snapshot auction.Snapshot, ok bool, err error) {
	const op = "SnapshotMirror.Load"
	values, err := m.client.HGetAll(ctx, m.key(itemID)).Result()
	if err != nil {
		return auction.Snapshot{}, false, fmt.Errorf("[%s] Fail to get hash, err=%w", op, err)
	}
	if len(values) == 0 {
		return auction.Snapshot{}, false, nil
	}

	snapshot = auction.Snapshot{
		ItemID:          values["item_id"],
		HighestBidderID: values["highest_bidder_id"],
		Status:          auction.Status(values["status"]),
	}
	if snapshot.CurrentBid, err = decimal.NewFromString(values["current_bid"]); err != nil {
		return auction.Snapshot{}, false, fmt.Errorf("[%s] Invalid current_bid, err=%w", op, err)
	}
	if snapshot.MinimumNextBid, err = decimal.NewFromString(values["minimum_next_bid"]); err != nil {
		return auction.Snapshot{}, false, fmt.Errorf("[%s] Invalid minimum_next_bid, err=%w", op, err)
	}
	if snapshot.BidCount, err = strconv.Atoi(values["bid_count"]); err != nil {
		return auction.Snapshot{}, false, fmt.Errorf("[%s] Invalid bid_count, err=%w", op, err)
	}
	if snapshot.Version, err = strconv.ParseUint(values["version"], 10, 64); err != nil {
		return auction.Snapshot{}, false, fmt.Errorf("[%s] Invalid version, err=%w", op, err)
	}
	return snapshot, true, nil
}
