package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"silentauction/auction"
)

func TestSnapshotMirror(t *testing.T) {
	mr, client := setupMiniredis(t)
	ctx := context.Background()

	_, err := NewSnapshotMirror(nil, "auction:")
	assert.Error(t, err)

	mirror, err := NewSnapshotMirror(client, "auction:")
	require.NoError(t, err)

	_, ok, err := mirror.Load(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)

	newer := testEvent("1", 3, "70").Snapshot
	older := testEvent("1", 2, "60").Snapshot

	written, err := mirror.Save(ctx, newer)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = mirror.Save(ctx, older)
	require.NoError(t, err)
	assert.False(t, written, "an older version must not overwrite a newer one")

	written, err = mirror.Save(ctx, newer)
	require.NoError(t, err)
	assert.False(t, written, "the same version is written once")

	got, ok, err := mirror.Load(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newer.Version, got.Version)
	assert.True(t, got.CurrentBid.Equal(newer.CurrentBid))
	assert.True(t, got.MinimumNextBid.Equal(newer.MinimumNextBid))
	assert.Equal(t, newer.HighestBidderID, got.HighestBidderID)
	assert.Equal(t, newer.BidCount, got.BidCount)
	assert.Equal(t, auction.StatusActive, got.Status)

	assert.Equal(t, "70.00", mr.HGet("auction:snapshot:1", "current_bid"))
}

func TestSnapshotMirror_CorruptHash(t *testing.T) {
	mr, client := setupMiniredis(t)
	mirror, err := NewSnapshotMirror(client, "")
	require.NoError(t, err)

	mr.HSet("snapshot:1", "current_bid", "lots", "version", "1")
	_, _, err = mirror.Load(context.Background(), "1")
	assert.Error(t, err)
}
