package sse_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"silentauction/adapters/sse"
	"silentauction/auction"
)

func TestFeed_PublishBeforeStart(t *testing.T) {
	feed := sse.NewFeed[int](4, testLogger)
	assert.Nil(t, feed.Subscribe())
	assert.ErrorIs(t, feed.Publish(1), sse.ErrFeedClosed)
}

func TestFeed_DeliversInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := sse.NewFeed[int](1, testLogger)
	feed.Start()
	feed.Start()

	// more than the initial buffer, none of these block
	for i := range 50 {
		require.NoError(t, feed.Publish(i))
	}

	out := feed.Subscribe()
	for i := range 50 {
		select {
		case got := <-out:
			assert.Equal(t, i, got)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	feed.Close()
	feed.Close()
	assert.ErrorIs(t, feed.Publish(99), sse.ErrFeedClosed)

	assert.Eventually(t, func() bool {
		_, ok := <-out
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestFeed_IsAnEventSink(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := sse.NewFeed[auction.Event](4, testLogger)
	feed.Start()
	defer feed.Close()

	var sink auction.EventSink = feed
	require.NoError(t, sink.Publish(auction.Event{ItemID: "lamp", Kind: auction.EventBidAccepted}))

	select {
	case event := <-feed.Subscribe():
		assert.Equal(t, "lamp", event.ItemID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFeed_CloseDrainsQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := sse.NewFeed[int](1, testLogger, sse.WithFeedDrainTimeout(50*time.Millisecond))
	feed.Start()
	for i := range 20 {
		require.NoError(t, feed.Publish(i))
	}
	feed.Close()

	var got []int
	for v := range feed.Subscribe() {
		got = append(got, v)
	}
	require.Len(t, got, 20)
	assert.Equal(t, 0, got[0])
	assert.Equal(t, 19, got[19])

	// let the drain deadline pass before checking for leaks
	time.Sleep(100 * time.Millisecond)
}
