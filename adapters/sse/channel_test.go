package sse_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"silentauction/adapters/sse"
)

func TestChannel_SubscribeAndBroadcast(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := sse.NewChannel[int](2)
	assert.True(t, c.IsIdle())

	a := c.Subscribe()
	b := c.Subscribe()
	assert.False(t, c.IsIdle())

	assert.Equal(t, 2, c.Broadcast(1))
	assert.Equal(t, 1, <-a)
	assert.Equal(t, 1, <-b)
}

func TestChannel_SlowSubscriberDoesNotBlock(t *testing.T) {
	c := sse.NewChannel[int](1)
	slow := c.Subscribe()
	fast := c.Subscribe()

	assert.Equal(t, 2, c.Broadcast(1))
	require.Equal(t, 1, <-fast)

	// slow still holds 1, so only fast gets 2
	assert.Equal(t, 1, c.Broadcast(2))
	assert.Equal(t, 2, <-fast)
	assert.Equal(t, 1, <-slow)
}

func TestChannel_Unsubscribe(t *testing.T) {
	c := sse.NewChannel[string](1)
	a := c.Subscribe()
	b := c.Subscribe()

	c.Unsubscribe(a)
	_, ok := <-a
	assert.False(t, ok, "unsubscribed channel should be closed")

	// unknown or repeated unsubscribe is a no-op
	c.Unsubscribe(a)
	c.Unsubscribe(make(chan string))

	assert.Equal(t, 1, c.Broadcast("x"))
	assert.Equal(t, "x", <-b)

	c.UnsubscribeAll()
	_, ok = <-b
	assert.False(t, ok)
	assert.True(t, c.IsIdle())
}
