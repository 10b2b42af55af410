package auction

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func moneyPtr(s string) *decimal.Decimal {
	d := money(s)
	return &d
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func activeItem(id string) AuctionItem {
	return AuctionItem{
		ID:                  id,
		Title:               "Signed guitar",
		StartingBid:         money("50"),
		MinimumBidIncrement: money("5"),
		Status:              StatusActive,
	}
}

type testEnv struct {
	ledger    *Ledger
	processor *Processor
	clock     *fakeClock
	sink      *recordingSink
	settings  *AtomicSettings
}

func newTestEnv(t *testing.T, opts ...ProcessorOption) *testEnv {
	t.Helper()
	env := &testEnv{
		ledger:   NewLedger(),
		clock:    newFakeClock(),
		sink:     &recordingSink{},
		settings: NewAtomicSettings(Settings{}),
	}
	base := []ProcessorOption{
		WithProcessorLogger(testLogger),
		WithProcessorClock(env.clock.Now),
		WithProcessorEventSink(env.sink),
		WithProcessorSettings(env.settings),
	}
	processor, err := NewProcessor(env.ledger, append(base, opts...)...)
	require.NoError(t, err)
	env.processor = processor
	return env
}

func (env *testEnv) register(t *testing.T, item AuctionItem) {
	t.Helper()
	_, err := env.ledger.Register(item)
	require.NoError(t, err)
}
