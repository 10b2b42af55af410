package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"silentauction/adapters/postgres"
	redisAdapter "silentauction/adapters/redis"
	"silentauction/auction"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to ":memory:" is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func startServer(t *testing.T, config ServerConfig, db *gorm.DB) (*ServerImpl, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	impl, err := NewServer(config, WithDB(db))
	require.NoError(t, err)
	require.NoError(t, impl.Start())
	router := gin.New()
	impl.RegisterHandlers(router)
	return impl, router
}

func loadRecord(t *testing.T, db *gorm.DB, itemID string) postgres.ItemRecord {
	t.Helper()
	store, err := postgres.NewStore(db, slog.Default())
	require.NoError(t, err)
	records, err := store.LoadItems(context.Background())
	require.NoError(t, err)
	for _, record := range records {
		if record.Item.ID == itemID {
			return record
		}
	}
	t.Fatalf("item %q not archived", itemID)
	return postgres.ItemRecord{}
}

func TestLocalArchive(t *testing.T) {
	db := newTestDB(t)
	config := ServerConfig{
		ID:      "test",
		Auction: AuctionConfig{LockTimeout: time.Second, SweepInterval: time.Hour},
	}

	impl, router := startServer(t, config, db)
	createItem(t, router, map[string]any{"id": "lamp", "title": "Desk lamp", "startingBid": "50", "minimumBidIncrement": "5"})
	require.Equal(t, http.StatusOK, doJSON(t, router, http.MethodPost, "/auction/items/lamp/activate", nil).Code)
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/auction/items/lamp/bids", bid("alice", "50")).Code)
	w := doJSON(t, router, http.MethodPost, "/auction/items/lamp/bids", bid("bob", "55"))
	require.Equal(t, http.StatusCreated, w.Code)
	before := decode[auction.Snapshot](t, w)
	// closing drains the archive queue
	impl.Close()

	record := loadRecord(t, db, "lamp")
	assert.Equal(t, auction.StatusActive, record.Item.Status)
	require.Len(t, record.Bids, 2)
	assert.Equal(t, "bob", record.Bids[1].BidderID)
	assert.Equal(t, before.Version, record.Version)

	restarted, router := startServer(t, config, db)
	defer restarted.Close()
	w = doJSON(t, router, http.MethodGet, "/auction/items/lamp/minimum", nil)
	require.Equal(t, http.StatusOK, w.Code)
	minimum := decode[MinimumResponse](t, w)
	assert.True(t, minimum.CurrentBid.Equal(decimal.NewFromInt(55)))

	w = doJSON(t, router, http.MethodPost, "/auction/items/lamp/bids", bid("alice", "60"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Greater(t, decode[auction.Snapshot](t, w).Version, before.Version)
}

func TestRedisRestartKeepsMirrorCurrent(t *testing.T) {
	mr := miniredis.RunT(t)
	db := newTestDB(t)
	config := ServerConfig{
		ID:      "node-1",
		Auction: AuctionConfig{LockTimeout: time.Second, SweepInterval: time.Hour},
		Redis: RedisConfig{
			Addr:           mr.Addr(),
			KeyPrefix:      "test:",
			ConsumerGroup:  "archiver",
			MaxLen:         2,
			OwnerLeaseWait: 200 * time.Millisecond,
			StreamKeys:     RedisStreamKeys{Events: "test:events"},
		},
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mirror, err := redisAdapter.NewSnapshotMirror(client, "test:")
	require.NoError(t, err)
	ctx := context.Background()

	first, router := startServer(t, config, db)
	// let the feed consumer pin its start position
	time.Sleep(100 * time.Millisecond)
	createItem(t, router, map[string]any{"id": "vase", "title": "Vase", "startingBid": "10", "minimumBidIncrement": "5"})
	require.Equal(t, http.StatusOK, doJSON(t, router, http.MethodPost, "/auction/items/vase/activate", nil).Code)
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/auction/items/vase/bids", bid("alice", "10")).Code)
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/auction/items/vase/bids", bid("bob", "15")).Code)

	require.Eventually(t, func() bool {
		snapshot, ok, err := mirror.Load(ctx, "vase")
		return err == nil && ok && snapshot.Version == 4
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		record := loadRecord(t, db, "vase")
		return record.Version == 4 && len(record.Bids) == 2
	}, 5*time.Second, 20*time.Millisecond)

	t.Run("second writer is refused", func(t *testing.T) {
		other, err := NewServer(config, WithDB(db))
		require.NoError(t, err)
		defer other.Close()
		assert.ErrorIs(t, other.Start(), ErrLedgerOwned)
	})

	first.Close()

	second, router := startServer(t, config, db)
	defer second.Close()
	time.Sleep(100 * time.Millisecond)
	w := doJSON(t, router, http.MethodPost, "/auction/items/vase/bids", bid("alice", "20"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, uint64(5), decode[auction.Snapshot](t, w).Version)

	assert.Eventually(t, func() bool {
		snapshot, ok, err := mirror.Load(ctx, "vase")
		return err == nil && ok && snapshot.CurrentBid.Equal(decimal.NewFromInt(20)) && snapshot.HighestBidderID == "alice"
	}, 5*time.Second, 20*time.Millisecond)

	// the archive reads the same stream, so it is never trimmed
	length, err := client.XLen(ctx, "test:events").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 4, length, "activation and three bids")
}

type flakyStore struct {
	failures int
	calls    int
}

func (f *flakyStore) ApplyEvent(context.Context, auction.Event) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	return nil
}

func TestRetryingStore(t *testing.T) {
	ctx := context.Background()

	recovers := &flakyStore{failures: 2}
	store := retryingStore{store: recovers, attempts: 3, delay: time.Millisecond}
	require.NoError(t, store.ApplyEvent(ctx, auction.Event{EventID: "e1"}))
	assert.Equal(t, 3, recovers.calls)

	down := &flakyStore{failures: 10}
	store = retryingStore{store: down, attempts: 3, delay: time.Millisecond}
	assert.EqualError(t, store.ApplyEvent(ctx, auction.Event{EventID: "e2"}), "connection reset")
	assert.Equal(t, 3, down.calls)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	stopped := &flakyStore{failures: 10}
	store = retryingStore{store: stopped, attempts: 3, delay: time.Hour}
	assert.ErrorIs(t, store.ApplyEvent(cancelled, auction.Event{EventID: "e3"}), context.Canceled)
	assert.Equal(t, 1, stopped.calls)
}
