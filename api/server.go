package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	natsAdapter "silentauction/adapters/nats"
	"silentauction/adapters/postgres"
	redisAdapter "silentauction/adapters/redis"
	"silentauction/adapters/sse"
	"silentauction/auction"
)

const (
	ownerLeaseKey         = "owner"
	defaultOwnerLeaseWait = 5 * time.Second
	localArchiveAttempts  = 3
)

var ErrLedgerOwned = errors.New("ledger is owned by another instance")

type serverOptions struct {
	db *gorm.DB
}

type ServerOption func(*serverOptions)

// WithDB 使用已建立的資料庫連線，取代依設定開啟的 postgres 連線
func WithDB(db *gorm.DB) ServerOption {
	return func(o *serverOptions) {
		o.db = db
	}
}

type ServerImpl struct {
	ledger        *auction.Ledger
	processor     *auction.Processor
	sweeper       *auction.Sweeper
	settings      *auction.AtomicSettings
	sseManager    sse.IConnectionManager[auction.Event]
	htmlChecker   *bluemonday.Policy
	validate      *validator.Validate
	redisClient   *redis.Client
	producer      redisAdapter.IProducer[auction.Event]
	feed          redisAdapter.IConsumer[auction.Event]
	mirror        *redisAdapter.SnapshotMirror
	groupConsumer redisAdapter.IGroupConsumer[auction.Event]
	natsConn      *nats.Conn
	natsPublisher *natsAdapter.Publisher
	store         *postgres.Store
	archiveFeed   *sse.Feed[auction.Event]
	archiveWg     sync.WaitGroup
	ownerLocker   auction.Locker
	releaseOwner  func()
	wg            sync.WaitGroup
	cancelFunc    context.CancelFunc
	logger        *slog.Logger

	config ServerConfig
}

func NewServer(config ServerConfig, opts ...ServerOption) (*ServerImpl, error) {
	const op = "NewServer"
	var options serverOptions
	for _, opt := range opts {
		opt(&options)
	}
	impl := &ServerImpl{
		ledger:      auction.NewLedger(),
		settings:    auction.NewAtomicSettings(auction.Settings{PreviewMode: config.Auction.PreviewMode}),
		htmlChecker: bluemonday.StrictPolicy(),
		logger:      slog.Default().With(slog.String("caller", "Server")),
		config:      config,
	}
	validate, err := newValidator()
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create validator, err=%w", op, err)
	}
	impl.validate = validate

	var sinks auction.MultiSink

	// 初始化資料庫連線，帳本在Redis初始化後才從資料庫重建
	db := options.db
	if db == nil && config.DB.Enabled() {
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database)
		if config.DB.Schema != "" {
			dsn += "&search_path=" + config.DB.Schema
		}
		db, err = postgres.Open(dsn, config.DB.Schema)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to open database, err=%w", op, err)
		}
	}
	if db != nil {
		store, err := postgres.NewStore(db, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create store, err=%w", op, err)
		}
		impl.store = store
	}

	// 初始化Redis連線
	if config.Redis.Enabled() {
		impl.redisClient = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})

		// 封存worker也讀取同一個串流，修剪串流可能刪除尚未封存的事件
		maxLen := config.Redis.MaxLen
		if impl.store != nil && maxLen > 0 {
			impl.logger.Info("Stream trimming disabled while archiving", slog.Int64("maxLen", maxLen))
			maxLen = 0
		}
		producer, err := redisAdapter.NewProducer[auction.Event](
			impl.redisClient,
			config.Redis.StreamKeys.Events,
			redisAdapter.WithProducerLogger[auction.Event](slog.Default()),
			redisAdapter.WithProducerMaxLen[auction.Event](maxLen),
		)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create producer, err=%w", op, err)
		}
		impl.producer = producer
		sinks = append(sinks, producer)

		// 每個實例都讀取完整的事件串流，推送給自己的SSE連線
		consumer, err := redisAdapter.NewConsumer[auction.Event](
			impl.redisClient,
			config.Redis.StreamKeys.Events,
			redisAdapter.WithConsumerLogger[auction.Event](slog.Default()),
		)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create consumer, err=%w", op, err)
		}
		impl.feed = consumer

		mirror, err := redisAdapter.NewSnapshotMirror(impl.redisClient, config.Redis.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create snapshot mirror, err=%w", op, err)
		}
		impl.mirror = mirror

		// 帳本只存在於單一實例的記憶體中，以租約確保同時只有一個實例寫入
		locker, err := redisAdapter.NewLeaseLocker(impl.redisClient, config.Redis.KeyPrefix+"auction:", slog.Default())
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create lease locker, err=%w", op, err)
		}
		impl.ownerLocker = locker

		// 初始化group consumer，由其中一個實例依序將事件寫回資料庫
		if impl.store != nil {
			groupConsumer, err := redisAdapter.NewGroupConsumer[auction.Event](
				impl.redisClient,
				config.Redis.StreamKeys.Events,
				config.Redis.ConsumerGroup,
				config.ID,
				redisAdapter.WithGroupConsumerLogger[auction.Event](slog.Default()),
				redisAdapter.WithGroupConsumerStrictOrdering[auction.Event](true),
			)
			if err != nil {
				return nil, fmt.Errorf("[%s] Fail to create group consumer, err=%w", op, err)
			}
			impl.groupConsumer = groupConsumer
		}
	} else {
		feed := sse.NewFeed[auction.Event](64, slog.Default())
		impl.feed = feed
		sinks = append(sinks, feed)

		// 沒有Redis串流時，改由程序內的佇列將事件寫回資料庫
		if impl.store != nil {
			impl.archiveFeed = sse.NewFeed[auction.Event](64, slog.Default(), sse.WithFeedDrainTimeout(10*time.Second))
			sinks = append(sinks, impl.archiveFeed)
		}
	}

	if impl.store != nil {
		if err := impl.restore(impl.store); err != nil {
			return nil, fmt.Errorf("[%s] Fail to restore ledger, err=%w", op, err)
		}
	}

	// 初始化NATS JetStream，將事件送往封存串流
	if config.NATS.Enabled() {
		conn, err := nats.Connect(config.NATS.URL, nats.Name("silentauction-"+config.ID))
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to connect to nats, err=%w", op, err)
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("[%s] Fail to create jetstream context, err=%w", op, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := natsAdapter.EnsureStream(ctx, js, config.NATS.Stream, config.NATS.SubjectPrefix, config.NATS.MaxAge); err != nil {
			conn.Close()
			return nil, fmt.Errorf("[%s] Fail to ensure stream, err=%w", op, err)
		}
		publisher, err := natsAdapter.NewPublisher(js, config.NATS.SubjectPrefix, natsAdapter.WithPublisherLogger(slog.Default()))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("[%s] Fail to create nats publisher, err=%w", op, err)
		}
		impl.natsConn = conn
		impl.natsPublisher = publisher
		sinks = append(sinks, publisher)
	}

	processorOpts := []auction.ProcessorOption{
		auction.WithProcessorLogger(slog.Default()),
		auction.WithProcessorSettings(impl.settings),
		auction.WithProcessorEventSink(sinks),
	}
	if config.Auction.LockTimeout > 0 {
		processorOpts = append(processorOpts, auction.WithProcessorLockTimeout(config.Auction.LockTimeout))
	}
	processor, err := auction.NewProcessor(impl.ledger, processorOpts...)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create processor, err=%w", op, err)
	}
	impl.processor = processor

	sweeperOpts := []auction.SweeperOption{auction.WithSweeperLogger(slog.Default())}
	if config.Auction.SweepInterval > 0 {
		sweeperOpts = append(sweeperOpts, auction.WithSweeperInterval(config.Auction.SweepInterval))
	}
	sweeper, err := auction.NewSweeper(processor, sweeperOpts...)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create sweeper, err=%w", op, err)
	}
	impl.sweeper = sweeper

	// 初始化SSE管理器
	impl.sseManager = sse.NewConnectionManager[auction.Event](sse.WithLogger(slog.Default()))

	return impl, nil
}

func (impl *ServerImpl) restore(store *postgres.Store) error {
	const op = "restore"
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("[%s] Fail to migrate, err=%w", op, err)
	}
	records, err := store.LoadItems(ctx)
	if err != nil {
		return fmt.Errorf("[%s] Fail to load items, err=%w", op, err)
	}
	for _, record := range records {
		// 快照版本取資料庫與Redis鏡像中較新者，重啟後發布的快照才不會被鏡像視為過期
		version := record.Version
		if impl.mirror != nil {
			mirrored, ok, err := impl.mirror.Load(ctx, record.Item.ID)
			if err != nil {
				impl.logger.Warn("Fail to load mirrored snapshot", slog.String("itemId", record.Item.ID), slog.Any("error", err))
			} else if ok {
				version = max(version, mirrored.Version)
			}
		}
		if _, err := impl.ledger.Restore(record.Item, record.Bids, version); err != nil {
			return fmt.Errorf("[%s] Fail to restore item, itemID=%s, err=%w", op, record.Item.ID, err)
		}
	}
	impl.logger.Info("ledger restored", slog.Int("items", len(records)))
	return nil
}

// Settings returns the live settings, so a config reload can swap them.
func (impl *ServerImpl) Settings() *auction.AtomicSettings {
	return impl.settings
}

func (impl *ServerImpl) Start() error {
	const op = "Start"
	if impl.ownerLocker != nil {
		wait := impl.config.Redis.OwnerLeaseWait
		if wait <= 0 {
			wait = defaultOwnerLeaseWait
		}
		lockCtx, cancel := context.WithTimeout(context.Background(), wait)
		release, err := impl.ownerLocker.Lock(lockCtx, ownerLeaseKey)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("[%s] %w", op, ErrLedgerOwned)
			}
			return fmt.Errorf("[%s] Fail to acquire ledger lease, err=%w", op, err)
		}
		impl.releaseOwner = release
	}

	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel

	if impl.producer != nil {
		impl.producer.Start()
	}
	if impl.natsPublisher != nil {
		impl.natsPublisher.Start()
	}

	// 啟動一個worker將事件推送給SSE連線並更新Redis上的快照
	impl.feed.Start()
	impl.wg.Add(1)
	go func() {
		defer impl.wg.Done()
		impl.runFeedWorker(ctx, impl.feed.Subscribe())
	}()

	// 啟動一個worker用於將事件寫回資料庫
	if impl.archiveFeed != nil {
		impl.archiveFeed.Start()
		impl.archiveWg.Add(1)
		go func() {
			defer impl.archiveWg.Done()
			impl.runLocalArchiveWorker(ctx, impl.archiveFeed.Subscribe())
		}()
	}
	if impl.groupConsumer != nil {
		if err := impl.groupConsumer.Start(); err != nil {
			return fmt.Errorf("[%s] Fail to start group consumer, err=%w", op, err)
		}
		impl.wg.Add(1)
		go func() {
			defer impl.wg.Done()
			impl.runArchiveWorker(ctx, impl.groupConsumer.Subscribe())
		}()
	}

	impl.sweeper.Start()
	return nil
}

func (impl *ServerImpl) runFeedWorker(ctx context.Context, ch <-chan auction.Event) {
	logger := impl.logger.With(slog.String("caller", "FeedWorker"))
	logger.Info("Start feed worker")
	defer logger.Info("Feed worker stopped")
	for event := range ch {
		if impl.mirror != nil {
			if _, err := impl.mirror.Save(ctx, event.Snapshot); err != nil {
				logger.Error("Fail to mirror snapshot", slog.String("itemId", event.ItemID), slog.Any("error", err))
			}
		}
		if err := impl.sseManager.Publish(event.ItemID, event); err != nil {
			logger.Warn("Fail to publish event to connections", slog.String("itemId", event.ItemID), slog.Any("error", err))
		}
	}
}

type archiveStore interface {
	ApplyEvent(ctx context.Context, event auction.Event) error
}

type settleableMessage interface {
	Done(ctx context.Context) error
	Fail(ctx context.Context, err error) error
}

func (impl *ServerImpl) runArchiveWorker(ctx context.Context, ch <-chan *redisAdapter.Message[auction.Event]) {
	logger := impl.logger.With(slog.String("caller", "ArchiveWorker"))
	logger.Info("Start archive worker")
	defer logger.Info("Archive worker stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			archiveMessage(ctx, logger, impl.store, msg.Data, msg)
		}
	}
}

// localMessage settles events taken from the in-process archive feed, which has no dead-letter stream.
type localMessage struct {
	logger *slog.Logger
	event  auction.Event
}

func (m localMessage) Done(context.Context) error { return nil }

func (m localMessage) Fail(_ context.Context, err error) error {
	m.logger.Error("Event dropped from archive",
		slog.String("eventId", m.event.EventID),
		slog.String("itemId", m.event.ItemID),
		slog.Any("error", err))
	return nil
}

// retryingStore retries ApplyEvent with a linear backoff. Local events have no redelivery.
type retryingStore struct {
	store    archiveStore
	attempts int
	delay    time.Duration
}

func (r retryingStore) ApplyEvent(ctx context.Context, event auction.Event) error {
	var err error
	for attempt := range r.attempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(r.delay * time.Duration(attempt)):
			}
		}
		if err = r.store.ApplyEvent(ctx, event); err == nil {
			return nil
		}
	}
	return err
}

func (impl *ServerImpl) runLocalArchiveWorker(ctx context.Context, ch <-chan auction.Event) {
	logger := impl.logger.With(slog.String("caller", "LocalArchiveWorker"))
	logger.Info("Start local archive worker")
	defer logger.Info("Local archive worker stopped")
	store := retryingStore{store: impl.store, attempts: localArchiveAttempts, delay: 200 * time.Millisecond}
	for event := range ch {
		archiveMessage(ctx, logger, store, event, localMessage{logger: logger, event: event})
	}
}

// archiveMessage writes one event and settles its message: acknowledged on success, dead-lettered otherwise.
func archiveMessage(ctx context.Context, logger *slog.Logger, store archiveStore, event auction.Event, msg settleableMessage) {
	if err := store.ApplyEvent(ctx, event); err != nil {
		logger.Error("Fail to archive event", slog.String("eventId", event.EventID), slog.Any("error", err))
		if err := msg.Fail(ctx, err); err != nil {
			logger.Error("Fail to fail message", slog.Any("error", err))
		}
		return
	}
	if err := msg.Done(ctx); err != nil {
		logger.Error("Archive success but fail to done message", slog.Any("error", err))
		if err := msg.Fail(ctx, err); err != nil {
			logger.Error("Archive success but fail to fail message", slog.Any("error", err))
		}
		return
	}
	logger.Debug("Archive success", slog.String("eventId", event.EventID))
}

func (impl *ServerImpl) Close() {
	// 先停止寫入，再讓事件佇列排空
	impl.sweeper.Close()
	if impl.producer != nil {
		impl.producer.Close()
	}
	if impl.natsPublisher != nil {
		impl.natsPublisher.Close()
	}
	// 關閉feed後，feed worker會在讀完剩餘事件後結束
	impl.feed.Close()
	// 等待本地封存佇列寫完剩餘事件
	if impl.archiveFeed != nil {
		impl.archiveFeed.Close()
		impl.archiveWg.Wait()
	}
	// 關閉group consumer
	if impl.groupConsumer != nil {
		if err := impl.groupConsumer.Close(); err != nil {
			impl.logger.Warn("Fail to close group consumer", slog.Any("error", err))
		}
	}
	// 關閉worker
	if impl.cancelFunc != nil {
		impl.cancelFunc()
	}
	impl.wg.Wait()
	if impl.releaseOwner != nil {
		impl.releaseOwner()
	}
	// 關閉sse connection manager
	impl.sseManager.Done()
	if impl.natsConn != nil {
		impl.natsConn.Close()
	}
	if impl.redisClient != nil {
		if err := impl.redisClient.Close(); err != nil {
			impl.logger.Warn("Fail to close redis client", slog.Any("error", err))
		}
	}
}
