package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrConsumerClosed = errors.New("consumer is closed")

// DeadLetterStream is the stream that receives entries which could not be processed.
func DeadLetterStream(stream string) string {
	return stream + ":dead-letter"
}

// Message carries a decoded entry together with what is needed to acknowledge it.
type Message[T any] struct {
	Data T
	ID   string

	client *redis.Client
	done   bool
	stream string
	group  string
	raw    map[string]any
}

// Done acknowledges the message.
func (m *Message[T]) Done(ctx context.Context) error {
	const op = "Message.Done"
	if m.done {
		return nil
	}
	if err := m.client.XAck(ctx, m.stream, m.group, m.ID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack message: %w", op, err)
	}
	m.done = true
	return nil
}

// Fail copies the message with the failure reason to the dead-letter stream and acknowledges it.
func (m *Message[T]) Fail(ctx context.Context, failErr error) error {
	const op = "Message.Fail"
	if m.done {
		return nil
	}

	values := make(map[string]any, len(m.raw)+2)
	for k, v := range m.raw {
		values[k] = v
	}
	values["error"] = failErr.Error()
	values["source_id"] = m.ID
	if err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream(m.stream),
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("[%s] failed to move message to dead letter queue: %w", op, err)
	}

	if err := m.client.XAck(ctx, m.stream, m.group, m.ID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack failed message: %w", op, err)
	}
	m.done = true
	return nil
}

type groupConsumerOptions[T any] struct {
	logger         *slog.Logger
	parseFunc      func(map[string]any) (T, error)
	bufferSize     int
	blockTimeout   time.Duration
	mutex          ILeaseMutex
	strictOrdering bool
}

type GroupConsumerOption[T any] func(*groupConsumerOptions[T])

// WithGroupConsumerLogger sets the logger.
func WithGroupConsumerLogger[T any](logger *slog.Logger) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.logger = logger
	}
}

// WithGroupConsumerParseFunc replaces DecodeMessage.
func WithGroupConsumerParseFunc[T any](fn func(map[string]any) (T, error)) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.parseFunc = fn
	}
}

// WithGroupConsumerBufferSize sets the capacity of the downstream channel.
func WithGroupConsumerBufferSize[T any](size int) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithGroupConsumerBlockTimeout sets how long one XREADGROUP may block.
func WithGroupConsumerBlockTimeout[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithGroupConsumerMutex injects the lease used in strict ordering mode.
func WithGroupConsumerMutex[T any](mutex ILeaseMutex) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.mutex = mutex
	}
}

// WithGroupConsumerStrictOrdering makes only one group member read at a time, and makes it
// replay its pending entries before reading new ones.
func WithGroupConsumerStrictOrdering[T any](strict bool) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.strictOrdering = strict
	}
}

type GroupConsumer[T any] struct {
	client        *redis.Client
	stream        string
	group         string
	consumer      string
	downStream    chan *Message[T]
	cancelFunc    context.CancelFunc
	wg            sync.WaitGroup
	closed        bool
	logger        *slog.Logger
	mutex         ILeaseMutex
	pendingMsgIds []string
	options       groupConsumerOptions[T]
}

func NewGroupConsumer[T any](
	client *redis.Client,
	stream, group, consumer string,
	opts ...GroupConsumerOption[T],
) (*GroupConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" || group == "" || consumer == "" {
		return nil, errors.New("stream, group and consumer cannot be empty")
	}

	options := groupConsumerOptions[T]{
		logger:       slog.Default(),
		parseFunc:    DecodeMessage[T],
		bufferSize:   1,
		blockTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}

	gc := &GroupConsumer[T]{
		logger: options.logger.With(
			slog.String("caller", "GroupConsumer"),
			slog.String("stream", stream),
			slog.String("group", group),
			slog.String("consumer", consumer)),
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		closed:   true,
		options:  options,
	}

	if options.strictOrdering {
		if options.mutex != nil {
			gc.mutex = options.mutex
		} else {
			gc.mutex = NewLeaseMutex(client, fmt.Sprintf("lock:%s:%s", stream, group), WithLeaseMutexSkipLockError(true))
		}
	}

	return gc, nil
}

// ensureGroup creates the stream and the group when missing.
func (s *GroupConsumer[T]) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (s *GroupConsumer[T]) Start() error {
	if !s.closed {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.ensureGroup(ctx); err != nil {
		cancel()
		return err
	}
	s.downStream = make(chan *Message[T], s.options.bufferSize)
	s.cancelFunc = cancel
	s.closed = false
	s.logger.Info("starting group consumer")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("group consumer goroutine stopped")
		defer close(s.downStream)

		for {
			workloadContext := ctx

			// In strict mode the workload runs under the lease context, so losing the
			// lease stops the current round.
			if s.options.strictOrdering {
				var err error
				workloadContext, err = s.mutex.Lock(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					s.logger.Error("failed to acquire lock", slog.Any("error", err))
					continue
				}
			}
			err := s.messagesWorkflow(workloadContext)
			if s.options.strictOrdering {
				if _, unlockErr := s.mutex.Unlock(); unlockErr != nil {
					s.logger.Warn("failed to release lock", slog.Any("error", unlockErr))
				}
			}
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			if s.options.strictOrdering && errors.Is(err, context.Canceled) {
				s.logger.Error("lock context cancelled, restarting group consumer")
			} else {
				s.logger.Error("error processing messages, restarting group consumer", slog.Any("error", err))
			}
		}
	}()

	return nil
}

// Subscribe returns the downstream channel. It is closed once the consumer stops.
func (s *GroupConsumer[T]) Subscribe() <-chan *Message[T] {
	return s.downStream
}

func (s *GroupConsumer[T]) Close() error {
	if s.closed {
		return nil
	}
	s.logger.Info("closing group consumer")
	s.closed = true
	s.cancelFunc()

	s.wg.Wait()
	s.logger.Info("group consumer closed gracefully")
	return nil
}

func (s *GroupConsumer[T]) messagesWorkflow(ctx context.Context) error {
	if s.options.strictOrdering {
		if err := s.fetchPendingMessageIds(ctx); err != nil {
			s.logger.Error("initial pending messages fetch failed", slog.Any("error", err))
			return err
		}
	}
	for {
		message, err := s.fetchNextMessage(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return context.Canceled
				}
				continue
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return context.Canceled
			}
			// Anything else is a connection problem between us and Redis; retrying is enough.
			s.logger.Error("fetch message error", slog.Any("error", err))
			continue
		}
		if message.ID == "" {
			continue
		}
		data, err := s.options.parseFunc(message.Values)
		if err != nil {
			// Retrying cannot fix a payload we cannot decode, so park it and move on.
			s.logger.Error("failed to parse message",
				slog.String("messageId", message.ID),
				slog.Any("error", err))
			if deadLetterErr := s.moveToDeadLetter(ctx, message, err); deadLetterErr != nil {
				// The entry stays pending. Strict mode replays it first on the next round;
				// otherwise it has to be claimed by hand.
				s.logger.Error("error moving message to dead letter",
					slog.String("messageId", message.ID),
					slog.Any("error", deadLetterErr))
				return deadLetterErr
			}
			continue
		}
		msg := &Message[T]{
			Data:   data,
			ID:     message.ID,
			stream: s.stream,
			group:  s.group,
			client: s.client,
			raw:    message.Values,
		}
		if err := s.moveToDownStream(ctx, msg); err != nil {
			return err
		}
	}
}

func (s *GroupConsumer[T]) fetchPendingMessageIds(ctx context.Context) error {
	const pageSize = 100
	s.pendingMsgIds = s.pendingMsgIds[:0]
	lastID := "-"

	for {
		pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: s.stream,
			Group:  s.group,
			Start:  lastID,
			End:    "+",
			Count:  pageSize,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return fmt.Errorf("error getting pending messages: %w", err)
		}
		if len(pending) == 0 {
			break
		}
		for _, p := range pending {
			if p.ID != lastID {
				s.pendingMsgIds = append(s.pendingMsgIds, p.ID)
			}
		}
		if len(pending) < pageSize {
			break
		}
		// the range start is inclusive, the duplicate is skipped above
		lastID = pending[len(pending)-1].ID
	}

	s.logger.Info("fetched pending message IDs", slog.Int("count", len(s.pendingMsgIds)))
	return nil
}

func (s *GroupConsumer[T]) fetchNextMessage(ctx context.Context) (redis.XMessage, error) {
	if len(s.pendingMsgIds) > 0 {
		id := s.pendingMsgIds[0]
		messages, err := s.client.XRangeN(ctx, s.stream, id, id, 1).Result()
		if err != nil {
			return redis.XMessage{}, err
		}
		s.pendingMsgIds = s.pendingMsgIds[1:]
		if len(messages) == 0 {
			// trimmed away while pending; nothing left to deliver
			return redis.XMessage{}, s.client.XAck(ctx, s.stream, s.group, id).Err()
		}
		return messages[0], nil
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    1,
		Block:    s.options.blockTimeout,
	}).Result()
	if err != nil {
		return redis.XMessage{}, err
	}
	if len(streams) > 0 && len(streams[0].Messages) > 0 {
		return streams[0].Messages[0], nil
	}
	return redis.XMessage{}, redis.Nil
}

func (s *GroupConsumer[T]) moveToDeadLetter(ctx context.Context, message redis.XMessage, cause error) error {
	values := make(map[string]any, len(message.Values)+2)
	for k, v := range message.Values {
		values[k] = v
	}
	values["error"] = cause.Error()
	values["source_id"] = message.ID

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream(s.stream),
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("failed to move message to dead letter queue: %w", err)
	}
	return s.client.XAck(ctx, s.stream, s.group, message.ID).Err()
}

func (s *GroupConsumer[T]) moveToDownStream(ctx context.Context, message *Message[T]) error {
	if ctx.Err() != nil {
		return context.Canceled
	}
	select {
	case <-ctx.Done():
		return context.Canceled
	case s.downStream <- message:
		return nil
	}
}
