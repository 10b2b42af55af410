package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/smallnest/chanx"

	"silentauction/auction"
)

var ErrPublisherClosed = errors.New("publisher is closed")

// JetStream is the part of jetstream.JetStream the publisher needs.
type JetStream interface {
	PublishAsync(subject string, payload []byte, opts ...jetstream.PublishOpt) (jetstream.PubAckFuture, error)
	PublishAsyncComplete() <-chan struct{}
}

// StreamManager is the part of jetstream.JetStream that declares streams.
type StreamManager interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

type publisherOptions struct {
	logger       *slog.Logger
	bufferSize   int
	ackTimeout   time.Duration
	drainTimeout time.Duration
}

type PublisherOption func(*publisherOptions)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(o *publisherOptions) {
		o.logger = logger
	}
}

// WithPublisherAckTimeout sets how long to wait for one acknowledgement before giving up on it.
func WithPublisherAckTimeout(d time.Duration) PublisherOption {
	return func(o *publisherOptions) {
		o.ackTimeout = d
	}
}

// WithPublisherDrainTimeout sets how long Close waits for outstanding acknowledgements.
func WithPublisherDrainTimeout(d time.Duration) PublisherOption {
	return func(o *publisherOptions) {
		o.drainTimeout = d
	}
}

type pendingAck struct {
	future  jetstream.PubAckFuture
	subject string
	eventID string
}

// Publisher sends auction events to JetStream on "<prefix>.<itemID>". Messages carry the event id as
// Nats-Msg-Id so a retried publish is deduplicated by the server. Acknowledgements are checked on
// a background goroutine; Publish itself does not wait for the server.
type Publisher struct {
	js            JetStream
	subjectPrefix string
	mu            sync.RWMutex
	closed        bool
	acks          *chanx.UnboundedChan[pendingAck]
	cancelFunc    context.CancelFunc
	wg            sync.WaitGroup
	logger        *slog.Logger
	options       publisherOptions
}

func NewPublisher(js JetStream, subjectPrefix string, opts ...PublisherOption) (*Publisher, error) {
	if js == nil {
		return nil, errors.New("jetstream cannot be nil")
	}
	if subjectPrefix == "" {
		return nil, errors.New("subject prefix cannot be empty")
	}

	options := publisherOptions{
		logger:       slog.Default(),
		bufferSize:   64,
		ackTimeout:   5 * time.Second,
		drainTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Publisher{
		js:            js,
		subjectPrefix: strings.TrimSuffix(subjectPrefix, "."),
		closed:        true,
		logger:        options.logger.With(slog.String("caller", "NatsPublisher")),
		options:       options,
	}, nil
}

var subjectTokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Subject returns the subject events for itemID are published on.
func (p *Publisher) Subject(itemID string) string {
	return p.subjectPrefix + "." + subjectTokenReplacer.Replace(itemID)
}

func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.acks = chanx.NewUnboundedChan[pendingAck](ctx, p.options.bufferSize)
	p.cancelFunc = cancel
	p.closed = false

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for pending := range p.acks.Out {
			p.awaitAck(pending)
		}
	}()
}

func (p *Publisher) awaitAck(pending pendingAck) {
	timer := time.NewTimer(p.options.ackTimeout)
	defer timer.Stop()

	select {
	case ack := <-pending.future.Ok():
		if ack != nil && ack.Duplicate {
			p.logger.Debug("duplicate event ignored by server", slog.String("eventId", pending.eventID))
			return
		}
		p.logger.Debug("event acknowledged", slog.String("subject", pending.subject), slog.String("eventId", pending.eventID))
	case err := <-pending.future.Err():
		p.logger.Error("event publish failed",
			slog.String("subject", pending.subject),
			slog.String("eventId", pending.eventID),
			slog.Any("error", err))
	case <-timer.C:
		p.logger.Warn("event acknowledgement timed out",
			slog.String("subject", pending.subject),
			slog.String("eventId", pending.eventID))
	}
}

// Publish implements auction.EventSink.
func (p *Publisher) Publish(event auction.Event) error {
	const op = "NatsPublisher.Publish"
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("[%s] Fail to marshal event, err=%w", op, err)
	}

	subject := p.Subject(event.ItemID)
	future, err := p.js.PublishAsync(subject, data, jetstream.WithMsgID(event.EventID))
	if err != nil {
		return fmt.Errorf("[%s] Fail to publish event to %s, err=%w", op, subject, err)
	}
	p.acks.In <- pendingAck{future: future, subject: subject, eventID: event.EventID}
	return nil
}

// Close stops accepting events and waits, up to the drain timeout, for outstanding acknowledgements.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	select {
	case <-p.js.PublishAsyncComplete():
	case <-time.After(p.options.drainTimeout):
		p.logger.Warn("closing with unacknowledged events")
	}
	close(p.acks.In)
	p.wg.Wait()
	p.cancelFunc()
	p.logger.Info("nats publisher closed")
}

// EnsureStream declares the archive stream capturing every subject under subjectPrefix.
func EnsureStream(ctx context.Context, js StreamManager, name, subjectPrefix string, maxAge time.Duration) error {
	const op = "EnsureStream"
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: "Auction events for archival",
		Subjects:    []string{strings.TrimSuffix(subjectPrefix, ".") + ".>"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      maxAge,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("[%s] Fail to create or update stream %s, err=%w", op, name, err)
	}
	return nil
}
