package sse

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/smallnest/chanx"
)

var ErrFeedClosed = errors.New("feed is closed")

type FeedOption func(*feedOptions)

type feedOptions struct {
	drainTimeout time.Duration
}

// WithFeedDrainTimeout lets Close hand queued messages to the reader for up to d before
// dropping the rest.
func WithFeedDrainTimeout(d time.Duration) FeedOption {
	return func(o *feedOptions) {
		o.drainTimeout = d
	}
}

// Feed is an in-process queue with the same Start/Subscribe/Close shape as the Redis stream
// consumer. Publish never blocks, so it can be called while an item lock is held.
type Feed[T any] struct {
	mu         sync.RWMutex
	closed     bool
	queue      *chanx.UnboundedChan[T]
	cancelFunc context.CancelFunc
	logger     *slog.Logger
	bufferSize int
	options    feedOptions
}

func NewFeed[T any](bufferSize int, logger *slog.Logger, opts ...FeedOption) *Feed[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize < 1 {
		bufferSize = 1
	}
	var options feedOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Feed[T]{
		closed:     true,
		logger:     logger.With(slog.String("caller", "Feed")),
		bufferSize: bufferSize,
		options:    options,
	}
}

func (f *Feed[T]) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.queue = chanx.NewUnboundedChan[T](ctx, f.bufferSize)
	f.cancelFunc = cancel
	f.closed = false
}

func (f *Feed[T]) Publish(data T) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFeedClosed
	}
	f.queue.In <- data
	return nil
}

// Subscribe returns the receive side. Start must be called first.
func (f *Feed[T]) Subscribe() <-chan T {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.queue == nil {
		return nil
	}
	return f.queue.Out
}

// Close stops accepting messages. The receive channel is closed once the queue is drained, or
// right away when no drain timeout is set; queued messages still unread at that point are dropped.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	n := f.queue.Len()
	close(f.queue.In)
	if f.options.drainTimeout > 0 {
		if n > 0 {
			f.logger.Info("feed draining", slog.Int("count", n), slog.Duration("timeout", f.options.drainTimeout))
		}
		time.AfterFunc(f.options.drainTimeout, f.cancelFunc)
		return
	}
	if n > 0 {
		f.logger.Warn("feed closed with undelivered messages", slog.Int("count", n))
	}
	f.cancelFunc()
}
