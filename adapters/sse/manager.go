package sse

import (
	"errors"
	"log/slog"
	"sync"
)

var ErrManagerClosed = errors.New("connection manager is closed")

type managerOptions struct {
	logger     *slog.Logger
	bufferSize int
}

type ManagerOption func(*managerOptions)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(o *managerOptions) {
		o.logger = logger
	}
}

// WithBufferSize sets how many messages a subscriber may fall behind before it starts missing them.
func WithBufferSize(size int) ManagerOption {
	return func(o *managerOptions) {
		o.bufferSize = size
	}
}

// ConnectionManager maps topics, one per auction item, to their live subscribers.
type ConnectionManager[T any] struct {
	mu       sync.RWMutex
	active   bool
	channels map[string]*Channel[T]
	logger   *slog.Logger
	options  managerOptions
}

func NewConnectionManager[T any](opts ...ManagerOption) *ConnectionManager[T] {
	options := managerOptions{
		logger:     slog.Default(),
		bufferSize: 16,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &ConnectionManager[T]{
		active:   true,
		channels: make(map[string]*Channel[T]),
		logger:   options.logger.With(slog.String("caller", "ConnectionManager")),
		options:  options,
	}
}

func (cm *ConnectionManager[T]) Subscribe(topic string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.active {
		return nil, ErrManagerClosed
	}

	c, ok := cm.channels[topic]
	if !ok {
		c = NewChannel[T](cm.options.bufferSize)
		cm.channels[topic] = c
	}
	return c.Subscribe(), nil
}

func (cm *ConnectionManager[T]) Publish(topic string, data T) error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if !cm.active {
		return ErrManagerClosed
	}

	c, ok := cm.channels[topic]
	if !ok {
		return nil
	}
	c.Broadcast(data)
	return nil
}

func (cm *ConnectionManager[T]) Unsubscribe(topic string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[topic]
	if !ok {
		return
	}
	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, topic)
	}
}

// Topics returns how many topics currently have subscribers.
func (cm *ConnectionManager[T]) Topics() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.channels)
}

func (cm *ConnectionManager[T]) Done() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.active {
		return
	}
	cm.active = false
	for _, c := range cm.channels {
		c.UnsubscribeAll()
	}
	clear(cm.channels)
	cm.logger.Info("connection manager closed")
}
