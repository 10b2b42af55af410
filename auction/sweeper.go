package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type sweeperOptions struct {
	logger   *slog.Logger
	interval time.Duration
}

type SweeperOption func(*sweeperOptions)

// WithSweeperLogger sets the logger.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(o *sweeperOptions) {
		o.logger = logger
	}
}

// WithSweeperInterval sets how often expired auctions are looked for.
func WithSweeperInterval(d time.Duration) SweeperOption {
	return func(o *sweeperOptions) {
		o.interval = d
	}
}

// Sweeper closes active items whose auction window has ended.
type Sweeper struct {
	processor  *Processor
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	logger     *slog.Logger
	options    sweeperOptions
}

func NewSweeper(processor *Processor, opts ...SweeperOption) (*Sweeper, error) {
	if processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	options := sweeperOptions{
		logger:   slog.Default(),
		interval: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	return &Sweeper{
		processor: processor,
		logger:    options.logger.With(slog.String("caller", "Sweeper")),
		options:   options,
	}, nil
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.running = true
	s.logger.Info("starting expiry sweeper", slog.Duration("interval", s.options.interval))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("expiry sweeper stopped")
		ticker := time.NewTicker(s.options.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				closed, err := s.Sweep(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("sweep failed", slog.Any("error", err))
				}
				if closed > 0 {
					s.logger.Info("closed expired auctions", slog.Int("count", closed))
				}
			}
		}
	}()
}

func (s *Sweeper) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancelFunc()
	s.wg.Wait()
}

// Sweep closes every active item whose auction end lies in the past and returns how many it closed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	const op = "Sweeper.Sweep"
	now := s.processor.options.now()
	closed := 0
	var errs []error
	for _, view := range s.processor.ledger.Items() {
		item := view.Item
		if item.Status != StatusActive || item.AuctionEnd == nil || !now.After(*item.AuctionEnd) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		snapshot, err := s.processor.Close(ctx, item.ID)
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("[%s] Fail to close item %q, err=%w", op, item.ID, err))
			continue
		}
		s.logger.Debug("auction expired", slog.String("itemID", item.ID), slog.String("status", string(snapshot.Status)))
		closed++
	}
	return closed, errors.Join(errs...)
}
