package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type processorOptions struct {
	logger      *slog.Logger
	locker      Locker
	settings    SettingsSource
	sink        EventSink
	now         func() time.Time
	lockTimeout time.Duration
}

type ProcessorOption func(*processorOptions)

// WithProcessorLogger sets the logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(o *processorOptions) {
		o.logger = logger
	}
}

// WithProcessorLocker replaces the in-process KeyedMutex.
func WithProcessorLocker(locker Locker) ProcessorOption {
	return func(o *processorOptions) {
		o.locker = locker
	}
}

// WithProcessorSettings sets where preview mode and other event-wide settings are read from.
func WithProcessorSettings(settings SettingsSource) ProcessorOption {
	return func(o *processorOptions) {
		o.settings = settings
	}
}

// WithProcessorEventSink sets the sink that receives accepted bids and status changes.
func WithProcessorEventSink(sink EventSink) ProcessorOption {
	return func(o *processorOptions) {
		o.sink = sink
	}
}

// WithProcessorClock overrides time.Now.
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(o *processorOptions) {
		o.now = now
	}
}

// WithProcessorLockTimeout bounds how long a submission waits for the item's critical section.
// Zero leaves the wait bounded only by the caller's context.
func WithProcessorLockTimeout(d time.Duration) ProcessorOption {
	return func(o *processorOptions) {
		o.lockTimeout = d
	}
}

// Processor is the only writer of the Ledger. It serializes submissions per item and lets
// different items proceed in parallel.
type Processor struct {
	ledger  *Ledger
	logger  *slog.Logger
	options processorOptions
}

func NewProcessor(ledger *Ledger, opts ...ProcessorOption) (*Processor, error) {
	if ledger == nil {
		return nil, errors.New("ledger cannot be nil")
	}

	options := processorOptions{
		logger:      slog.Default(),
		locker:      NewKeyedMutex(),
		settings:    StaticSettings{},
		sink:        discardSink{},
		now:         time.Now,
		lockTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Processor{
		ledger:  ledger,
		logger:  options.logger.With(slog.String("caller", "Processor")),
		options: options,
	}, nil
}

// Ledger returns the ledger this processor writes to.
func (p *Processor) Ledger() *Ledger {
	return p.ledger
}

// SubmitBid validates req against the item's current state and appends it when accepted.
// Rejections are returned as *Rejection and leave the ledger untouched. An accepted buy-now
// bid marks the item sold in the same publish as the bid itself.
func (p *Processor) SubmitBid(ctx context.Context, req BidRequest) (Snapshot, error) {
	const op = "Processor.SubmitBid"
	unlock, err := p.lock(ctx, req.ItemID)
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	entry, st, err := p.ledger.entry(req.ItemID)
	if err != nil {
		return Snapshot{}, err
	}
	now := p.options.now()
	if err := ValidateBid(st.item, st.quote(), req, now, p.options.settings.Settings()); err != nil {
		p.logger.Debug("Bid rejected",
			slog.String("itemID", req.ItemID),
			slog.String("bidderID", req.BidderID),
			slog.String("amount", req.Amount.String()),
			slog.Any("error", err))
		return Snapshot{}, err
	}

	var closeAs Status
	if req.IsBuyNow {
		closeAs = StatusSold
	}
	bid, next, err := p.ledger.append(entry, st, req, now, closeAs)
	if err != nil {
		p.logger.Warn("Ledger changed inside critical section", slog.String("op", op), slog.String("itemID", req.ItemID))
		return Snapshot{}, err
	}

	snapshot := next.snapshot()
	p.logger.Info("Bid accepted",
		slog.String("itemID", bid.ItemID),
		slog.String("bidderID", bid.BidderID),
		slog.Uint64("bidID", bid.ID),
		slog.String("amount", bid.Amount.String()),
		slog.Bool("buyNow", bid.IsBuyNow))
	p.emit(newEvent(EventBidAccepted, &bid, snapshot, now))
	if req.IsBuyNow {
		p.emit(newEvent(EventItemClosed, nil, snapshot, now))
	}
	return snapshot, nil
}

// Activate opens a draft item for bidding.
func (p *Processor) Activate(ctx context.Context, itemID string) (Snapshot, error) {
	return p.changeStatus(ctx, itemID, StatusDraft, func(*ledgerState) Status { return StatusActive }, EventItemActivated)
}

// Close ends bidding on an active item. It becomes sold when it has a winning bid and unsold otherwise.
func (p *Processor) Close(ctx context.Context, itemID string) (Snapshot, error) {
	return p.changeStatus(ctx, itemID, StatusActive, func(st *ledgerState) Status {
		if st.hasBids() {
			return StatusSold
		}
		return StatusUnsold
	}, EventItemClosed)
}

func (p *Processor) changeStatus(ctx context.Context, itemID string, from Status, to func(*ledgerState) Status, kind EventKind) (Snapshot, error) {
	const op = "Processor.changeStatus"
	unlock, err := p.lock(ctx, itemID)
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	entry, st, err := p.ledger.entry(itemID)
	if err != nil {
		return Snapshot{}, err
	}
	if st.item.Status != from {
		return Snapshot{}, fmt.Errorf("[%s] %w: item %q is %s, expected %s", op, ErrInvalidTransition, itemID, st.item.Status, from)
	}
	target := to(st)
	next, err := p.ledger.transition(entry, st, target)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := next.snapshot()
	p.logger.Info("Item status changed",
		slog.String("itemID", itemID),
		slog.String("from", string(from)),
		slog.String("to", string(target)))
	p.emit(newEvent(kind, nil, snapshot, p.options.now()))
	return snapshot, nil
}

// lock enters the item's critical section. Unknown items are refused before any lock state
// is created for them. Running out of time while waiting yields a Busy rejection.
func (p *Processor) lock(ctx context.Context, itemID string) (func(), error) {
	const op = "Processor.lock"
	if _, err := p.ledger.state(itemID); err != nil {
		return nil, err
	}
	lockCtx := ctx
	if p.options.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, p.options.lockTimeout)
		defer cancel()
	}
	unlock, err := p.options.locker.Lock(lockCtx, itemID)
	if err == nil {
		return unlock, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		p.logger.Warn("Timed out waiting for item", slog.String("itemID", itemID))
		return nil, &Rejection{Reason: ReasonBusy, Context: RejectionContext{ItemID: itemID}, cause: err}
	}
	return nil, fmt.Errorf("[%s] Fail to lock item %q, err=%w", op, itemID, err)
}

func (p *Processor) emit(event Event) {
	if err := p.options.sink.Publish(event); err != nil {
		p.logger.Error("Fail to publish auction event",
			slog.String("itemID", event.ItemID),
			slog.String("kind", string(event.Kind)),
			slog.Any("error", err))
	}
}
