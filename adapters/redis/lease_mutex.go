//go:generate mockgen -package=redis -destination=mock_lease_mutex.go -source=lease_mutex.go

package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ILeaseMutex is a Redis lock that keeps extending its lease while held.
// The context returned by Lock is cancelled once the lease is lost or released.
type ILeaseMutex interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
	Valid() bool
}

type leaseMutexOptions struct {
	renewInterval time.Duration
	retryDelay    time.Duration
	expiry        time.Duration
	skipLockError bool
}

type LeaseMutexOption func(*leaseMutexOptions)

// WithLeaseMutexRenewInterval sets how often the lease is extended. Defaults to a third of the expiry.
func WithLeaseMutexRenewInterval(d time.Duration) LeaseMutexOption {
	return func(o *leaseMutexOptions) {
		o.renewInterval = d
	}
}

// WithLeaseMutexRetryDelay sets the pause between acquisition attempts.
func WithLeaseMutexRetryDelay(d time.Duration) LeaseMutexOption {
	return func(o *leaseMutexOptions) {
		o.retryDelay = d
	}
}

// WithLeaseMutexExpiry sets the lease length.
func WithLeaseMutexExpiry(d time.Duration) LeaseMutexOption {
	return func(o *leaseMutexOptions) {
		o.expiry = d
	}
}

// WithLeaseMutexSkipLockError keeps retrying on Redis errors instead of returning them.
func WithLeaseMutexSkipLockError(skip bool) LeaseMutexOption {
	return func(o *leaseMutexOptions) {
		o.skipLockError = skip
	}
}

type LeaseMutex struct {
	*redsync.Mutex
	cancel   context.CancelFunc
	renewing bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	options  leaseMutexOptions
}

func newLeaseOptions(opts []LeaseMutexOption) leaseMutexOptions {
	options := leaseMutexOptions{
		expiry:     8 * time.Second,
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.renewInterval <= 0 {
		options.renewInterval = options.expiry / 3
	}
	return options
}

func NewLeaseMutex(client *redis.Client, key string, opts ...LeaseMutexOption) *LeaseMutex {
	return newLeaseMutex(redsync.New(goredis.NewPool(client)), key, newLeaseOptions(opts))
}

func newLeaseMutex(rs *redsync.Redsync, key string, options leaseMutexOptions) *LeaseMutex {
	mutex := rs.NewMutex(
		key,
		redsync.WithExpiry(options.expiry),
		redsync.WithTries(1),
		redsync.WithRetryDelay(options.retryDelay),
	)
	return &LeaseMutex{
		Mutex:   mutex,
		options: options,
	}
}

// Lock retries until the lock is taken or ctx is done, then starts renewing the lease.
func (m *LeaseMutex) Lock(ctx context.Context) (context.Context, error) {
	return m.acquire(ctx, ctx)
}

// acquire waits for the lock under waitCtx. The returned lease context derives from parent.
func (m *LeaseMutex) acquire(waitCtx, parent context.Context) (context.Context, error) {
	timer := time.NewTimer(1)
	defer timer.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return nil, waitCtx.Err()
		case <-timer.C:
			err := m.Mutex.LockContext(waitCtx)
			if err == nil {
				leaseCtx, cancel := context.WithCancel(parent)
				m.mu.Lock()
				m.cancel = cancel
				m.mu.Unlock()
				m.startRenew(leaseCtx)
				return leaseCtx, nil
			}
			var commErr *redsync.RedisError
			if !m.options.skipLockError && errors.As(err, &commErr) {
				return nil, fmt.Errorf("failed to acquire lock: %w", err)
			}
			timer.Reset(m.options.retryDelay)
		}
	}
}

// Unlock stops renewing and releases the lock.
func (m *LeaseMutex) Unlock() (bool, error) {
	m.stopRenew()
	m.wg.Wait()
	return m.Mutex.Unlock()
}

// Valid reports whether the lease is still held and being renewed.
func (m *LeaseMutex) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewing && time.Now().Before(m.Mutex.Until())
}

func (m *LeaseMutex) startRenew(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.renewing {
		return
	}
	m.renewing = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.options.renewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := m.Mutex.ExtendContext(ctx)
				if err != nil || !ok {
					m.stopRenew()
					return
				}
			}
		}
	}()
}

func (m *LeaseMutex) stopRenew() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.renewing {
		return
	}
	m.renewing = false
	if m.cancel != nil {
		m.cancel()
	}
}

// LeaseLocker hands out one LeaseMutex per key. It lets several processes share a critical
// section, e.g. the expiry sweeper.
type LeaseLocker struct {
	rs      *redsync.Redsync
	prefix  string
	logger  *slog.Logger
	options leaseMutexOptions
}

func NewLeaseLocker(client *redis.Client, prefix string, logger *slog.Logger, opts ...LeaseMutexOption) (*LeaseLocker, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseLocker{
		rs:      redsync.New(goredis.NewPool(client)),
		prefix:  prefix,
		logger:  logger.With(slog.String("caller", "LeaseLocker")),
		options: newLeaseOptions(opts),
	}, nil
}

// Lock takes the lease for key. Waiting is bounded by ctx, holding is not: the lease lives
// until the returned function is called.
func (l *LeaseLocker) Lock(ctx context.Context, key string) (func(), error) {
	const op = "LeaseLocker.Lock"
	m := newLeaseMutex(l.rs, l.prefix+key, l.options)
	if _, err := m.acquire(ctx, context.WithoutCancel(ctx)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("[%s] Fail to acquire lease, key=%s, err=%w", op, key, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if _, err := m.Unlock(); err != nil {
				l.logger.Warn("Fail to release lease", slog.String("key", l.prefix+key), slog.Any("error", err))
			}
		})
	}, nil
}
