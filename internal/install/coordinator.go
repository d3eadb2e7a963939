package install

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultFetchTimeout bounds a single fetch+extract+store attempt.
const DefaultFetchTimeout = 2 * time.Minute

// FetchFunc obtains the raw package archive for one key.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Origin tells how an Acquire call was satisfied.
type Origin int

const (
	// OriginCache means the entry was already present; nothing was fetched.
	OriginCache Origin = iota
	// OriginFetched means this caller's flight fetched the package.
	OriginFetched
	// OriginShared means the caller joined another caller's flight.
	OriginShared
)

func (o Origin) String() string {
	switch o {
	case OriginCache:
		return "cache"
	case OriginFetched:
		return "fetched"
	case OriginShared:
		return "shared"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

func (o Origin) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Acquired is the result of a successful Acquire.
type Acquired struct {
	Entry  Entry
	Origin Origin
}

// Coordinator makes sure at most one fetch per key is in flight. Concurrent
// callers for the same key share the flight's result; callers for other
// keys are never blocked by it.
type Coordinator struct {
	cache   Cache
	timeout time.Duration
	logger  *slog.Logger
	metrics *Metrics

	group singleflight.Group

	mu      sync.Mutex
	waiters map[Key]int
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithFetchTimeout bounds each flight. Zero or negative keeps the default.
func WithFetchTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCoordinatorLogger sets the logger for flight lifecycle messages.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCoordinatorMetrics records fetches, joins and cache hits.
func WithCoordinatorMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator creates a Coordinator with its own in-flight table.
func NewCoordinator(cache Cache, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cache:   cache,
		timeout: DefaultFetchTimeout,
		logger:  slog.Default(),
		waiters: make(map[Key]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire returns the cache entry for key, fetching it with fetch when
// missing.
//
// If ctx ends while waiting, Acquire returns ctx's error but the flight
// keeps running for the remaining waiters and still populates the cache.
// Failed flights are not remembered: the next Acquire fetches again.
func (c *Coordinator) Acquire(ctx context.Context, key Key, fetch FetchFunc) (Acquired, error) {
	if e, err := c.cache.Get(key); err == nil && e.Status == StatusReady {
		c.metrics.IncCacheHit()
		return Acquired{Entry: e, Origin: OriginCache}, nil
	}

	// The flight must not inherit the first caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	led := false
	ch := c.group.DoChan(string(key), func() (any, error) {
		led = true
		return c.fly(flightCtx, key, fetch)
	})

	c.join(key)
	defer c.leave(key)

	select {
	case res := <-ch:
		if res.Err != nil {
			return Acquired{}, res.Err
		}
		acq := res.Val.(Acquired)
		if !led && acq.Origin == OriginFetched {
			acq.Origin = OriginShared
		}
		return acq, nil
	case <-ctx.Done():
		return Acquired{}, fmt.Errorf("%w: waiting for %s: %w", ErrCanceled, key, ctx.Err())
	}
}

// InFlight lists the keys that currently have waiters.
func (c *Coordinator) InFlight() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]Key, 0, len(c.waiters))
	for k := range c.waiters {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Waiters returns how many callers are currently waiting on key.
func (c *Coordinator) Waiters(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters[key]
}

func (c *Coordinator) join(key Key) {
	c.mu.Lock()
	c.waiters[key]++
	joined := c.waiters[key] > 1
	c.mu.Unlock()

	if joined {
		c.metrics.IncJoin()
	}
}

func (c *Coordinator) leave(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiters[key]--; c.waiters[key] <= 0 {
		delete(c.waiters, key)
	}
}

// fly performs one fetch+extract+store attempt for key.
func (c *Coordinator) fly(ctx context.Context, key Key, fetch FetchFunc) (acq Acquired, err error) {
	start := time.Now()
	attempted := false
	defer func() {
		if r := recover(); r != nil {
			err = &InstallError{Key: key, Op: "fetch", Err: fmt.Errorf("%w: panic: %v", ErrSourceUnavailable, r)}
		}
		if attempted {
			c.metrics.ObserveFetch(time.Since(start), err)
		}
	}()

	// A flight that finished just before this one started may already
	// have published the key.
	if e, gerr := c.cache.Get(key); gerr == nil && e.Status == StatusReady {
		return Acquired{Entry: e, Origin: OriginCache}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Debug("fetching package", "key", key)
	attempted = true

	data, err := c.fetchBounded(ctx, fetch)
	if err != nil {
		return Acquired{}, &InstallError{Key: key, Op: "fetch", Err: c.timeoutOr(ctx, err)}
	}

	entry, err := c.cache.Put(ctx, key, data)
	if err != nil {
		var ie *InstallError
		if errors.As(err, &ie) {
			return Acquired{}, err
		}
		return Acquired{}, &InstallError{Key: key, Op: "store", Err: c.timeoutOr(ctx, err)}
	}

	c.logger.Debug("package cached", "key", key, "path", entry.Path, "duration", time.Since(start))
	return Acquired{Entry: entry, Origin: OriginFetched}, nil
}

// fetchBounded returns when fetch does or when ctx ends, whichever comes
// first, so a source that ignores its context cannot hold joiners past the
// timeout.
func (c *Coordinator) fetchBounded(ctx context.Context, fetch FetchFunc) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: panic: %v", ErrSourceUnavailable, r)}
			}
		}()
		data, err := fetch(ctx)
		done <- result{data: data, err: err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) timeoutOr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	if errors.Is(err, ErrPackageNotFound) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrSourceUnavailable) || errors.Is(err, ErrExtractionFailed) ||
		errors.Is(err, ErrCacheWriteFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
}
