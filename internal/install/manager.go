package install

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is how many plugins of one batch install at once.
const DefaultConcurrency = 4

// Source fetches raw package archives from a registry.
//
// Failures must wrap ErrPackageNotFound, ErrSourceUnavailable or
// ErrRateLimited so callers can tell them apart.
type Source interface {
	Fetch(ctx context.Context, name, version string) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, name, version string) ([]byte, error)

func (f SourceFunc) Fetch(ctx context.Context, name, version string) ([]byte, error) {
	return f(ctx, name, version)
}

// Status is the terminal state of one plugin in a batch.
type Status int

const (
	StatusInstalled Status = iota
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInstalled:
		return "installed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the status name in JSON and YAML output.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Outcome is the result of installing one descriptor.
type Outcome struct {
	Descriptor Descriptor
	Status     Status
	Origin     Origin
	Path       string // module path inside the job dir
	Err        error
}

// BatchResult is what one Install call produces. Outcomes are in the
// caller's input order.
type BatchResult struct {
	JobID       string
	Outcomes    []Outcome
	HadFailures bool
	Modules     map[string]string // plugin name -> module path
	Duration    time.Duration
}

// Failed returns the outcomes that did not install.
func (r *BatchResult) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

// Config holds what New needs to assemble a Manager on the filesystem.
type Config struct {
	// CacheDir is the shared package cache.
	// Default: ~/.pinstall/cache/
	CacheDir string

	// JobsDir holds per-job module directories.
	// Default: ~/.pinstall/jobs/
	JobsDir string

	// Source fetches packages on cache misses. Required.
	Source Source

	// FetchTimeout bounds each fetch+extract+store attempt.
	FetchTimeout time.Duration

	// Concurrency limits parallel installs within one batch.
	Concurrency int

	// Logger for install operations. If nil, uses slog.Default().
	Logger *slog.Logger

	// Registerer receives the install metrics. If nil, metrics are off.
	Registerer prometheus.Registerer
}

// Manager installs batches of plugins for generation jobs.
type Manager struct {
	source      Source
	coord       *Coordinator
	cache       Cache
	modules     *JobModules
	logger      *slog.Logger
	metrics     *Metrics
	concurrency int

	// evictMu orders evictions against installs: an install holds its key
	// from before the cache lookup until the job links the entry.
	evictMu sync.Mutex
	held    map[Key]int
}

// Option configures a Manager built with NewManager.
type Option func(*Manager)

// WithConcurrency limits parallel installs within one batch.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records batch and plugin outcomes.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// New builds a filesystem-backed Manager from cfg.
func New(cfg Config) (*Manager, error) {
	if cfg.Source == nil {
		return nil, errors.New("install: a package source is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cache, err := NewFSCache(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	modules, err := NewJobModules(cfg.JobsDir)
	if err != nil {
		return nil, err
	}

	var metrics *Metrics
	if cfg.Registerer != nil {
		metrics = NewMetrics(cfg.Registerer)
	}

	coord := NewCoordinator(cache,
		WithFetchTimeout(cfg.FetchTimeout),
		WithCoordinatorLogger(cfg.Logger),
		WithCoordinatorMetrics(metrics),
	)

	return NewManager(cfg.Source, coord, cache, modules,
		WithConcurrency(cfg.Concurrency),
		WithLogger(cfg.Logger),
		WithMetrics(metrics),
	), nil
}

// NewManager wires a Manager from its parts. cache must be the cache coord
// was built with.
func NewManager(source Source, coord *Coordinator, cache Cache, modules *JobModules, opts ...Option) *Manager {
	m := &Manager{
		source:      source,
		coord:       coord,
		cache:       cache,
		modules:     modules,
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
		held:        make(map[Key]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Source returns the manager's package source.
func (m *Manager) Source() Source { return m.source }

// Cache returns the manager's package cache.
func (m *Manager) Cache() Cache { return m.cache }

// Modules returns the manager's job module directories.
func (m *Manager) Modules() *JobModules { return m.modules }

// Install makes every descriptor available in jobID's module directory.
//
// A failing plugin never stops the others; its outcome is recorded and
// HadFailures is set. Install itself only fails for invalid input, or
// with ErrJobBusy while another batch of jobID runs; both are detected
// before anything is installed. Each batch starts from an empty job
// directory. Once ctx is done, plugins that have not started are recorded
// as failed with ErrCanceled; installs already shared with other jobs keep
// running.
func (m *Manager) Install(ctx context.Context, jobID string, descriptors []Descriptor, obs Observer) (*BatchResult, error) {
	if err := validateBatch(jobID, descriptors); err != nil {
		return nil, err
	}
	if err := m.modules.Open(jobID); err != nil {
		return nil, err
	}
	defer m.modules.Close(jobID)

	start := time.Now()
	outcomes := make([]Outcome, len(descriptors))

	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)
	for i, d := range descriptors {
		if ctx.Err() != nil {
			outcomes[i] = m.cancelled(ctx, jobID, d, obs)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				outcomes[i] = m.cancelled(ctx, jobID, d, obs)
				return nil
			}
			outcomes[i] = m.installOne(ctx, jobID, d, obs)
			return nil
		})
	}
	_ = g.Wait()

	result := &BatchResult{JobID: jobID, Outcomes: outcomes}
	for _, o := range outcomes {
		m.metrics.IncOutcome(o)
		if o.Status == StatusFailed {
			result.HadFailures = true
		}
	}

	modules, err := m.modules.Finalize(jobID)
	if err != nil {
		return nil, err
	}
	result.Modules = modules
	result.Duration = time.Since(start)
	m.metrics.IncBatch(result.HadFailures)

	m.logger.Info("batch install finished",
		"job", jobID,
		"plugins", len(descriptors),
		"failed", len(result.Failed()),
		"duration", result.Duration)
	return result, nil
}

func (m *Manager) installOne(ctx context.Context, jobID string, d Descriptor, obs Observer) Outcome {
	m.notify(ctx, obs, Event{Kind: EventBeforeInstall, JobID: jobID, Descriptor: d})

	m.hold(d.Key())
	defer m.unhold(d.Key())

	acq, err := m.coord.Acquire(ctx, d.Key(), func(ctx context.Context) ([]byte, error) {
		return m.source.Fetch(ctx, d.Name, d.Version)
	})
	if err != nil {
		return m.fail(ctx, jobID, d, err, obs)
	}

	path, err := m.modules.Link(jobID, d.Name, acq.Entry.Path)
	if err != nil {
		return m.fail(ctx, jobID, d, &InstallError{Key: d.Key(), Op: "link", Err: fmt.Errorf("%w: %w", ErrCacheWriteFailed, err)}, obs)
	}

	m.notify(ctx, obs, Event{Kind: EventAfterInstall, JobID: jobID, Descriptor: d, Path: path})
	return Outcome{Descriptor: d, Status: StatusInstalled, Origin: acq.Origin, Path: path}
}

func (m *Manager) fail(ctx context.Context, jobID string, d Descriptor, err error, obs Observer) Outcome {
	m.notify(ctx, obs, Event{Kind: EventInstallError, JobID: jobID, Descriptor: d, Err: err})
	return Outcome{Descriptor: d, Status: StatusFailed, Err: err}
}

func (m *Manager) cancelled(ctx context.Context, jobID string, d Descriptor, obs Observer) Outcome {
	err := &InstallError{Key: d.Key(), Op: "fetch", Err: fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))}
	return m.fail(ctx, jobID, d, err, obs)
}

// notify delivers ev; observer failures are logged and otherwise ignored.
func (m *Manager) notify(ctx context.Context, obs Observer, ev Event) {
	if obs == nil {
		return
	}
	ev.Time = time.Now()
	// Observers run after the job may have been cancelled; they still
	// deserve to see the event.
	if err := safeNotify(context.WithoutCancel(ctx), obs, ev); err != nil {
		m.logger.Warn("install observer failed",
			"job", ev.JobID,
			"plugin", ev.Descriptor.String(),
			"event", ev.Kind,
			"error", err)
	}
}

// Release drops jobID's module directory. Cache entries stay.
func (m *Manager) Release(jobID string) error {
	return m.modules.Release(jobID)
}

// Prune removes all but the newest keep versions of each cached plugin.
// Entries linked by a job or held by a running install are kept.
// It returns the removed keys.
func (m *Manager) Prune(ctx context.Context, keep int) ([]Key, error) {
	ev, ok := m.cache.(Evictor)
	if !ok {
		return nil, errors.New("install: cache does not support eviction")
	}
	if keep < 0 {
		keep = 0
	}

	entries, err := ev.List()
	if err != nil {
		return nil, err
	}

	refs := m.modules.Referenced()

	byName := make(map[string][]Entry)
	for _, e := range entries {
		name, _ := e.Key.Split()
		byName[name] = append(byName[name], e)
	}

	var removed []Key
	for _, group := range byName {
		sortNewestFirst(group)
		for i, e := range group {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			if i < keep && e.Status == StatusReady {
				continue
			}
			err := m.evict(ev, e, refs)
			switch {
			case errors.Is(err, ErrInUse):
				continue
			case err != nil && !errors.Is(err, ErrNotFound):
				return removed, fmt.Errorf("removing %s: %w", e.Key, err)
			}
			removed = append(removed, e.Key)
		}
	}

	if sweeper, ok := m.cache.(interface {
		SweepStaging(time.Duration) (int, error)
	}); ok {
		if n, err := sweeper.SweepStaging(time.Hour); err != nil {
			m.logger.Warn("sweeping staging dir", "error", err)
		} else if n > 0 {
			m.logger.Debug("swept stale staging dirs", "count", n)
		}
	}

	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed, nil
}

// Remove evicts key from the cache. It fails with ErrInUse while a job
// links the entry or an install holds the key, and with ErrNotFound when
// nothing is cached under key.
func (m *Manager) Remove(key Key) error {
	ev, ok := m.cache.(Evictor)
	if !ok {
		return errors.New("install: cache does not support eviction")
	}
	e, err := m.cache.Get(key)
	if err != nil {
		return err
	}
	return m.evict(ev, e, m.modules.Referenced())
}

// evict removes e unless it is in use. refs holds the job links seen on
// disk; links made by this process are checked again under evictMu, which
// closes the window between an install's cache hit and its link.
func (m *Manager) evict(ev Evictor, e Entry, refs map[string]bool) error {
	m.evictMu.Lock()
	defer m.evictMu.Unlock()

	if m.held[e.Key] > 0 || m.coord.Waiters(e.Key) > 0 || refs[e.Path] || m.modules.Links(e.Path) {
		return fmt.Errorf("%w: %s", ErrInUse, e.Key)
	}
	return ev.Remove(e.Key)
}

func (m *Manager) hold(key Key) {
	m.evictMu.Lock()
	defer m.evictMu.Unlock()
	m.held[key]++
}

func (m *Manager) unhold(key Key) {
	m.evictMu.Lock()
	defer m.evictMu.Unlock()
	if m.held[key]--; m.held[key] <= 0 {
		delete(m.held, key)
	}
}

// sortNewestFirst orders entries of one plugin by descending version,
// using semver where both sides parse and string order otherwise.
func sortNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		_, vi := entries[i].Key.Split()
		_, vj := entries[j].Key.Split()
		a, errA := semver.NewVersion(vi)
		b, errB := semver.NewVersion(vj)
		if errA == nil && errB == nil {
			return a.GreaterThan(b)
		}
		return strings.Compare(vi, vj) > 0
	})
}

// validateBatch rejects the whole batch if any descriptor is malformed or
// two entries ask for different versions of the same plugin.
func validateBatch(jobID string, descriptors []Descriptor) error {
	if err := ValidateJobID(jobID); err != nil {
		return err
	}
	seen := make(map[string]string, len(descriptors))
	for i, d := range descriptors {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("descriptor %d: %w", i, err)
		}
		if v, ok := seen[d.Name]; ok && v != d.Version {
			return fmt.Errorf("%w: %s requested at both %s and %s", ErrInvalidDescriptor, d.Name, v, d.Version)
		}
		seen[d.Name] = d.Version
	}
	return nil
}
