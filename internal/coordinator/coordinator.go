// Package coordinator owns the refresh schedule of one TVHeadend entry and
// the EPG snapshot currently published to consumers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tvheadendepg/internal/clock"
	"tvheadendepg/internal/epg"
	"tvheadendepg/internal/metrics"
	"tvheadendepg/internal/tvheadend"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultInterval is the time between two scheduled refreshes.
	DefaultInterval = 15 * time.Minute

	saveTimeout = 10 * time.Second
	refreshKey  = "refresh"
)

// ErrStopped is returned by refreshes that complete after Stop.
var ErrStopped = errors.New("coordinator stopped")

// Fetcher retrieves the EPG from the server.
type Fetcher interface {
	FetchEPG(ctx context.Context, limit int) ([]epg.Entry, error)
}

// Store persists published snapshots.
type Store interface {
	Save(ctx context.Context, snap epg.Snapshot) error
	Load(ctx context.Context) (epg.Snapshot, bool, error)
}

// State is the refresh state of a coordinator.
type State int

const (
	// StateIdle means no fetch is in flight.
	StateIdle State = iota
	// StateFetching means a fetch is in flight.
	StateFetching
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	default:
		return "unknown"
	}
}

// Update is delivered to listeners after every refresh attempt. On failure
// Snapshot is the previously published snapshot.
type Update struct {
	Snapshot epg.Snapshot
	Success  bool
	Err      error
}

// Stale reports whether the update carries last-known data after a failure.
func (u Update) Stale() bool {
	return !u.Success
}

// Listener receives refresh updates. Listeners run on the refreshing
// goroutine and should not block.
type Listener func(Update)

// Status is a point-in-time view of a coordinator for APIs and logs.
type Status struct {
	State             string    `json:"state"`
	LastUpdateSuccess bool      `json:"last_update_success"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorKind     string    `json:"last_error_kind,omitempty"`
	LastUpdated       time.Time `json:"last_updated"`
	Entries           int       `json:"entries"`
}

// Config configures a Coordinator.
type Config struct {
	// Name identifies the entry in logs and metrics.
	Name     string
	Fetcher  Fetcher
	Store    Store
	Limit    int
	Interval time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Coordinator refreshes the EPG on a fixed interval and publishes the
// latest successful snapshot.
type Coordinator struct {
	name     string
	fetcher  Fetcher
	store    Store
	limit    int
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	group singleflight.Group

	// saveMu is held across a store write so Stop can wait it out.
	saveMu sync.Mutex

	mu          sync.RWMutex
	data        epg.Snapshot
	hasData     bool
	state       State
	lastSuccess bool
	lastErr     error
	lastUpdated time.Time
	timer       clock.Timer
	started     bool
	stopped     bool

	listenersMu    sync.Mutex
	listeners      map[int]Listener
	nextListenerID int
}

// New creates a Coordinator. Nothing is fetched until FirstRefresh.
func New(cfg Config) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Coordinator{
		name:      cfg.Name,
		fetcher:   cfg.Fetcher,
		store:     cfg.Store,
		limit:     cfg.Limit,
		interval:  cfg.Interval,
		clock:     cfg.Clock,
		logger:    cfg.Logger.Named("coordinator").With(zap.String("entry", cfg.Name)),
		data:      epg.Snapshot{Entries: []epg.Entry{}},
		listeners: make(map[int]Listener),
	}
}

// Name returns the entry name the coordinator was created with.
func (c *Coordinator) Name() string {
	return c.name
}

// Interval returns the refresh period.
func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// FirstRefresh restores the persisted snapshot, then fetches synchronously.
// A failed fetch is returned and leaves the schedule unarmed; on success the
// periodic refresh starts.
func (c *Coordinator) FirstRefresh(ctx context.Context) error {
	snap, ok, err := c.store.Load(ctx)
	switch {
	case err != nil:
		c.logger.Warn("Failed to load stored EPG snapshot", zap.Error(err))
	case ok:
		c.mu.Lock()
		c.data = snap
		c.hasData = true
		c.mu.Unlock()
		c.logger.Info("Restored stored EPG snapshot",
			zap.Int("entries", snap.Len()),
			zap.Time("fetched_at", snap.FetchedAt))
	}

	if _, err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("first refresh of %s failed: %w", c.name, err)
	}

	c.mu.Lock()
	c.started = true
	c.scheduleLocked()
	c.mu.Unlock()

	c.logger.Info("Periodic EPG refresh started", zap.Duration("interval", c.interval))
	return nil
}

// Refresh fetches the EPG now. If a fetch is already in flight the call
// joins it and receives the same result. Cancelling ctx abandons the wait
// but not the fetch.
func (c *Coordinator) Refresh(ctx context.Context) (epg.Snapshot, error) {
	ch := c.group.DoChan(refreshKey, func() (interface{}, error) {
		return c.runRefresh()
	})

	select {
	case res := <-ch:
		snap, _ := res.Val.(epg.Snapshot)
		if res.Shared {
			c.logger.Debug("Refresh coalesced with in-flight fetch")
		}
		return snap, res.Err
	case <-ctx.Done():
		return epg.Snapshot{}, ctx.Err()
	}
}

// runRefresh performs exactly one fetch and publishes its outcome.
func (c *Coordinator) runRefresh() (epg.Snapshot, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return epg.Snapshot{}, ErrStopped
	}
	c.state = StateFetching
	if c.timer != nil {
		// A manual refresh supersedes the pending tick.
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	started := time.Now()
	entries, err := c.fetcher.FetchEPG(context.Background(), c.limit)
	took := time.Since(started)

	if err != nil {
		c.recordFailure(err, took)
		return epg.Snapshot{}, err
	}

	snap := epg.Snapshot{Entries: entries, FetchedAt: c.clock.Now()}
	if err := c.publish(snap, took); err != nil {
		return epg.Snapshot{}, err
	}
	return snap, nil
}

// publish saves snap and makes it the current data. Nothing is saved or
// published once Stop has been called.
func (c *Coordinator) publish(snap epg.Snapshot, took time.Duration) error {
	c.saveMu.Lock()
	if c.isStopped() {
		c.saveMu.Unlock()
		return c.discard()
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	if err := c.store.Save(ctx, snap); err != nil {
		c.logger.Error("Failed to persist EPG snapshot", zap.Error(err))
	}
	cancel()
	c.saveMu.Unlock()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return c.discard()
	}
	recovered := !c.lastSuccess && c.lastErr != nil
	c.data = snap
	c.hasData = true
	c.state = StateIdle
	c.lastSuccess = true
	c.lastErr = nil
	c.lastUpdated = snap.FetchedAt
	c.scheduleLocked()
	c.mu.Unlock()

	metrics.RecordFetchSuccess(c.name, snap.Len(), took, snap.FetchedAt)

	if recovered {
		c.logger.Info("EPG fetch recovered", zap.Int("entries", snap.Len()))
	} else {
		c.logger.Debug("EPG snapshot published",
			zap.Int("entries", snap.Len()),
			zap.Duration("took", took))
	}

	c.notify(Update{Snapshot: snap, Success: true})
	return nil
}

// recordFailure keeps the published snapshot and marks it stale.
func (c *Coordinator) recordFailure(err error, took time.Duration) {
	c.mu.Lock()
	if c.stopped {
		c.state = StateIdle
		c.mu.Unlock()
		return
	}
	firstFailure := c.lastErr == nil
	previous := c.data
	c.state = StateIdle
	c.lastSuccess = false
	c.lastErr = err
	c.scheduleLocked()
	c.mu.Unlock()

	kind := tvheadend.Kind(err)
	metrics.RecordFetchFailure(c.name, kind, took)

	if firstFailure {
		c.logger.Error("EPG fetch failed, serving last known data",
			zap.String("kind", kind),
			zap.Int("entries", previous.Len()),
			zap.Error(err))
	} else {
		c.logger.Debug("EPG fetch still failing", zap.String("kind", kind), zap.Error(err))
	}

	c.notify(Update{Snapshot: previous, Success: false, Err: err})
}

func (c *Coordinator) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

func (c *Coordinator) discard() error {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	c.logger.Debug("Discarding fetch that finished after stop")
	return ErrStopped
}

// scheduleLocked arms the next tick. Must hold c.mu.
func (c *Coordinator) scheduleLocked() {
	if !c.started || c.stopped {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.clock.AfterFunc(c.interval, c.onTick)
}

func (c *Coordinator) onTick() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	// Failures are recorded by runRefresh and retried on the next tick.
	_, _ = c.Refresh(context.Background())
}

// Stop cancels the schedule and drops all listeners. A fetch in flight is
// left to finish or time out; its result is discarded. A store write already
// under way completes before Stop returns, so the store may be closed after.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	// Wait for an in-progress save.
	c.saveMu.Lock()
	c.saveMu.Unlock()

	c.listenersMu.Lock()
	c.listeners = make(map[int]Listener)
	c.listenersMu.Unlock()

	metrics.ForgetEntry(c.name)
	c.logger.Info("Coordinator stopped")
}

// Data returns the published snapshot and whether one exists.
func (c *Coordinator) Data() (epg.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data, c.hasData
}

// LastUpdateSuccess reports whether the most recent fetch succeeded.
func (c *Coordinator) LastUpdateSuccess() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// LastError returns the error of the most recent fetch, or nil.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// State returns the current refresh state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status returns a summary of the coordinator.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{
		State:             c.state.String(),
		LastUpdateSuccess: c.lastSuccess,
		LastUpdated:       c.lastUpdated,
		Entries:           c.data.Len(),
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
		s.LastErrorKind = tvheadend.Kind(c.lastErr)
	}
	return s
}

// AddListener registers fn for future updates and returns a function that
// removes it.
func (c *Coordinator) AddListener(fn Listener) (remove func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextListenerID
	c.nextListenerID++
	c.listeners[id] = fn

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Coordinator) notify(u Update) {
	c.listenersMu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}
