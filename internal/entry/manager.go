// Package entry owns the lifecycle of configured TVHeadend connections:
// it builds the client, store and coordinator for each one, runs the first
// refresh and forwards set up entries to the registered platforms.
package entry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"tvheadendepg/internal/clock"
	"tvheadendepg/internal/coordinator"
	"tvheadendepg/internal/epg"
	"tvheadendepg/internal/metrics"
	"tvheadendepg/internal/storage"
	"tvheadendepg/internal/tvheadend"

	"go.uber.org/zap"
)

var (
	// ErrUnknownEntry is returned for ids that are not set up.
	ErrUnknownEntry = errors.New("unknown entry")

	// ErrDuplicateEntry is returned when setting up an id twice.
	ErrDuplicateEntry = errors.New("entry already set up")

	// ErrDuplicateSlug is returned when two entries would publish to the
	// same Home Assistant entities.
	ErrDuplicateSlug = errors.New("entity slug already in use")
)

// Platform consumes set up entries, e.g. by publishing them to Home Assistant.
type Platform interface {
	SetupEntry(h *Handle) error
	UnloadEntry(h *Handle)
}

// Handle is a set up entry.
type Handle struct {
	ID          string
	Title       string
	Slug        string
	Config      Config
	Client      *tvheadend.Client
	Store       *storage.Store
	Coordinator *coordinator.Coordinator
}

// Options configures a Manager.
type Options struct {
	Backend storage.Backend
	Clock   clock.Clock
	Logger  *zap.Logger

	// Timeout and Transport are passed to every TVHeadend client.
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Manager keeps the set up entries keyed by id.
type Manager struct {
	backend   storage.Backend
	clock     clock.Clock
	logger    *zap.Logger
	timeout   time.Duration
	transport http.RoundTripper

	mu        sync.RWMutex
	entries   map[string]*Handle
	pending   map[string]bool
	slugs     map[string]string
	platforms []Platform
}

// NewManager creates an empty Manager.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		backend:   opts.Backend,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("entry"),
		timeout:   opts.Timeout,
		transport: opts.Transport,
		entries:   make(map[string]*Handle),
		pending:   make(map[string]bool),
		slugs:     make(map[string]string),
	}
}

// AddPlatform registers p for entries set up from now on.
func (m *Manager) AddPlatform(p Platform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.platforms = append(m.platforms, p)
}

// Setup builds and starts an entry. The first refresh is blocking: if it
// fails nothing is kept and the error is returned.
func (m *Manager) Setup(ctx context.Context, cfg Config) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entry config: %w", err)
	}
	cfg = cfg.WithDefaults()
	id := cfg.EntryID()
	slug := cfg.Slug()
	logger := m.logger.With(zap.String("entry", id), zap.String("title", cfg.Title))

	if err := m.reserve(id, slug); err != nil {
		return nil, err
	}
	committed := false
	defer func() { m.release(id, slug, committed) }()

	client, err := tvheadend.NewClient(cfg.BaseURL(), tvheadend.Credentials{
		Username: cfg.Username,
		Password: cfg.Password,
	}, m.logger, tvheadend.Options{Timeout: m.timeout, Transport: m.transport})
	if err != nil {
		return nil, err
	}

	store := storage.NewStore(m.backend, id)
	coord := coordinator.New(coordinator.Config{
		Name:     id,
		Fetcher:  client,
		Store:    store,
		Limit:    cfg.Limit,
		Interval: cfg.Interval,
		Clock:    m.clock,
		Logger:   m.logger,
	})

	logger.Info("Setting up TVHeadend entry", zap.String("url", client.BaseURL()))
	if err := coord.FirstRefresh(ctx); err != nil {
		coord.Stop()
		logger.Error("First EPG refresh failed",
			zap.String("kind", tvheadend.Kind(err)),
			zap.Error(err))
		return nil, fmt.Errorf("setting up %s: %w", cfg.Title, err)
	}

	h := &Handle{
		ID:          id,
		Title:       cfg.Title,
		Slug:        slug,
		Config:      cfg,
		Client:      client,
		Store:       store,
		Coordinator: coord,
	}

	m.mu.RLock()
	platforms := append([]Platform(nil), m.platforms...)
	m.mu.RUnlock()

	for i, p := range platforms {
		if err := p.SetupEntry(h); err != nil {
			for j := i - 1; j >= 0; j-- {
				platforms[j].UnloadEntry(h)
			}
			coord.Stop()
			return nil, fmt.Errorf("setting up platforms for %s: %w", cfg.Title, err)
		}
	}

	m.mu.Lock()
	m.entries[id] = h
	metrics.EntriesLoaded.Set(float64(len(m.entries)))
	m.mu.Unlock()
	committed = true

	data, _ := coord.Data()
	logger.Info("TVHeadend entry ready", zap.Int("entries", data.Len()))
	return h, nil
}

// reserve claims id and slug for a Setup in progress. Slugs stay claimed
// until the entry is unloaded.
func (m *Manager) reserve(id, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; ok || m.pending[id] {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, id)
	}
	if owner, ok := m.slugs[slug]; ok {
		return fmt.Errorf("%w: %q is used by %s", ErrDuplicateSlug, slug, owner)
	}
	m.pending[id] = true
	m.slugs[slug] = id
	return nil
}

func (m *Manager) release(id, slug string, keepSlug bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
	if !keepSlug {
		delete(m.slugs, slug)
	}
}

// Unload reverses Setup.
func (m *Manager) Unload(id string) error {
	m.mu.Lock()
	h, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	delete(m.entries, id)
	metrics.EntriesLoaded.Set(float64(len(m.entries)))
	platforms := append([]Platform(nil), m.platforms...)
	m.mu.Unlock()

	for i := len(platforms) - 1; i >= 0; i-- {
		platforms[i].UnloadEntry(h)
	}
	h.Coordinator.Stop()

	m.mu.Lock()
	delete(m.slugs, h.Slug)
	m.mu.Unlock()

	m.logger.Info("Unloaded TVHeadend entry", zap.String("entry", id))
	return nil
}

// UnloadAll unloads every entry.
func (m *Manager) UnloadAll() {
	for _, h := range m.List() {
		if err := m.Unload(h.ID); err != nil {
			m.logger.Warn("Failed to unload entry", zap.String("entry", h.ID), zap.Error(err))
		}
	}
}

// Get returns the entry with the given id.
func (m *Manager) Get(id string) (*Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	return h, nil
}

// List returns all entries ordered by title.
func (m *Manager) List() []*Handle {
	m.mu.RLock()
	out := make([]*Handle, 0, len(m.entries))
	for _, h := range m.entries {
		out = append(out, h)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Refresh requests an immediate refresh of one entry.
func (m *Manager) Refresh(ctx context.Context, id string) (epg.Snapshot, error) {
	h, err := m.Get(id)
	if err != nil {
		return epg.Snapshot{}, err
	}
	return h.Coordinator.Refresh(ctx)
}

// Record schedules a recording of eventID on the entry's server.
func (m *Manager) Record(ctx context.Context, id string, eventID int64) error {
	h, err := m.Get(id)
	if err != nil {
		return err
	}

	logger := m.logger.With(zap.String("entry", id), zap.Int64("event_id", eventID))
	if err := h.Client.RecordEvent(ctx, eventID); err != nil {
		metrics.RecordRecording(id, tvheadend.Kind(err))
		logger.Warn("Failed to schedule recording", zap.Error(err))
		return err
	}

	metrics.RecordRecording(id, "success")
	logger.Info("Scheduled recording")
	return nil
}
