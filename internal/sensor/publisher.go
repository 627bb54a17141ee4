// Package sensor publishes each entry's EPG state to Home Assistant input
// helpers and lets Home Assistant request a refresh through a toggle.
package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"tvheadendepg/internal/clock"
	"tvheadendepg/internal/coordinator"
	"tvheadendepg/internal/entry"
	"tvheadendepg/internal/epg"
	"tvheadendepg/internal/ha"
	"tvheadendepg/internal/tvheadend"

	"go.uber.org/zap"
)

const (
	// EventUpdated is fired after every refresh attempt.
	EventUpdated = "tvheadend_epg_updated"

	// maxTextLen is Home Assistant's input_text limit.
	maxTextLen = 255

	refreshTimeout = time.Minute
)

// Entity names for an entry slug, without their domain prefix.
func EventsEntity(slug string) string  { return slug + "_events" }
func NextEntity(slug string) string    { return slug + "_next" }
func StaleEntity(slug string) string   { return slug + "_stale" }
func RefreshEntity(slug string) string { return slug + "_refresh" }

// published is the state kept for one entry. Updates from the coordinator
// are handed to a worker goroutine so HA round trips never run on the
// refreshing goroutine; only the latest pending update is kept.
type published struct {
	handle         *entry.Handle
	removeListener func()
	sub            ha.Subscription

	mu      sync.Mutex
	pending *coordinator.Update
	closing bool
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

func newPublished(h *entry.Handle) *published {
	return &published{
		handle: h,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// offer replaces any pending update with u and wakes the worker.
func (e *published) offer(u coordinator.Update) {
	e.mu.Lock()
	e.pending = &u
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *published) take() (coordinator.Update, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return coordinator.Update{}, false
	}
	u := *e.pending
	e.pending = nil
	return u, true
}

// track registers a background task unless the entry is being unloaded.
func (e *published) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return false
	}
	e.wg.Add(1)
	return true
}

// close stops the worker and waits for it and any refresh requests.
func (e *published) close() {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()
}

// Publisher implements entry.Platform on top of a Home Assistant client.
type Publisher struct {
	haClient ha.HAClient
	clock    clock.Clock
	logger   *zap.Logger
	readOnly bool

	mu      sync.Mutex
	entries map[string]*published
}

// NewPublisher creates a Publisher. In read-only mode nothing is written to
// Home Assistant and the intended writes are logged instead.
func NewPublisher(haClient ha.HAClient, clk clock.Clock, logger *zap.Logger, readOnly bool) *Publisher {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Publisher{
		haClient: haClient,
		clock:    clk,
		logger:   logger.Named("sensor"),
		readOnly: readOnly,
		entries:  make(map[string]*published),
	}
}

// SetupEntry publishes the current data of h and keeps it in sync.
func (p *Publisher) SetupEntry(h *entry.Handle) error {
	pub := newPublished(h)

	refreshID := "input_boolean." + RefreshEntity(h.Slug)
	sub, err := p.haClient.SubscribeStateChanges(refreshID, func(entityID string, oldState, newState *ha.State) {
		p.handleRefreshToggle(pub, newState)
	})
	if err != nil {
		pub.close()
		return fmt.Errorf("failed to subscribe to %s: %w", refreshID, err)
	}
	pub.sub = sub

	// Updates arriving before the worker starts wait in pending and are
	// published after the initial state.
	pub.removeListener = h.Coordinator.AddListener(pub.offer)

	data, _ := h.Coordinator.Data()
	p.publish(h, coordinator.Update{
		Snapshot: data,
		Success:  h.Coordinator.LastUpdateSuccess(),
		Err:      h.Coordinator.LastError(),
	})

	pub.wg.Add(1)
	go p.run(pub)

	p.mu.Lock()
	p.entries[h.ID] = pub
	p.mu.Unlock()

	p.logger.Info("Publishing EPG entry",
		zap.String("entry", h.ID),
		zap.String("slug", h.Slug))
	return nil
}

// UnloadEntry stops publishing h and waits for its pending work.
func (p *Publisher) UnloadEntry(h *entry.Handle) {
	p.mu.Lock()
	pub, ok := p.entries[h.ID]
	delete(p.entries, h.ID)
	p.mu.Unlock()
	if !ok {
		return
	}

	pub.removeListener()
	if err := pub.sub.Unsubscribe(); err != nil {
		p.logger.Warn("Failed to unsubscribe", zap.String("entry", h.ID), zap.Error(err))
	}
	pub.close()
}

// run publishes updates for one entry until it is unloaded.
func (p *Publisher) run(pub *published) {
	defer pub.wg.Done()
	for {
		select {
		case <-pub.done:
			return
		case <-pub.wake:
			if u, ok := pub.take(); ok {
				p.publish(pub.handle, u)
			}
		}
	}
}

// handleRefreshToggle runs on the HA receive loop, so the refresh and the
// reset of the toggle happen on their own goroutine.
func (p *Publisher) handleRefreshToggle(pub *published, newState *ha.State) {
	if newState == nil || newState.State != "on" {
		return
	}
	h := pub.handle
	if !pub.track() {
		return
	}

	p.logger.Info("Refresh requested from Home Assistant", zap.String("entry", h.ID))
	go func() {
		defer pub.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if _, err := h.Coordinator.Refresh(ctx); err != nil {
			p.logger.Warn("Requested refresh failed",
				zap.String("entry", h.ID),
				zap.String("kind", tvheadend.Kind(err)),
				zap.Error(err))
		}

		p.setBoolean(RefreshEntity(h.Slug), false)
	}()
}

// publish writes the entry's helpers and fires EventUpdated.
func (p *Publisher) publish(h *entry.Handle, u coordinator.Update) {
	count := u.Snapshot.Len()
	next := NextProgramme(u.Snapshot, p.clock.Now())
	stale := u.Stale()

	p.setNumber(EventsEntity(h.Slug), float64(count))
	p.setText(NextEntity(h.Slug), next)
	p.setBoolean(StaleEntity(h.Slug), stale)

	data := map[string]interface{}{
		"entry_id":   h.ID,
		"title":      h.Title,
		"count":      count,
		"stale":      stale,
		"fetched_at": u.Snapshot.FetchedAt.UTC().Format(time.RFC3339),
	}
	if u.Err != nil {
		data["error"] = tvheadend.Kind(u.Err)
	}
	p.fire(data)
}

// NextProgramme describes the earliest upcoming programme, or "" when the
// snapshot has none. The result fits an input_text.
func NextProgramme(snap epg.Snapshot, now time.Time) string {
	upcoming := snap.Upcoming(now, 1)
	if len(upcoming) == 0 {
		return ""
	}

	s := upcoming[0]
	text := s.StartTime().Local().Format("15:04") + " " + s.Title
	if s.ChannelName != "" {
		text += " (" + s.ChannelName + ")"
	}
	return truncate(text, maxTextLen)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

func (p *Publisher) setNumber(name string, value float64) {
	if p.readOnly {
		p.logger.Info("READ-ONLY: Would set input_number",
			zap.String("name", name), zap.Float64("value", value))
		return
	}
	if err := p.haClient.SetInputNumber(name, value); err != nil {
		p.logger.Warn("Failed to set input_number", zap.String("name", name), zap.Error(err))
	}
}

func (p *Publisher) setText(name, value string) {
	if p.readOnly {
		p.logger.Info("READ-ONLY: Would set input_text",
			zap.String("name", name), zap.String("value", value))
		return
	}
	if err := p.haClient.SetInputText(name, value); err != nil {
		p.logger.Warn("Failed to set input_text", zap.String("name", name), zap.Error(err))
	}
}

func (p *Publisher) setBoolean(name string, value bool) {
	if p.readOnly {
		p.logger.Info("READ-ONLY: Would set input_boolean",
			zap.String("name", name), zap.Bool("value", value))
		return
	}
	if err := p.haClient.SetInputBoolean(name, value); err != nil {
		p.logger.Warn("Failed to set input_boolean", zap.String("name", name), zap.Error(err))
	}
}

func (p *Publisher) fire(data map[string]interface{}) {
	if p.readOnly {
		p.logger.Info("READ-ONLY: Would fire event",
			zap.String("event_type", EventUpdated), zap.Any("data", data))
		return
	}
	if err := p.haClient.FireEvent(EventUpdated, data); err != nil {
		p.logger.Warn("Failed to fire event", zap.String("event_type", EventUpdated), zap.Error(err))
	}
}
