package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/provider"
)

// ErrManagerClosed is returned by SessionManager after Shutdown.
var ErrManagerClosed = errors.New("session manager is shut down")

// PurchaseRequest selects what to buy. An empty Provider means the registry default.
type PurchaseRequest struct {
	Provider string
	Country  string
	Operator string
	Product  string
}

// SessionManager owns the live trackers, keyed by session id. It is the only entry
// point for user intents; there is at most one live tracker per id.
type SessionManager struct {
	registry *provider.Registry
	repo     domain.PhoneNumberRepository
	notifier Notifier
	logger   *slog.Logger
	base     *slog.Logger // parent of tracker loggers
	cfg      TrackerConfig

	mu       sync.Mutex
	trackers map[string]*Tracker
	closed   bool
}

// NewSessionManager creates a manager. repo and notifier may be nil.
func NewSessionManager(registry *provider.Registry, repo domain.PhoneNumberRepository, notifier Notifier,
	logger *slog.Logger, cfg TrackerConfig) *SessionManager {
	return &SessionManager{
		registry: registry,
		repo:     repo,
		notifier: notifier,
		logger:   logger.With("component", "session_manager"),
		base:     logger,
		cfg:      cfg.withDefaults(),
		trackers: make(map[string]*Tracker),
	}
}

// Purchase buys a number and starts tracking it. On failure no session exists.
func (m *SessionManager) Purchase(ctx context.Context, req PurchaseRequest) (*domain.PhoneNumber, error) {
	number, err := m.purchase(ctx, req)
	if err != nil {
		m.failed(ctx, "purchase a number", domain.PhoneNumber{ProviderID: req.Provider, Country: req.Country,
			Operator: req.Operator, Service: req.Product}, err)
		return nil, err
	}
	return number, nil
}

func (m *SessionManager) purchase(ctx context.Context, req PurchaseRequest) (*domain.PhoneNumber, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	gateway, err := m.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	number, err := gateway.PurchaseNumber(ctx, req.Country, req.Operator, req.Product)
	if err != nil {
		m.logger.WarnContext(ctx, "Purchase failed", "provider_name", gateway.Name(), "country", req.Country, "product", req.Product, "error", err)
		return nil, fmt.Errorf("purchase %s/%s: %w", req.Country, req.Product, err)
	}
	number.Status = domain.StatusPending
	number.SMSCode, number.SMSText = "", ""

	tracker := m.newTracker(*number, gateway)
	// Saved before Start: a poll result must never be overwritten by the purchase snapshot.
	tracker.persist(ctx, *number)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, exists := m.trackers[number.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s is already tracked: %w", number.ID, domain.ErrInvalidStateTransition)
	}
	m.trackers[number.ID] = tracker
	tracker.Start(ctx)
	m.mu.Unlock()
	activeSessionsGauge.Inc()

	m.logger.InfoContext(ctx, "Session started", "session_id", number.ID, "provider_name", gateway.Name(), "number", number.Number)
	m.notify(ctx, newEvent(domain.EventPurchased, *number, m.cfg.Now()))
	return number, nil
}

// Get returns the live state of a session, falling back to the repository for
// sessions that are no longer tracked.
func (m *SessionManager) Get(ctx context.Context, id string) (*domain.PhoneNumber, error) {
	if tracker, ok := m.tracker(id); ok {
		snapshot := tracker.Snapshot()
		return &snapshot, nil
	}
	if m.repo == nil {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	number, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return number, nil
}

// List returns the tracked sessions, newest first.
func (m *SessionManager) List() []domain.PhoneNumber {
	m.mu.Lock()
	out := make([]domain.PhoneNumber, 0, len(m.trackers))
	for _, tracker := range m.trackers {
		out = append(out, tracker.Snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// History returns recently persisted sessions of any status.
func (m *SessionManager) History(ctx context.Context, limit int) ([]*domain.PhoneNumber, error) {
	if m.repo == nil {
		return nil, nil
	}
	return m.repo.ListRecent(ctx, limit)
}

// Check polls the provider for one session immediately. A stopped session that is
// still active is tracked again first.
func (m *SessionManager) Check(ctx context.Context, id string) (*domain.PhoneNumber, error) {
	tracker, stored, err := m.resolve(ctx, id)
	if err != nil {
		m.failed(ctx, "check the number", domain.PhoneNumber{ID: id}, err)
		return nil, err
	}
	if tracker == nil {
		return stored, nil
	}
	snapshot, err := tracker.PollOnce(ctx)
	if err != nil {
		m.failed(ctx, "check the number", snapshot, err)
		return nil, err
	}
	return &snapshot, nil
}

// Finish confirms the received code.
func (m *SessionManager) Finish(ctx context.Context, id string) (*domain.PhoneNumber, error) {
	return m.act(ctx, id, "finish the number", (*Tracker).Finish)
}

// Cancel releases the number.
func (m *SessionManager) Cancel(ctx context.Context, id string) (*domain.PhoneNumber, error) {
	return m.act(ctx, id, "cancel the number", (*Tracker).Cancel)
}

func (m *SessionManager) act(ctx context.Context, id, action string,
	fn func(*Tracker, context.Context) (domain.PhoneNumber, error)) (*domain.PhoneNumber, error) {
	tracker, stored, err := m.resolve(ctx, id)
	if err == nil && tracker == nil {
		err = fmt.Errorf("%s session %s: %w", stored.Status, id, domain.ErrInvalidStateTransition)
	}
	if err != nil {
		number := domain.PhoneNumber{ID: id}
		if stored != nil {
			number = *stored
		}
		m.failed(ctx, action, number, err)
		return nil, err
	}

	snapshot, err := fn(tracker, ctx)
	if err != nil {
		m.failed(ctx, action, snapshot, err)
		return nil, err
	}
	return &snapshot, nil
}

// resolve returns the live tracker for id. A stored session that is not terminal is
// tracked again; a terminal one is returned as stored with a nil tracker.
func (m *SessionManager) resolve(ctx context.Context, id string) (*Tracker, *domain.PhoneNumber, error) {
	if tracker, ok := m.tracker(id); ok {
		return tracker, nil, nil
	}
	stored, err := m.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if stored.Status.IsTerminal() {
		return nil, stored, nil
	}
	tracker, added, err := m.track(ctx, *stored)
	if err != nil {
		return nil, stored, err
	}
	if added {
		m.logger.InfoContext(ctx, "Session tracking resumed on demand", "session_id", id)
	}
	return tracker, stored, nil
}

// Stop stops tracking a session without changing its state. A later Check, Finish
// or Cancel tracks it again from the repository.
func (m *SessionManager) Stop(id string) error {
	m.mu.Lock()
	tracker, ok := m.trackers[id]
	if ok {
		delete(m.trackers, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	activeSessionsGauge.Dec()
	tracker.Stop()
	m.logger.Info("Session tracking stopped", "session_id", id)
	return nil
}

// Resume restarts tracking for every non-terminal session in the repository.
// It returns how many sessions were resumed.
func (m *SessionManager) Resume(ctx context.Context) (int, error) {
	if m.repo == nil {
		return 0, nil
	}
	active, err := m.repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	resumed := 0
	for _, number := range active {
		_, added, err := m.track(ctx, *number)
		switch {
		case errors.Is(err, ErrManagerClosed):
			return resumed, err
		case err != nil:
			m.logger.WarnContext(ctx, "Cannot resume session", "session_id", number.ID, "provider_name", number.ProviderID, "error", err)
		case added:
			resumed++
		}
	}
	m.logger.InfoContext(ctx, "Resumed sessions", "count", resumed)
	return resumed, nil
}

// Shutdown stops every tracker and rejects further purchases.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	trackers := make([]*Tracker, 0, len(m.trackers))
	for id, tracker := range m.trackers {
		trackers = append(trackers, tracker)
		delete(m.trackers, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, tracker := range trackers {
		wg.Add(1)
		go func(tr *Tracker) {
			defer wg.Done()
			tr.Stop()
		}(tracker)
	}
	wg.Wait()
	activeSessionsGauge.Sub(float64(len(trackers)))
	m.logger.Info("Session manager shut down", "stopped_trackers", len(trackers))
}

// track starts a tracker for a stored session unless one is already live. It reports
// whether a new tracker was added.
func (m *SessionManager) track(ctx context.Context, number domain.PhoneNumber) (*Tracker, bool, error) {
	gateway, err := m.registry.Get(number.ProviderID)
	if err != nil {
		return nil, false, err
	}
	tracker := m.newTracker(number, gateway)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrManagerClosed
	}
	if existing, exists := m.trackers[number.ID]; exists {
		m.mu.Unlock()
		return existing, false, nil
	}
	m.trackers[number.ID] = tracker
	tracker.Start(ctx)
	m.mu.Unlock()

	activeSessionsGauge.Inc()
	return tracker, true, nil
}

func (m *SessionManager) newTracker(number domain.PhoneNumber, gateway provider.Gateway) *Tracker {
	tracker := NewTracker(number, gateway, m.repo, m.notifier, m.base, m.cfg)
	tracker.onTerminal = m.release
	return tracker
}

// release drops a terminal tracker from the map. It runs on the goroutine that applied
// the terminal transition, so it must not wait for the tracker.
func (m *SessionManager) release(tracker *Tracker) {
	m.mu.Lock()
	current, ok := m.trackers[tracker.ID()]
	if ok && current == tracker {
		delete(m.trackers, tracker.ID())
	}
	m.mu.Unlock()
	if ok && current == tracker {
		activeSessionsGauge.Dec()
		m.logger.Info("Session reached a terminal state", "session_id", tracker.ID(), "status", tracker.Snapshot().Status.String())
	}
}

func (m *SessionManager) tracker(id string) (*Tracker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracker, ok := m.trackers[id]
	return tracker, ok
}

func (m *SessionManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *SessionManager) failed(ctx context.Context, action string, number domain.PhoneNumber, err error) {
	m.logger.WarnContext(ctx, "Action failed", "action", action, "session_id", number.ID, "error", err)
	m.notify(ctx, newFailureEvent(action, number, err, m.cfg.Now()))
}

func (m *SessionManager) notify(ctx context.Context, event domain.Event) {
	if m.notifier != nil {
		m.notifier.Notify(ctx, event)
	}
}
