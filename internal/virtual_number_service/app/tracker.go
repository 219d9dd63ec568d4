package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/provider"
)

// TrackerConfig controls polling for a single session.
type TrackerConfig struct {
	PollInterval   time.Duration
	PollTimeout    time.Duration // per CheckNumber call; 0 means no extra deadline
	MaxErrorStreak int           // consecutive failed polls before a poll_failing event
	Now            func() time.Time
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxErrorStreak < 1 {
		c.MaxErrorStreak = 5
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Tracker owns the state of one purchased number while it is active. It polls the
// provider while the session is pending and applies user actions through the gateway.
// All state changes pass the forward-only state machine, so late responses are dropped.
type Tracker struct {
	gateway  provider.Gateway
	repo     domain.PhoneNumberRepository
	notifier Notifier
	logger   *slog.Logger
	cfg      TrackerConfig

	mu        sync.Mutex
	number    domain.PhoneNumber
	errStreak int

	actionMu sync.Mutex // serialises finish and cancel
	inFlight atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	// onTerminal runs once, outside t.mu, after the session reaches a terminal status.
	onTerminal   func(*Tracker)
	terminalOnce sync.Once
}

// NewTracker creates a tracker for number. repo and notifier may be nil.
func NewTracker(number domain.PhoneNumber, gateway provider.Gateway, repo domain.PhoneNumberRepository,
	notifier Notifier, logger *slog.Logger, cfg TrackerConfig) *Tracker {
	return &Tracker{
		gateway:  gateway,
		repo:     repo,
		notifier: notifier,
		logger:   logger.With("component", "tracker", "session_id", number.ID, "provider_name", gateway.Name()),
		cfg:      cfg.withDefaults(),
		number:   number,
		done:     make(chan struct{}),
	}
}

func (t *Tracker) ID() string {
	return t.number.ID
}

// Snapshot returns a copy of the current session state.
func (t *Tracker) Snapshot() domain.PhoneNumber {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.number
}

// Start launches the poll loop if the session is pending. Calling it more than once is a no-op.
func (t *Tracker) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		if t.Snapshot().Status != domain.StatusPending {
			close(t.done)
			return
		}
		ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
		go t.run(ctx)
	})
}

// Stop halts polling and waits for the poll goroutine to exit. No poll is issued after
// Stop returns. It must not be called from the poll goroutine.
func (t *Tracker) Stop() {
	t.startOnce.Do(func() { close(t.done) })
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
	})
	<-t.done
}

// Done is closed when the poll loop has exited.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	t.logger.DebugContext(ctx, "Tracker polling started", "interval", t.cfg.PollInterval.String())
	for {
		select {
		case <-ctx.Done():
			t.logger.DebugContext(ctx, "Tracker polling stopped")
			return
		case <-ticker.C:
			if status := t.Snapshot().Status; status != domain.StatusPending {
				t.logger.DebugContext(ctx, "Tracker polling finished", "status", status.String())
				return
			}
			if _, err := t.PollOnce(ctx); errors.Is(err, domain.ErrPollInFlight) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// PollOnce checks the provider once and applies the result. It returns ErrPollInFlight
// if another check for this session is outstanding. A pending session past its deadline
// is expired only after a successful check.
func (t *Tracker) PollOnce(ctx context.Context) (domain.PhoneNumber, error) {
	if !t.inFlight.CompareAndSwap(false, true) {
		return t.Snapshot(), domain.ErrPollInFlight
	}
	defer t.inFlight.Store(false)

	current := t.Snapshot()
	if current.Status.IsTerminal() {
		return current, nil
	}

	checkCtx := ctx
	if t.cfg.PollTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, t.cfg.PollTimeout)
		defer cancel()
	}
	observed, err := t.gateway.CheckNumber(checkCtx, current.ID)
	if ctx.Err() != nil {
		// Stopped while the request was outstanding; the response is discarded.
		return t.Snapshot(), ctx.Err()
	}
	if err != nil {
		t.recordPollFailure(ctx, err)
		return t.Snapshot(), fmt.Errorf("check number %s: %w", current.ID, err)
	}

	now := t.cfg.Now().UTC()
	t.mu.Lock()
	t.errStreak = 0
	before := t.number
	changed, applyErr := t.number.Apply(*observed, now)
	// The deadline applies even when the snapshot itself was discarded.
	if t.number.Status == domain.StatusPending && !t.number.HasCode() && t.number.IsExpiredAt(now) {
		if err := t.number.TransitionTo(domain.StatusExpired, now); err == nil {
			changed = true
		}
	}
	after := t.number
	t.mu.Unlock()

	if applyErr != nil {
		sessionPollsCounter.WithLabelValues(t.gateway.Name(), "stale").Inc()
		t.logger.DebugContext(ctx, "Discarding stale provider snapshot", "local_status", before.Status.String(), "observed_status", observed.Status.String())
	} else {
		sessionPollsCounter.WithLabelValues(t.gateway.Name(), "success").Inc()
	}
	if changed {
		t.afterChange(ctx, before, after)
	}
	return after, nil
}

// Finish confirms a received code with the provider.
func (t *Tracker) Finish(ctx context.Context) (domain.PhoneNumber, error) {
	return t.act(ctx, domain.StatusFinished, t.gateway.FinishNumber)
}

// Cancel releases the number. Terminal sessions are rejected without calling the provider.
func (t *Tracker) Cancel(ctx context.Context) (domain.PhoneNumber, error) {
	return t.act(ctx, domain.StatusCancelled, t.gateway.CancelNumber)
}

func (t *Tracker) act(ctx context.Context, target domain.Status,
	call func(context.Context, string) (*domain.PhoneNumber, error)) (domain.PhoneNumber, error) {
	t.actionMu.Lock()
	defer t.actionMu.Unlock()

	current := t.Snapshot()
	if !domain.CanTransition(current.Status, target) {
		return current, fmt.Errorf("%s session %s: %w", current.Status, current.ID, domain.ErrInvalidStateTransition)
	}

	observed, err := call(ctx, current.ID)
	if err != nil {
		return t.Snapshot(), err
	}
	observed.Status = target

	now := t.cfg.Now().UTC()
	t.mu.Lock()
	before := t.number
	changed, err := t.number.Apply(*observed, now)
	after := t.number
	t.mu.Unlock()
	if err != nil {
		// The provider accepted the action after a poll had already moved the session on.
		sessionDivergenceCounter.WithLabelValues(t.gateway.Name(), target.String()).Inc()
		t.logger.ErrorContext(ctx, "Provider state diverged from the local session",
			"local_status", before.Status.String(), "provider_status", target.String(), "since", current.Status.String())
		return after, fmt.Errorf("%s session %s: %w", before.Status, before.ID, err)
	}
	if changed {
		t.afterChange(ctx, before, after)
	}
	return after, nil
}

// ApplyObserved merges a snapshot that arrived without polling, such as a pushed SMS.
// It reports whether the session changed.
func (t *Tracker) ApplyObserved(ctx context.Context, observed domain.PhoneNumber) (bool, error) {
	now := t.cfg.Now().UTC()
	t.mu.Lock()
	before := t.number
	changed, err := t.number.Apply(observed, now)
	after := t.number
	t.mu.Unlock()
	if err != nil {
		return false, err
	}
	if changed {
		t.afterChange(ctx, before, after)
	}
	return changed, nil
}

func (t *Tracker) recordPollFailure(ctx context.Context, err error) {
	outcome := "error"
	if domain.IsTransient(err) {
		outcome = "transient_error"
	}
	sessionPollsCounter.WithLabelValues(t.gateway.Name(), outcome).Inc()

	t.mu.Lock()
	t.errStreak++
	streak := t.errStreak
	snapshot := t.number
	t.mu.Unlock()

	t.logger.WarnContext(ctx, "Status check failed", "error_streak", streak, "error", err)
	if streak == t.cfg.MaxErrorStreak {
		t.logger.ErrorContext(ctx, "Status checks keep failing", "error_streak", streak, "error", err)
		t.notify(ctx, newEvent(domain.EventPollFailing, snapshot, t.cfg.Now()), err)
	}
}

// afterChange persists the new state, emits events and fires the terminal hook.
func (t *Tracker) afterChange(ctx context.Context, before, after domain.PhoneNumber) {
	if before.Status != after.Status {
		sessionTransitionsCounter.WithLabelValues(t.gateway.Name(), before.Status.String(), after.Status.String()).Inc()
		t.logger.InfoContext(ctx, "Session status changed", "from", before.Status.String(), "to", after.Status.String())
	}
	t.persist(ctx, after)

	now := t.cfg.Now()
	switch {
	case after.HasCode() && after.SMSCode != before.SMSCode:
		t.notify(ctx, newEvent(domain.EventCodeReceived, after, now), nil)
		if after.Status != domain.StatusReceived && after.Status != before.Status {
			t.notify(ctx, newEvent(domain.EventStatusChanged, after, now), nil)
		}
	case after.Status != before.Status:
		t.notify(ctx, newEvent(domain.EventStatusChanged, after, now), nil)
	}

	if after.Status.IsTerminal() {
		t.stopOnce.Do(func() {
			if t.cancel != nil {
				t.cancel()
			}
		})
		t.terminalOnce.Do(func() {
			if t.onTerminal != nil {
				t.onTerminal(t)
			}
		})
	}
}

func (t *Tracker) persist(ctx context.Context, number domain.PhoneNumber) {
	if t.repo == nil {
		return
	}
	if err := t.repo.Save(context.WithoutCancel(ctx), &number); err != nil {
		t.logger.ErrorContext(ctx, "Failed to persist session", "status", number.Status.String(), "error", err)
	}
}

func (t *Tracker) notify(ctx context.Context, event domain.Event, cause error) {
	if t.notifier == nil {
		return
	}
	if cause != nil {
		event.Detail = cause.Error()
	}
	t.notifier.Notify(ctx, event)
}
