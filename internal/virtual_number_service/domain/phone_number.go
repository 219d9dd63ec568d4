package domain

import (
	"time"
)

// Status is the normalised lifecycle status of a purchased number.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReceived  Status = "received"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// transitions lists the only legal forward edges of the session state machine.
var transitions = map[Status][]Status{
	StatusPending:  {StatusReceived, StatusCancelled, StatusExpired},
	StatusReceived: {StatusFinished, StatusCancelled},
}

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusCancelled || s == StatusExpired
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusReceived, StatusFinished, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is an edge of the state machine.
// A status never moves to itself; callers treat equal statuses as a no-op.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PhoneNumber is one purchased virtual number and its session state.
// An empty SMSCode means no code has been observed yet.
type PhoneNumber struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	Country    string    `json:"country"`
	Operator   string    `json:"operator"`
	Service    string    `json:"service"`
	Number     string    `json:"number"`
	Status     Status    `json:"status"`
	SMSCode    string    `json:"sms_code,omitempty"`
	SMSText    string    `json:"sms_text,omitempty"`
	Price      float64   `json:"price"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (p *PhoneNumber) HasCode() bool {
	return p.SMSCode != ""
}

// IsExpiredAt reports whether the session is past its deadline at now.
func (p *PhoneNumber) IsExpiredAt(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Apply merges an observed provider snapshot into p, keeping the immutable purchase
// fields and allowing only forward status moves. It returns whether p changed and
// ErrInvalidStateTransition if the observed status is not reachable from p.Status.
//
// A pending session only becomes received when the snapshot carries a code. A code
// reported together with finished or expired is kept: the session moves through
// received and on to the reported status where that edge exists.
func (p *PhoneNumber) Apply(observed PhoneNumber, now time.Time) (bool, error) {
	prev := p.Status
	next := observed.Status
	hasCode := observed.SMSCode != ""
	switch {
	case hasCode && next == StatusPending:
		next = StatusReceived
	case !hasCode && next == StatusReceived && prev == StatusPending:
		next = StatusPending
	}

	final := next
	switch {
	case next == prev:
	case hasCode && prev == StatusPending && next != StatusReceived && next != StatusCancelled:
		final = StatusReceived
		if CanTransition(StatusReceived, next) {
			final = next
		}
	case !CanTransition(prev, next):
		return false, ErrInvalidStateTransition
	}

	changed := false
	if hasCode && observed.SMSCode != p.SMSCode &&
		(prev == StatusPending || prev == StatusReceived) {
		p.SMSCode = observed.SMSCode
		p.SMSText = observed.SMSText
		changed = true
	}
	if final != prev {
		p.Status = final
		changed = true
	}
	if p.Number == "" && observed.Number != "" {
		p.Number = observed.Number
		changed = true
	}

	if changed {
		p.UpdatedAt = now
	}
	return changed, nil
}

// TransitionTo moves p to next if the edge is legal.
func (p *PhoneNumber) TransitionTo(next Status, now time.Time) error {
	if !CanTransition(p.Status, next) {
		return ErrInvalidStateTransition
	}
	p.Status = next
	p.UpdatedAt = now
	return nil
}
