package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/virtual_number_services/internal/virtual_number_service/domain"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

func TestNotificationFeed_RecentNewestFirst(t *testing.T) {
	feed := NewNotificationFeed(3)
	assert.Empty(t, feed.Recent(10))

	for i := 1; i <= 5; i++ {
		feed.Notify(context.Background(), domain.Event{ID: fmt.Sprint(i)})
	}

	ids := func(events []domain.Event) []string {
		out := make([]string, 0, len(events))
		for _, e := range events {
			out = append(out, e.ID)
		}
		return out
	}
	assert.Equal(t, []string{"5", "4", "3"}, ids(feed.Recent(0)), "oldest entries are overwritten")
	assert.Equal(t, []string{"5", "4"}, ids(feed.Recent(2)))
}

func TestNATSNotifier_PublishesOnTypedSubject(t *testing.T) {
	publisher := new(MockPublisher)
	notifier := NewNATSNotifier(publisher, "numbers.events", discardLogger())
	event := newEvent(domain.EventCodeReceived, domain.PhoneNumber{ID: "A1", Number: "+79000000001", Status: domain.StatusReceived, SMSCode: "123456"}, testNow)

	publisher.On("Publish", mock.Anything, "numbers.events.code_received", mock.MatchedBy(func(data []byte) bool {
		var decoded domain.Event
		return json.Unmarshal(data, &decoded) == nil && decoded.SessionID == "A1" && decoded.Number.SMSCode == "123456"
	})).Return(nil).Once()

	notifier.Notify(context.Background(), event)
	publisher.AssertExpectations(t)
}

func TestNATSNotifier_PublishErrorIsSwallowed(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, "numbers.events.poll_failing", mock.Anything).Return(errors.New("nats: connection closed")).Once()

	notifier := NewNATSNotifier(publisher, "numbers.events", discardLogger())
	assert.NotPanics(t, func() {
		notifier.Notify(context.Background(), domain.Event{Type: domain.EventPollFailing})
	})
	publisher.AssertExpectations(t)
}

func TestMultiNotifier_FansOut(t *testing.T) {
	a, b := NewNotificationFeed(5), NewNotificationFeed(5)
	MultiNotifier{a, b}.Notify(context.Background(), domain.Event{ID: "x"})
	require.Len(t, a.Recent(0), 1)
	require.Len(t, b.Recent(0), 1)
}

func TestNewEvent_Messages(t *testing.T) {
	number := domain.PhoneNumber{ID: "A1", Number: "+79000000001", Service: "telegram", Country: "russia", Status: domain.StatusPending}

	assert.Equal(t, "Number +79000000001 purchased for telegram (russia)", newEvent(domain.EventPurchased, number, testNow).Message)

	number.Status = domain.StatusExpired
	assert.Equal(t, "Number +79000000001 is now expired", newEvent(domain.EventStatusChanged, number, testNow).Message)

	failure := newFailureEvent("cancel the number", domain.PhoneNumber{ID: "A1"}, fmt.Errorf("wrap: %w", domain.ErrInvalidStateTransition), testNow)
	assert.Equal(t, domain.EventActionFailed, failure.Type)
	assert.Equal(t, "Could not cancel the number: the action is not allowed in the current state", failure.Message)
	assert.Equal(t, "wrap: invalid state transition", failure.Detail)
	assert.NotEmpty(t, failure.ID)
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrInsufficientBalance, "not enough balance on the provider account"},
		{domain.ErrProductUnavailable, "no numbers are available for this selection"},
		{&domain.ProviderError{Provider: "5sim", Op: "check", Kind: domain.ErrProviderUnreachable}, "the provider is unreachable, try again later"},
		{domain.ErrPollInFlight, "a status check is already running"},
		{ErrManagerClosed, "the service is shutting down"},
		{errors.New("boom"), "unexpected error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, UserMessage(tt.err), tt.err.Error())
	}
}
