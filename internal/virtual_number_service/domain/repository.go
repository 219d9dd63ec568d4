package domain

import "context"

// PhoneNumberRepository persists session state. It becomes the owner of a
// session once the session reaches a terminal status.
type PhoneNumberRepository interface {
	Save(ctx context.Context, number *PhoneNumber) error
	GetByID(ctx context.Context, id string) (*PhoneNumber, error)
	ListActive(ctx context.Context) ([]*PhoneNumber, error)
	ListRecent(ctx context.Context, limit int) ([]*PhoneNumber, error)
}
