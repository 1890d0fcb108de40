package api

import (
	"context"

	"tasklist-api/domain"
)

// TaskStore abstracts the ordered task store for handlers.
type TaskStore interface {
	List(ctx context.Context) ([]domain.Task, error)
	Get(ctx context.Context, id int64) (domain.Task, error)
	Create(ctx context.Context, in domain.TaskInput) (domain.Task, error)
	Update(ctx context.Context, id int64, in domain.TaskInput) (domain.Task, error)
	Delete(ctx context.Context, id int64) error
	Reorder(ctx context.Context, id int64, newOrder int) error
	MoveUp(ctx context.Context, id int64) error
	MoveDown(ctx context.Context, id int64) error
	SumCosts(ctx context.Context) (float64, error)
	NameExists(ctx context.Context, name string, excludingID int64) (bool, error)
	Ping(ctx context.Context) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the create fails.
	Remove(ctx context.Context, userID, key string) error
}
