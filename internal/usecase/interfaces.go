//go:generate go run go.uber.org/mock/mockgen -source=interfaces.go -destination=../mocks/mock_usecase_deps.go -package=mocks
package usecase

import (
	"context"
	"time"

	"marketchat/internal/domain/entity"
)

// EventPublisher fans group events out to realtime subscribers. Delivery is
// best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, groupID string, event entity.GroupEvent) error
}

// RateLimiter admits or rejects a user's action, returning how long to wait
// when rejected.
type RateLimiter interface {
	Allow(userID, action string) (bool, time.Duration)
}
