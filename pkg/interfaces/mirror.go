package interfaces

import (
	"context"

	"wiicare/pkg/types"
)

// PresenceMirror copies presence changes to an external store for other services
type PresenceMirror interface {
	Online(ctx context.Context, identity types.Identity, connID string) error
	Offline(ctx context.Context, userID string, connID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}
