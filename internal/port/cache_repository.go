package port

import "context"

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ClearIdempotency removes a key so the operation it guarded can be retried
	ClearIdempotency(ctx context.Context, key string) error
}
