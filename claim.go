package stepflow

import (
	"context"
	"time"
)

// Claimer grants exclusive ownership of a fingerprint for the duration of a
// run. release must be safe to call once.
type Claimer interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// DefaultClaimTTL bounds how long a crashed owner can block a fingerprint.
const DefaultClaimTTL = 30 * time.Second

func claimKey(snapshotKey string) string {
	return snapshotKey + ":claim"
}
