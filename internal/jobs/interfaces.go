package jobs

import (
	"context"
	"time"

	"github.com/JakeFAU/autoapply/internal/hash/sha256"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task and session IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher pushes task lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// JobID derives the stable identity of a listing. The native id is preferred;
// listings without one fall back to their canonical URL.
func JobID(source, nativeID, url string) string {
	if nativeID != "" {
		return sha256.Digest(24, "native", source, nativeID)
	}
	return sha256.Digest(24, "url", url)
}
