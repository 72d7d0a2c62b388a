package apply

import (
	"context"
	"io"
	"time"
)

// Source is the job-source collaborator: it authenticates, lists work items, and accepts applications.
type Source interface {
	Authenticate(ctx context.Context, creds Credentials) (Session, error)
	FetchWorkItems(ctx context.Context, session Session, limit int) ([]WorkItem, error)
	Apply(ctx context.Context, session Session, workItemID string) (ApplyStatus, error)
	Health(ctx context.Context) HealthStatus
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes result events to Pub/Sub, NATS, or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces result and run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
