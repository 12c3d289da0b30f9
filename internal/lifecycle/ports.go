package lifecycle

import (
	"context"
	"time"
)

// StatusChange is a conditional status update. It succeeds only while the
// stored status still equals Expected.
type StatusChange struct {
	FileKey  string
	Expected Status
	Next     Status
	// MarkDelivered sets delivered_at to At unless it is already set.
	MarkDelivered bool
	At            time.Time
}

// DocumentStore is the durable record of documents. Status only changes
// through CompareAndSetStatus.
type DocumentStore interface {
	// InsertDocument fails with ErrDuplicateKey if the key is taken.
	InsertDocument(ctx context.Context, doc Document) error
	// GetDocument fails with ErrNotFound.
	GetDocument(ctx context.Context, fileKey string) (Document, error)
	CompareAndSetStatus(ctx context.Context, change StatusChange) (bool, error)
}

// EventLog is the append-only history of documents.
type EventLog interface {
	AppendEvent(ctx context.Context, event Event) (int64, error)
	// ListEvents returns the newest limit events of a document, oldest first.
	ListEvents(ctx context.Context, fileKey string, limit int) ([]Event, error)
}

// Store groups the writes that must commit together.
type Store interface {
	DocumentStore
	EventLog
}

// Repository runs fn inside a transaction; fn's store sees the
// transaction and every write is rolled back if fn fails.
type Repository interface {
	Store
	RunInTx(ctx context.Context, fn func(Store) error) error
}

// OfficeDirectory answers whether an office account exists.
type OfficeDirectory interface {
	OfficeExists(ctx context.Context, username string) (bool, error)
}

// DocumentObserver is told about committed changes. It must not block.
type DocumentObserver interface {
	DocumentChanged(ctx context.Context, doc Document)
}
