package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// SnapshotArchive keeps raw EA reports in cold storage so passes can be
// replayed, and exports ledgers for offline review.
type SnapshotArchive interface {
	Archive(ctx context.Context, snap Snapshot) (string, error)
	List(ctx context.Context, accountID string) ([]BlobInfo, error)
	Load(ctx context.Context, path string) (Snapshot, error)
	ExportLedger(ctx context.Context, accountID string, records []PositionRecord) (string, error)
}
