package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to cold storage. Put is a single request;
// PutMultipart streams the payload in parts and suits open-ended data.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// Archiver snapshots finished scan passes and moves aged history out of the
// primary store into cold storage. The archive methods only copy; deleting
// the archived rows is the caller's explicit follow-up step.
type Archiver interface {
	ArchiveScan(ctx context.Context, report ScanReport) error
	ArchiveMatches(ctx context.Context, before time.Time) (int64, error)
	ArchiveExecutions(ctx context.Context, before time.Time) (int64, error)
}
