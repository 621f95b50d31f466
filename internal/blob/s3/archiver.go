package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcusholm/polyscan/internal/domain"
)

// archiveMaxRows caps how many rows one archival pass will buffer.
// Anything beyond the cap is picked up by the next retention pass,
// since archived rows are deleted between passes.
const archiveMaxRows = 50_000

// MatchArchiveStore is the slice of the match store the archiver needs.
type MatchArchiveStore interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.StrategyMatch, error)
}

// ExecutionArchiveStore is the slice of the execution store the
// archiver needs.
type ExecutionArchiveStore interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Execution, error)
}

// ArchiveImpl implements domain.Archiver: finished scan reports go up
// as single JSON objects, aged match/execution history as monthly JSONL
// files. Archival only copies; deleting the archived rows stays an
// explicit caller step so a failed upload never loses data.
type ArchiveImpl struct {
	writer domain.BlobWriter
	match  MatchArchiveStore     // optional
	execs  ExecutionArchiveStore // optional
}

// NewArchiver builds an ArchiveImpl. The store arguments may be nil
// when no database is configured; the corresponding Archive methods
// then archive nothing.
func NewArchiver(writer domain.BlobWriter, match MatchArchiveStore, execs ExecutionArchiveStore) *ArchiveImpl {
	return &ArchiveImpl{writer: writer, match: match, execs: execs}
}

// ArchiveScan uploads one finished scan report as pretty-printed JSON
// under scans/YYYY-MM-DD/<scan-id>.json.
func (a *ArchiveImpl) ArchiveScan(ctx context.Context, report domain.ScanReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("s3blob: marshal scan report: %w", err)
	}

	path := fmt.Sprintf("scans/%s/%s.json", report.StartedAt.Format("2006-01-02"), report.ID)
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive scan %s: %w", report.ID, err)
	}
	return nil
}

// ArchiveMatches copies all matches created before the cutoff to
// archive/matches/YYYY-MM.jsonl and returns the archived row count.
func (a *ArchiveImpl) ArchiveMatches(ctx context.Context, before time.Time) (int64, error) {
	if a.match == nil {
		return 0, nil
	}
	matches, err := a.match.ListBefore(ctx, before, archiveMaxRows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive matches query: %w", err)
	}
	if len(matches) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(matches)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive matches marshal: %w", err)
	}
	path := archivePath("matches", before)
	if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), "application/x-ndjson", minPartSize); err != nil {
		return 0, fmt.Errorf("s3blob: archive matches upload: %w", err)
	}
	return int64(len(matches)), nil
}

// ArchiveExecutions copies all execution records finished before the
// cutoff to archive/executions/YYYY-MM.jsonl and returns the count.
func (a *ArchiveImpl) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	if a.execs == nil {
		return 0, nil
	}
	execs, err := a.execs.ListBefore(ctx, before, archiveMaxRows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	if len(execs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(execs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions marshal: %w", err)
	}
	path := archivePath("executions", before)
	if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), "application/x-ndjson", minPartSize); err != nil {
		return 0, fmt.Errorf("s3blob: archive executions upload: %w", err)
	}
	return int64(len(execs)), nil
}

// archivePath partitions archive files by the cutoff's year-month:
//
//	archive/matches/2026-08.jsonl
//	archive/executions/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL encodes records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
