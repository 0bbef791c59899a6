package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = 16 * 1024 * 1024

// AnalysisArchiveStore is the slice of the analysis store the archiver needs.
type AnalysisArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.AnalysisRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AlertArchiveStore is the slice of the alert store the archiver needs.
type AlertArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.TCAAlert, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ArchiveImpl implements domain.Archiver. Records older than the cutoff are
// grouped by the month they were created in, appended to
// archive/{kind}/YYYY-MM.jsonl and then removed from the database. Rows are
// only deleted after every monthly file has been written.
type ArchiveImpl struct {
	writer   domain.BlobWriter
	reader   domain.BlobReader
	analyses AnalysisArchiveStore
	alerts   AlertArchiveStore
	audit    domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	analyses AnalysisArchiveStore,
	alerts AlertArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:   writer,
		reader:   reader,
		analyses: analyses,
		alerts:   alerts,
		audit:    audit,
	}
}

// ArchiveAnalyses moves analyses created before the cutoff to cold storage
// and returns how many were archived.
func (a *ArchiveImpl) ArchiveAnalyses(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.analyses.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive analyses query: %w", err)
	}
	paths, err := archive(ctx, a, "analyses", recs, func(r domain.AnalysisRecord) time.Time { return r.CreatedAt })
	if err != nil {
		return 0, err
	}
	if len(recs) > 0 {
		if _, err := a.analyses.DeleteBefore(ctx, before); err != nil {
			return 0, fmt.Errorf("s3blob: archive analyses delete: %w", err)
		}
	}
	return a.record(ctx, "archive.analyses", int64(len(recs)), paths, before)
}

// ArchiveAlerts moves alerts raised before the cutoff to cold storage and
// returns how many were archived.
func (a *ArchiveImpl) ArchiveAlerts(ctx context.Context, before time.Time) (int64, error) {
	alerts, err := a.alerts.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive alerts query: %w", err)
	}
	paths, err := archive(ctx, a, "alerts", alerts, func(al domain.TCAAlert) time.Time { return al.Timestamp })
	if err != nil {
		return 0, err
	}
	if len(alerts) > 0 {
		if _, err := a.alerts.DeleteBefore(ctx, before); err != nil {
			return 0, fmt.Errorf("s3blob: archive alerts delete: %w", err)
		}
	}
	return a.record(ctx, "archive.alerts", int64(len(alerts)), paths, before)
}

func (a *ArchiveImpl) record(ctx context.Context, event string, count int64, paths []string, before time.Time) (int64, error) {
	if count == 0 {
		return 0, nil
	}
	if err := a.audit.Log(ctx, event, map[string]any{
		"paths":  paths,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: %s audit log: %w", event, err)
	}
	return count, nil
}

// archive writes records into one JSONL object per month, appending to any
// object a previous run left for the same month. It returns the paths
// written in ascending order.
func archive[T any](ctx context.Context, a *ArchiveImpl, kind string, records []T, at func(T) time.Time) ([]string, error) {
	byPath := make(map[string][]T)
	for _, rec := range records {
		p := archivePath(kind, at(rec))
		byPath[p] = append(byPath[p], rec)
	}
	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		buf, err := marshalJSONL(byPath[p])
		if err != nil {
			return nil, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
		}
		existing, err := a.existing(ctx, p)
		if err != nil {
			return nil, err
		}
		body := append(existing, buf...)

		if len(body) > multipartThreshold {
			err = a.writer.PutMultipart(ctx, p, bytes.NewReader(body), multipartThreshold/2)
		} else {
			err = a.writer.Put(ctx, p, bytes.NewReader(body), jsonlContentType)
		}
		if err != nil {
			return nil, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
		}
	}
	return paths, nil
}

// existing returns the current contents of path, or nil when absent.
func (a *ArchiveImpl) existing(ctx context.Context, path string) ([]byte, error) {
	rc, err := a.reader.Get(ctx, path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3blob: read existing archive %s: %w", path, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read existing archive %s: %w", path, err)
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	return data, nil
}

// archivePath builds the object key for a record timestamp:
//
//	archive/analyses/2025-01.jsonl
//	archive/alerts/2025-01.jsonl
func archivePath(kind string, at time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, at.UTC().Format("2006-01"))
}

// marshalJSONL encodes records as newline-delimited JSON.
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
