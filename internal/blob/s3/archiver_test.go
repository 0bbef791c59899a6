package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
	putErr  error
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, jsonlContentType)
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

type memAnalyses struct {
	recs    []domain.AnalysisRecord
	deleted time.Time
}

func (m *memAnalyses) ListBefore(_ context.Context, before time.Time) ([]domain.AnalysisRecord, error) {
	var out []domain.AnalysisRecord
	for _, r := range m.recs {
		if r.CreatedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memAnalyses) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	m.deleted = before
	var kept []domain.AnalysisRecord
	var n int64
	for _, r := range m.recs {
		if r.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.recs = kept
	return n, nil
}

type memAlerts struct {
	alerts  []domain.TCAAlert
	deleted bool
}

func (m *memAlerts) ListBefore(_ context.Context, before time.Time) ([]domain.TCAAlert, error) {
	var out []domain.TCAAlert
	for _, a := range m.alerts {
		if a.Timestamp.Before(before) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAlerts) DeleteBefore(context.Context, time.Time) (int64, error) {
	m.deleted = true
	return int64(len(m.alerts)), nil
}

type memAudit struct{ events []string }

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func lines(t *testing.T, b []byte) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	require.NoError(t, sc.Err())
	return out
}

func TestArchiveAnalyses_PartitionsByMonth(t *testing.T) {
	blobs := newMemBlobs()
	analyses := &memAnalyses{recs: []domain.AnalysisRecord{
		{ID: "jan-1", Kind: domain.KindShortfall, Payload: json.RawMessage(`{}`), CreatedAt: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)},
		{ID: "jan-2", Kind: domain.KindBenchmark, Payload: json.RawMessage(`{}`), CreatedAt: time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)},
		{ID: "feb-1", Kind: domain.KindShortfall, Payload: json.RawMessage(`{}`), CreatedAt: time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC)},
		{ID: "new", Kind: domain.KindShortfall, Payload: json.RawMessage(`{}`), CreatedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
	}}
	audit := &memAudit{}
	arch := NewArchiver(blobs, blobs, analyses, &memAlerts{}, audit)

	cutoff := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	n, err := arch.ArchiveAnalyses(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.Contains(t, blobs.objects, "archive/analyses/2024-01.jsonl")
	require.Contains(t, blobs.objects, "archive/analyses/2024-02.jsonl")
	jan := lines(t, blobs.objects["archive/analyses/2024-01.jsonl"])
	require.Len(t, jan, 2)
	var first domain.AnalysisRecord
	require.NoError(t, json.Unmarshal([]byte(jan[0]), &first))
	assert.Equal(t, "jan-1", first.ID)

	require.Len(t, analyses.recs, 1, "archived rows are deleted")
	assert.Equal(t, "new", analyses.recs[0].ID)
	assert.Equal(t, []string{"archive.analyses"}, audit.events)
}

func TestArchiveAnalyses_AppendsToExistingMonth(t *testing.T) {
	blobs := newMemBlobs()
	blobs.objects["archive/analyses/2024-01.jsonl"] = []byte(`{"id":"earlier"}`)
	analyses := &memAnalyses{recs: []domain.AnalysisRecord{
		{ID: "jan-9", Payload: json.RawMessage(`{}`), CreatedAt: time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)},
	}}
	arch := NewArchiver(blobs, blobs, analyses, &memAlerts{}, &memAudit{})

	_, err := arch.ArchiveAnalyses(context.Background(), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	got := lines(t, blobs.objects["archive/analyses/2024-01.jsonl"])
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"id":"earlier"}`, got[0])
}

func TestArchiveAlerts_NothingToDo(t *testing.T) {
	blobs := newMemBlobs()
	alerts := &memAlerts{}
	audit := &memAudit{}
	arch := NewArchiver(blobs, blobs, &memAnalyses{}, alerts, audit)

	n, err := arch.ArchiveAlerts(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
	assert.False(t, alerts.deleted)
	assert.Empty(t, audit.events)
}

func TestArchiveAlerts_UploadFailureKeepsRows(t *testing.T) {
	blobs := newMemBlobs()
	blobs.putErr = errors.New("bucket unavailable")
	alerts := &memAlerts{alerts: []domain.TCAAlert{
		{ID: "al-1", Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
	}}
	arch := NewArchiver(blobs, blobs, &memAnalyses{}, alerts, &memAudit{})

	_, err := arch.ArchiveAlerts(context.Background(), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.False(t, alerts.deleted)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("http://localhost:9000", true))
}
