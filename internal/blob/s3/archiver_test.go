package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// memBlob is an in-memory BlobWriter and BlobReader.
type memBlob struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart map[string]int64
	puts      int
}

func newMemBlob() *memBlob {
	return &memBlob{objects: map[string][]byte{}, multipart: map[string]int64{}}
}

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.puts++
	return nil
}

func (m *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	m.mu.Lock()
	m.multipart[path] = partSize
	m.mu.Unlock()
	return m.Put(ctx, path, data, "")
}

func (m *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("mem: get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlob) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	// Reverse lexical order, so the archive has to sort.
	sort.Slice(out, func(i, j int) bool { return out[i].Path > out[j].Path })
	return out, nil
}

func (m *memBlob) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func snapshotAt(account string, asOf time.Time) domain.Snapshot {
	return domain.Snapshot{
		AccountID: account,
		AsOf:      asOf,
		OpenPositions: []domain.PositionDescriptor{{
			TicketID:  "1001",
			Symbol:    "EURUSD",
			Side:      "buy",
			Volume:    decimal.RequireFromString("0.10"),
			OpenPrice: decimal.RequireFromString("1.08500"),
			OpenTime:  "2026.03.02 08:00:00",
			PnL:       decimal.RequireFromString("12.40"),
		}},
	}
}

func TestSnapshotArchive_ArchiveListLoad(t *testing.T) {
	ctx := context.Background()
	blob := newMemBlob()
	a := NewSnapshotArchive(blob, blob)

	t1 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	t3 := t1.Add(2 * time.Minute)

	for _, ts := range []time.Time{t2, t3, t1} {
		_, err := a.Archive(ctx, snapshotAt("acc-1", ts))
		require.NoError(t, err)
	}
	_, err := a.Archive(ctx, snapshotAt("acc-2", t1))
	require.NoError(t, err)

	infos, err := a.List(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, infos, 3)

	var got []time.Time
	for _, info := range infos {
		snap, err := a.Load(ctx, info.Path)
		require.NoError(t, err)
		assert.Equal(t, "acc-1", snap.AccountID)
		got = append(got, snap.AsOf)
	}
	for i, want := range []time.Time{t1, t2, t3} {
		assert.True(t, want.Equal(got[i]), "position %d: want %s got %s", i, want, got[i])
	}

	snap, err := a.Load(ctx, infos[0].Path)
	require.NoError(t, err)
	require.Len(t, snap.OpenPositions, 1)
	assert.Equal(t, "1001", snap.OpenPositions[0].TicketID.String())
	assert.True(t, decimal.RequireFromString("12.40").Equal(snap.OpenPositions[0].PnL))
}

func TestSnapshotArchive_ArchiveIsIdempotentPerAsOf(t *testing.T) {
	ctx := context.Background()
	blob := newMemBlob()
	a := NewSnapshotArchive(blob, blob)
	asOf := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	p1, err := a.Archive(ctx, snapshotAt("acc-1", asOf))
	require.NoError(t, err)
	p2, err := a.Archive(ctx, snapshotAt("acc-1", asOf))
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, 1, blob.puts)

	infos, err := a.List(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestSnapshotArchive_RejectsMissingAccount(t *testing.T) {
	blob := newMemBlob()
	a := NewSnapshotArchive(blob, blob)
	_, err := a.Archive(context.Background(), domain.Snapshot{AsOf: time.Now()})
	assert.ErrorIs(t, err, domain.ErrInvalidSnapshot)
}

func TestSnapshotArchive_LoadMissing(t *testing.T) {
	blob := newMemBlob()
	a := NewSnapshotArchive(blob, blob)
	_, err := a.Load(context.Background(), "snapshots/acc-1/0000000000000000001.json")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSnapshotArchive_ExportLedger(t *testing.T) {
	ctx := context.Background()
	blob := newMemBlob()
	a := NewSnapshotArchive(blob, blob)
	a.now = func() time.Time { return time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC) }

	closeAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	closePrice := decimal.RequireFromString("1.08700")
	records := []domain.PositionRecord{
		{
			ID: "r1", AccountID: "acc-1", TicketID: "1001_1772445600", OriginalTicket: "1001",
			Symbol: "EURUSD", Side: domain.SideBuy, Volume: decimal.RequireFromString("0.05"),
			OpenTime: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), CloseTime: &closeAt,
			OpenPrice: decimal.RequireFromString("1.08500"), ClosePrice: &closePrice,
			PnLGross: decimal.RequireFromString("10.00"), Swap: decimal.RequireFromString("-0.40"),
			Commission: decimal.RequireFromString("-0.35"), TradePhase: domain.PhaseOne,
			SourceKind: domain.SourceImportedClosed,
		},
		{
			ID: "r2", AccountID: "acc-1", TicketID: "1001", Symbol: "EURUSD", Side: domain.SideBuy,
			Volume:   decimal.RequireFromString("0.05"),
			OpenTime: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), OpenPrice: decimal.RequireFromString("1.08500"),
			PnLGross: decimal.RequireFromString("4.10"), TradePhase: domain.PhaseOne,
			SourceKind: domain.SourceLiveOpen,
		},
	}

	path, err := a.ExportLedger(ctx, "acc-1", records)
	require.NoError(t, err)
	assert.Equal(t, "exports/acc-1/20260303T120000Z.jsonl", path)
	assert.Equal(t, exportPartSize, blob.multipart[path])

	body, err := blob.Get(ctx, path)
	require.NoError(t, err)
	defer body.Close()

	var rows []map[string]any
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		rows = append(rows, row)
	}
	require.NoError(t, sc.Err())
	require.Len(t, rows, 2)
	assert.Equal(t, "1001", rows[0]["originalTicket"])
	assert.Equal(t, "9.25", rows[0]["net"])
	assert.Equal(t, "1.087", rows[0]["closePrice"])
	assert.NotContains(t, rows[1], "closeTime")
}

func TestSnapshotPath_OrderMatchesTime(t *testing.T) {
	early := snapshotPath("acc", time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC))
	late := snapshotPath("acc", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Less(t, early, late)
	assert.Less(t, snapshotSeq(early), snapshotSeq(late))
	assert.Equal(t, "snapshots/a%2Fb/", snapshotPrefix("a/b"))
}

func TestNormalise(t *testing.T) {
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))

	assert.Equal(t, "", normalisePrefix(""))
	assert.Equal(t, "prod/", normalisePrefix("/prod/"))
	assert.Equal(t, "a/b/", normalisePrefix("a/b"))
}
