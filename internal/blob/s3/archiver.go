package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// exportPartSize is the multipart part size for ledger exports.
const exportPartSize int64 = 8 * 1024 * 1024

// SnapshotArchive implements domain.SnapshotArchive on top of any blob
// writer and reader.
//
// Layout:
//
//	snapshots/{account}/{asOf unix nanos}.json
//	exports/{account}/{timestamp}.jsonl
type SnapshotArchive struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	now    func() time.Time
}

var _ domain.SnapshotArchive = (*SnapshotArchive)(nil)

// NewSnapshotArchive creates a SnapshotArchive.
func NewSnapshotArchive(writer domain.BlobWriter, reader domain.BlobReader) *SnapshotArchive {
	return &SnapshotArchive{writer: writer, reader: reader, now: time.Now}
}

// Archive stores the raw snapshot and returns its path. The first report
// for an account and asOf wins; later ones with the same asOf are not
// uploaded again.
func (a *SnapshotArchive) Archive(ctx context.Context, snap domain.Snapshot) (string, error) {
	if snap.AccountID == "" {
		return "", fmt.Errorf("s3blob: archive snapshot: %w", domain.ErrInvalidSnapshot)
	}
	path := snapshotPath(snap.AccountID, snap.AsOf)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot: %w", err)
	}
	if exists {
		return path, nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot marshal: %w", err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot upload: %w", err)
	}
	return path, nil
}

// List returns the archived snapshots of an account, oldest asOf first.
func (a *SnapshotArchive) List(ctx context.Context, accountID string) ([]domain.BlobInfo, error) {
	infos, err := a.reader.List(ctx, snapshotPrefix(accountID))
	if err != nil {
		return nil, fmt.Errorf("s3blob: list snapshots %s: %w", accountID, err)
	}

	out := infos[:0]
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".json") {
			out = append(out, info)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return snapshotSeq(out[i].Path) < snapshotSeq(out[j].Path)
	})
	return out, nil
}

// Load reads one archived snapshot.
func (a *SnapshotArchive) Load(ctx context.Context, path string) (domain.Snapshot, error) {
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("s3blob: read snapshot %s: %w", path, err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("s3blob: decode snapshot %s: %w", path, err)
	}
	return snap, nil
}

// ExportLedger writes the account's records as JSONL and returns the path.
func (a *SnapshotArchive) ExportLedger(ctx context.Context, accountID string, records []domain.PositionRecord) (string, error) {
	rows := make([]exportRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, toExportRow(r))
	}
	buf, err := marshalJSONL(rows)
	if err != nil {
		return "", fmt.Errorf("s3blob: export ledger marshal: %w", err)
	}

	path := fmt.Sprintf("exports/%s/%s.jsonl", url.PathEscape(accountID), a.now().UTC().Format("20060102T150405Z"))
	if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), exportPartSize); err != nil {
		return "", fmt.Errorf("s3blob: export ledger upload: %w", err)
	}
	return path, nil
}

// exportRow is the JSONL shape of one ledger record. Decimals are written
// as strings so no precision is lost downstream.
type exportRow struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"accountId"`
	TicketID        string     `json:"ticketId"`
	OriginalTicket  string     `json:"originalTicket,omitempty"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"`
	Volume          string     `json:"volume"`
	OpenTime        time.Time  `json:"openTime"`
	CloseTime       *time.Time `json:"closeTime,omitempty"`
	OpenPrice       string     `json:"openPrice"`
	ClosePrice      string     `json:"closePrice,omitempty"`
	PnLGross        string     `json:"pnlGross"`
	Swap            string     `json:"swap"`
	Commission      string     `json:"commission"`
	Net             string     `json:"net"`
	Magic           int64      `json:"magic,omitempty"`
	Comment         string     `json:"comment,omitempty"`
	Phase           string     `json:"phase"`
	Source          string     `json:"source"`
	Stale           bool       `json:"stale,omitempty"`
	MissedSnapshots int        `json:"missedSnapshots,omitempty"`
}

func toExportRow(r domain.PositionRecord) exportRow {
	row := exportRow{
		ID:              r.ID,
		AccountID:       r.AccountID,
		TicketID:        r.TicketID,
		OriginalTicket:  r.OriginalTicket,
		Symbol:          r.Symbol,
		Side:            string(r.Side),
		Volume:          r.Volume.String(),
		OpenTime:        r.OpenTime,
		CloseTime:       r.CloseTime,
		OpenPrice:       r.OpenPrice.String(),
		PnLGross:        r.PnLGross.String(),
		Swap:            r.Swap.String(),
		Commission:      r.Commission.String(),
		Net:             r.NetPnL().String(),
		Magic:           r.Magic,
		Comment:         r.Comment,
		Phase:           string(r.TradePhase),
		Source:          string(r.SourceKind),
		Stale:           r.Stale,
		MissedSnapshots: r.MissedSnapshots,
	}
	if r.ClosePrice != nil {
		row.ClosePrice = r.ClosePrice.String()
	}
	return row
}

func snapshotPrefix(accountID string) string {
	return "snapshots/" + url.PathEscape(accountID) + "/"
}

// snapshotPath names the object by asOf in unix nanoseconds so lexical and
// chronological order agree within a listing.
func snapshotPath(accountID string, asOf time.Time) string {
	return fmt.Sprintf("%s%019d.json", snapshotPrefix(accountID), asOf.UnixNano())
}

func snapshotSeq(path string) int64 {
	base := path[strings.LastIndex(path, "/")+1:]
	n, err := strconv.ParseInt(strings.TrimSuffix(base, ".json"), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// marshalJSONL serialises records as newline-delimited JSON.
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
