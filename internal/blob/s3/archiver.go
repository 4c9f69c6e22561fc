package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/seqvault/internal/domain"
)

// Archiver implements domain.Archiver: it exports trade records and audit
// entries older than a cutoff to JSONL objects in blob storage, then prunes
// them from the primary store. Records are only deleted after their archive
// object has been written.
type Archiver struct {
	writer domain.BlobWriter
	trades domain.TradeStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(writer domain.BlobWriter, trades domain.TradeStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		trades: trades,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// Archive exports and prunes everything executed or logged strictly before
// the given cutoff.
func (a *Archiver) Archive(ctx context.Context, before time.Time) error {
	if err := a.archiveTrades(ctx, before); err != nil {
		return err
	}
	return a.archiveAudit(ctx, before)
}

func (a *Archiver) archiveTrades(ctx context.Context, before time.Time) error {
	trades, err := a.trades.ListTradesBefore(ctx, before)
	if err != nil {
		return fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	path := archivePath("trades", before)
	if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive trades upload: %w", err)
	}

	deleted, err := a.trades.DeleteTradesBefore(ctx, before)
	if err != nil {
		return fmt.Errorf("s3blob: archive trades prune: %w", err)
	}

	a.logger.InfoContext(ctx, "archived trades",
		slog.String("path", path),
		slog.Int("archived", len(trades)),
		slog.Int64("pruned", deleted),
	)
	return nil
}

func (a *Archiver) archiveAudit(ctx context.Context, before time.Time) error {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	deleted, err := a.audit.DeleteBefore(ctx, before)
	if err != nil {
		return fmt.Errorf("s3blob: archive audit prune: %w", err)
	}

	a.logger.InfoContext(ctx, "archived audit entries",
		slog.String("path", path),
		slog.Int("archived", len(entries)),
		slog.Int64("pruned", deleted),
	)
	return nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/trades/2026-08.jsonl
//	archive/audit/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
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

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
