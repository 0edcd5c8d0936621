package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/wagerarena/stakelobby/internal/domain"
)

// archiveBatchSize caps how many records a single archive object holds.
const archiveBatchSize = 500

// ObjectWriter is the narrow upload surface the archiver needs.
type ObjectWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver periodically exports newly consumed deposit transactions to the
// object store as JSONL, one object per batch. The processed_transactions
// table is append-only, so a cursor watermark is all the state needed to
// resume; records are never deleted from the primary store.
type Archiver struct {
	writer    ObjectWriter
	processed domain.ProcessedTxStore
	interval  time.Duration
	watermark domain.TxCursor
	logger    *slog.Logger
}

// NewArchiver creates an Archiver that exports every interval. A zero
// interval defaults to one hour.
func NewArchiver(writer ObjectWriter, processed domain.ProcessedTxStore, interval time.Duration, logger *slog.Logger) *Archiver {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Archiver{
		writer:    writer,
		processed: processed,
		interval:  interval,
		logger:    logger.With(slog.String("component", "audit_archiver")),
	}
}

// Run exports on a fixed ticker until the context is cancelled. Export
// failures are logged and retried on the next tick; the watermark only
// advances after a successful upload.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ExportOnce(ctx); err != nil {
				a.logger.ErrorContext(ctx, "audit export failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// ExportOnce uploads all transactions recorded after the watermark and
// returns how many were exported.
func (a *Archiver) ExportOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		txs, err := a.processed.ListSince(ctx, a.watermark, domain.ListOpts{Limit: archiveBatchSize})
		if err != nil {
			return total, fmt.Errorf("s3blob: list processed transactions: %w", err)
		}
		if len(txs) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(txs)
		if err != nil {
			return total, fmt.Errorf("s3blob: marshal audit batch: %w", err)
		}

		last := txs[len(txs)-1]
		path := archivePath(last.RecordedAt)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: upload audit batch: %w", err)
		}

		a.watermark = domain.TxCursor{RecordedAt: last.RecordedAt, Signature: last.Signature}
		total += len(txs)

		a.logger.InfoContext(ctx, "audit batch exported",
			slog.String("path", path),
			slog.Int("count", len(txs)),
		)

		if len(txs) < archiveBatchSize {
			return total, nil
		}
	}
}

// archivePath builds the object key for a batch, partitioned by day with the
// batch end time as the file name:
//
//	audit/processed/2026-08-29/153000.000000001.jsonl
func archivePath(last time.Time) string {
	t := last.UTC()
	return fmt.Sprintf("audit/processed/%s/%s.jsonl",
		t.Format("2006-01-02"), t.Format("150405.000000000"))
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL(txs []domain.ProcessedTransaction) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, tx := range txs {
		if err := enc.Encode(tx); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
