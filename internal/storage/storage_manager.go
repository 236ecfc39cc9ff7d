/**
 * Result storage
 *
 * Persists what a job produced: the normalized invoice and the per-image OCR
 * results. Image results for a job are written in one transaction.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"regexp"
	"time"

	"github.com/adverant/nexus/ocr-client/internal/document"
	"github.com/adverant/nexus/ocr-client/internal/errors"
	"github.com/adverant/nexus/ocr-client/internal/invoice"
	"github.com/lib/pq"
)

// ImageResult is the outcome of OCR for one embedded image.
type ImageResult struct {
	Index int
	Doc   *document.ParsedDocument
	Err   error
}

// ResultStore writes job results next to the job rows of a PostgresClient.
type ResultStore struct {
	postgres *PostgresClient
}

func NewResultStore(postgres *PostgresClient) *ResultStore {
	return &ResultStore{postgres: postgres}
}

// invoiceRow is an invoice.Details flattened into ocr.invoices columns.
// Each typed field has a parsed column and a raw column; one of them is set.
type invoiceRow struct {
	InvoiceNo      sql.NullString
	Vendor         sql.NullString
	AccountNo      sql.NullString
	InvoiceDate    sql.NullTime
	InvoiceDateRaw sql.NullString
	DueDate        sql.NullTime
	DueDateRaw     sql.NullString
	Total          sql.NullFloat64
	TotalRaw       sql.NullString
}

func newInvoiceRow(d *invoice.Details) invoiceRow {
	row := invoiceRow{
		InvoiceNo: nullString(d.InvoiceNo),
		Vendor:    nullString(d.Vendor),
		AccountNo: nullString(d.AccountNo),
	}

	row.InvoiceDate, row.InvoiceDateRaw = splitDate(d.InvoiceDate)
	row.DueDate, row.DueDateRaw = splitDate(d.DueDate)

	if total, ok := d.Total.Get(); ok {
		row.Total = sql.NullFloat64{Float64: total, Valid: true}
	} else {
		row.TotalRaw = sql.NullString{String: d.Total.RawText(), Valid: true}
	}

	return row
}

func splitDate(v invoice.Value[time.Time]) (sql.NullTime, sql.NullString) {
	if t, ok := v.Get(); ok {
		return sql.NullTime{Time: t, Valid: true}, sql.NullString{}
	}
	return sql.NullTime{}, sql.NullString{String: v.RawText(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// StoreInvoice upserts the invoice extracted for jobID.
func (s *ResultStore) StoreInvoice(ctx context.Context, jobID string, details *invoice.Details) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if details == nil {
		return fmt.Errorf("invoice details are required")
	}

	row := newInvoiceRow(details)

	query := `
		INSERT INTO ocr.invoices (
			job_id, invoice_no, vendor, account_no,
			invoice_date, invoice_date_raw, due_date, due_date_raw,
			total, total_raw, created_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (job_id) DO UPDATE SET
			invoice_no = EXCLUDED.invoice_no,
			vendor = EXCLUDED.vendor,
			account_no = EXCLUDED.account_no,
			invoice_date = EXCLUDED.invoice_date,
			invoice_date_raw = EXCLUDED.invoice_date_raw,
			due_date = EXCLUDED.due_date,
			due_date_raw = EXCLUDED.due_date_raw,
			total = EXCLUDED.total,
			total_raw = EXCLUDED.total_raw
	`

	_, err := s.postgres.db.ExecContext(ctx, query,
		jobID,
		row.InvoiceNo, row.Vendor, row.AccountNo,
		row.InvoiceDate, row.InvoiceDateRaw, row.DueDate, row.DueDateRaw,
		row.Total, row.TotalRaw,
	)
	if err != nil {
		return errors.NewStorageFailedError(jobID, describePQError(err))
	}
	return nil
}

// imageRow is an ImageResult ready for ocr.image_results.
type imageRow struct {
	Index     int
	Texts     interface{}
	ErrorCode sql.NullString
	Error     sql.NullString
}

func newImageRow(r ImageResult) (imageRow, error) {
	row := imageRow{Index: r.Index}

	if r.Doc != nil {
		raw, err := json.Marshal(r.Doc)
		if err != nil {
			return row, fmt.Errorf("failed to marshal image %d result: %w", r.Index, err)
		}
		row.Texts = string(sanitizeJSONForPostgres(raw))
	}

	if r.Err != nil {
		row.Error = sql.NullString{String: r.Err.Error(), Valid: true}
		if code := errors.CodeOf(r.Err); code != "" {
			row.ErrorCode = sql.NullString{String: string(code), Valid: true}
		}
	}

	return row, nil
}

// StoreImageResults replaces the stored image results of jobID.
func (s *ResultStore) StoreImageResults(ctx context.Context, jobID string, results []ImageResult) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}

	rows := make([]imageRow, 0, len(results))
	for _, r := range results {
		row, err := newImageRow(r)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	tx, err := s.postgres.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageFailedError(jobID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ocr.image_results WHERE job_id = $1::uuid`, jobID); err != nil {
		return errors.NewStorageFailedError(jobID, describePQError(err))
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ocr.image_results (job_id, image_index, texts, error_code, error, created_at)
		VALUES ($1::uuid, $2, $3::jsonb, $4, $5, NOW())
	`)
	if err != nil {
		return errors.NewStorageFailedError(jobID, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, jobID, row.Index, row.Texts, row.ErrorCode, row.Error); err != nil {
			return errors.NewStorageFailedError(jobID, describePQError(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStorageFailedError(jobID, err)
	}
	return nil
}

// GetImageResults loads the stored image results of jobID in index order.
// Failed images come back with Err set to their recorded message.
func (s *ResultStore) GetImageResults(ctx context.Context, jobID string) ([]ImageResult, error) {
	rows, err := s.postgres.db.QueryContext(ctx, `
		SELECT image_index, texts, error
		FROM ocr.image_results
		WHERE job_id = $1::uuid
		ORDER BY image_index
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query image results: %w", err)
	}
	defer rows.Close()

	var out []ImageResult
	for rows.Next() {
		var (
			r       ImageResult
			texts   []byte
			message sql.NullString
		)
		if err := rows.Scan(&r.Index, &texts, &message); err != nil {
			return nil, fmt.Errorf("failed to scan image result: %w", err)
		}
		if texts != nil {
			var doc document.ParsedDocument
			if err := json.Unmarshal(texts, &doc); err != nil {
				return nil, fmt.Errorf("failed to unmarshal image %d result: %w", r.Index, err)
			}
			r.Doc = &doc
		}
		if message.Valid {
			r.Err = stderrors.New(message.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// describePQError adds the constraint name to Postgres errors, which is the
// part that tells a missing job row apart from other failures.
func describePQError(err error) error {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return err
	}
	if pqErr.Code.Name() == "foreign_key_violation" {
		return fmt.Errorf("job row missing (%s): %w", pqErr.Constraint, err)
	}
	return fmt.Errorf("%s (%s): %w", pqErr.Code.Name(), pqErr.Code, err)
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes escape sequences JSONB rejects. \u0000 is
// dropped; other control characters become a space.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}
