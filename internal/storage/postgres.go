/**
 * PostgreSQL Client for the OCR worker
 *
 * Job tracking for queued OCR work. Results live in the tables managed by
 * ResultStore.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Job statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update. Zero values leave the stored
// column unchanged, except ErrorCode/ErrorMessage which are cleared.
type JobUpdate struct {
	JobID            string
	Status           string
	Progress         int
	ProcessingTimeMs int64
	Filename         string
	MimeType         string
	FileSize         int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// Job is a row of ocr.jobs.
type Job struct {
	ID               string
	Filename         string
	MimeType         string
	FileSize         int64
	Status           string
	Progress         int
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// sanitizeProgress clamps progress to [0, 100].
func sanitizeProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// Migrate creates the ocr schema and its tables if they are missing.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts the job row, so the worker can create it on the
// first update if the producer did not.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	var metadataJSON []byte
	if update.Metadata != nil {
		raw, err := json.Marshal(update.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadataJSON = sanitizeJSONForPostgres(raw)
	}

	query := `
		INSERT INTO ocr.jobs (
			id, filename, mime_type, file_size,
			status, progress, processing_time_ms,
			error_code, error_message, metadata,
			created_at, updated_at
		) VALUES (
			$1::uuid, COALESCE(NULLIF($2, ''), 'unknown'), COALESCE(NULLIF($3, ''), 'application/octet-stream'),
			$4, $5, $6, NULLIF($7, 0),
			NULLIF($8, ''), NULLIF($9, ''), COALESCE($10::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			filename = COALESCE(NULLIF($2, ''), ocr.jobs.filename),
			mime_type = COALESCE(NULLIF($3, ''), ocr.jobs.mime_type),
			file_size = COALESCE(NULLIF($4, 0), ocr.jobs.file_size),
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, ocr.jobs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = ocr.jobs.metadata || COALESCE($10::jsonb, '{}'::jsonb),
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err := p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,                      // $1
		update.Filename,                   // $2
		update.MimeType,                   // $3
		update.FileSize,                   // $4
		update.Status,                     // $5
		sanitizeProgress(update.Progress), // $6
		update.ProcessingTimeMs,           // $7
		update.ErrorCode,                  // $8
		update.ErrorMessage,               // $9
		nullableJSON(metadataJSON),        // $10
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		return fmt.Errorf("job not found: %s", update.JobID)
	}

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, filename, mime_type, file_size,
			status, progress, processing_time_ms,
			error_code, error_message, metadata,
			created_at, updated_at
		FROM ocr.jobs
		WHERE id = $1::uuid
	`

	var (
		job                     Job
		processingTimeMs        sql.NullInt64
		errorCode, errorMessage sql.NullString
		metadataJSON            []byte
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &job.Filename, &job.MimeType, &job.FileSize,
		&job.Status, &job.Progress, &processingTimeMs,
		&errorCode, &errorMessage, &metadataJSON,
		&job.CreatedAt, &job.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.ProcessingTimeMs = processingTimeMs.Int64
	job.ErrorCode = errorCode.String
	job.ErrorMessage = errorMessage.String

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &job, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

func nullableJSON(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

const schema = `
CREATE SCHEMA IF NOT EXISTS ocr;

CREATE TABLE IF NOT EXISTS ocr.jobs (
	id                 UUID PRIMARY KEY,
	filename           TEXT NOT NULL,
	mime_type          TEXT NOT NULL,
	file_size          BIGINT NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	progress           INTEGER NOT NULL DEFAULT 0,
	processing_time_ms BIGINT,
	error_code         TEXT,
	error_message      TEXT,
	metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ocr.invoices (
	job_id           UUID PRIMARY KEY REFERENCES ocr.jobs(id) ON DELETE CASCADE,
	invoice_no       TEXT,
	vendor           TEXT,
	account_no       TEXT,
	invoice_date     DATE,
	invoice_date_raw TEXT,
	due_date         DATE,
	due_date_raw     TEXT,
	total            NUMERIC(14,2),
	total_raw        TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ocr.image_results (
	job_id      UUID NOT NULL REFERENCES ocr.jobs(id) ON DELETE CASCADE,
	image_index INTEGER NOT NULL,
	texts       JSONB,
	error_code  TEXT,
	error       TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (job_id, image_index)
);
`
