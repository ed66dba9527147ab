package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/thebtf/recall/pkg/models"
)

// JobUpdate carries the fields to change on an ingestion job. Nil fields
// are left untouched.
type JobUpdate struct {
	Status         *models.JobStatus
	ProcessedFiles *int
	TotalChunks    *int
	Error          *string
}

// InsertJob records a new ingestion job. Jobs start in the processing
// state because files are accepted before the first chunk is produced.
func (s *Store) InsertJob(ctx context.Context, id, collection string, totalFiles int) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO ingestion_jobs (id, collection, status, total_files, created_at)
		VALUES (?, ?, 'processing', ?, ?)`,
		id, collection, totalFiles, now(),
	)
	if err != nil {
		return fmt.Errorf("insert ingestion job: %w", err)
	}
	return nil
}

// UpdateJob applies the non-nil fields of upd. Landing on a terminal
// status also stamps completed_at.
func (s *Store) UpdateJob(ctx context.Context, id string, upd JobUpdate) error {
	var sets []string
	var args []any

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
		if *upd.Status == models.JobCompleted || *upd.Status == models.JobFailed {
			sets = append(sets, "completed_at = ?")
			args = append(args, now())
		}
	}
	if upd.ProcessedFiles != nil {
		sets = append(sets, "processed_files = ?")
		args = append(args, *upd.ProcessedFiles)
	}
	if upd.TotalChunks != nil {
		sets = append(sets, "total_chunks = ?")
		args = append(args, *upd.TotalChunks)
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	_, err := s.ExecContext(ctx,
		fmt.Sprintf("UPDATE ingestion_jobs SET %s WHERE id = ?", strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return fmt.Errorf("update ingestion job: %w", err)
	}
	return nil
}

// GetJob returns the job with the given id, or nil when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*models.IngestionJob, error) {
	row := s.QueryRowContext(ctx,
		`SELECT id, collection, status, total_files, processed_files, total_chunks, error, created_at, completed_at
		FROM ingestion_jobs WHERE id = ?`, id)

	var job models.IngestionJob
	var status string
	var jobErr sql.NullString
	var completedAt sql.NullFloat64
	err := row.Scan(&job.ID, &job.Collection, &status, &job.TotalFiles,
		&job.ProcessedFiles, &job.TotalChunks, &jobErr, &job.CreatedAt, &completedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get ingestion job: %w", err)
	}

	job.Status = models.JobStatus(status)
	if jobErr.Valid {
		job.Error = jobErr.String
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Float64
	}
	return &job, nil
}
