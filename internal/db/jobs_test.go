package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/recall/pkg/models"
)

func ptr[T any](v T) *T { return &v }

func TestInsertJobStartsProcessing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertJob(ctx, "job-1", "docs", 3))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Equal(t, 3, job.TotalFiles)
	assert.Equal(t, 0, job.ProcessedFiles)
	assert.Empty(t, job.Error)
	assert.Nil(t, job.CompletedAt)
}

func TestGetJobMissing(t *testing.T) {
	store := newTestStore(t)

	job, err := store.GetJob(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestUpdateJobProgressOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertJob(ctx, "job-1", "docs", 5))
	require.NoError(t, store.UpdateJob(ctx, "job-1", JobUpdate{
		ProcessedFiles: ptr(2),
		TotalChunks:    ptr(40),
	}))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Equal(t, 2, job.ProcessedFiles)
	assert.Equal(t, 40, job.TotalChunks)
	assert.Nil(t, job.CompletedAt)
}

func TestUpdateJobCompletedStampsCompletedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertJob(ctx, "job-1", "docs", 2))
	require.NoError(t, store.UpdateJob(ctx, "job-1", JobUpdate{
		Status:         ptr(models.JobCompleted),
		ProcessedFiles: ptr(2),
		TotalChunks:    ptr(18),
	}))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, models.JobCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	assert.Greater(t, *job.CompletedAt, job.CreatedAt-1)
}

func TestUpdateJobFailedRecordsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertJob(ctx, "job-1", "docs", 1))
	require.NoError(t, store.UpdateJob(ctx, "job-1", JobUpdate{
		Status: ptr(models.JobFailed),
		Error:  ptr("qdrant unreachable"),
	}))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, "qdrant unreachable", job.Error)
	assert.NotNil(t, job.CompletedAt)
}

func TestUpdateJobNoFieldsIsNoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertJob(ctx, "job-1", "docs", 1))
	require.NoError(t, store.UpdateJob(ctx, "job-1", JobUpdate{}))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobProcessing, job.Status)
}
