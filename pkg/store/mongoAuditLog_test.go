package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoAuditLog(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("append", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		log := NewMongoAuditLog(mt.Client, "jobqueue", "audit_logs")

		err := log.Append(context.Background(), AuditEntry{
			ID:        "a-1",
			JobID:     "job-1",
			Stage:     "validate",
			Status:    AuditStarted,
			CreatedAt: testNow,
		})
		assert.NoError(mt, err)
	})

	mt.Run("append failure", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key"}))
		log := NewMongoAuditLog(mt.Client, "jobqueue", "audit_logs")

		err := log.Append(context.Background(), AuditEntry{ID: "a-1", JobID: "job-1", CreatedAt: testNow})
		assert.Error(mt, err)
	})

	mt.Run("list by job", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "jobqueue.audit_logs", mtest.FirstBatch,
			bson.D{
				{Key: "_id", Value: "a-1"},
				{Key: "job_id", Value: "job-1"},
				{Key: "stage", Value: "validate"},
				{Key: "status", Value: "started"},
				{Key: "created_at", Value: testNow},
			},
			bson.D{
				{Key: "_id", Value: "a-2"},
				{Key: "job_id", Value: "job-1"},
				{Key: "stage", Value: "validate"},
				{Key: "status", Value: "error"},
				{Key: "latency_ms", Value: int64(12)},
				{Key: "error_code", Value: "VALIDATION_ERROR"},
				{Key: "created_at", Value: testNow},
			},
		))
		log := NewMongoAuditLog(mt.Client, "jobqueue", "audit_logs")

		entries, err := log.ListByJob(context.Background(), "job-1")
		require.NoError(mt, err)
		require.Len(mt, entries, 2)
		assert.Equal(mt, "a-1", entries[0].ID)
		assert.Equal(mt, AuditError, entries[1].Status)
		require.NotNil(mt, entries[1].LatencyMs)
		assert.Equal(mt, int64(12), *entries[1].LatencyMs)
		assert.Equal(mt, "VALIDATION_ERROR", entries[1].ErrorCode)
	})

	mt.Run("recent empty", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "jobqueue.audit_logs", mtest.FirstBatch))
		log := NewMongoAuditLog(mt.Client, "jobqueue", "audit_logs")

		entries, err := log.Recent(context.Background(), 10)
		assert.NoError(mt, err)
		assert.Empty(mt, entries)
	})
}
