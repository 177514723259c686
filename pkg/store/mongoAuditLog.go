package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

// MongoAuditLog writes the stage trace to a MongoDB collection.
type MongoAuditLog struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoAuditLog(client *mongo.Client, database, collection string) *MongoAuditLog {
	return &MongoAuditLog{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoAuditLog) Append(ctx context.Context, entry AuditEntry) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "AppendAudit")
	defer span.End()

	startTime := time.Now()
	if _, err := m.coll().InsertOne(ctx, entry); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "mongodb", "AppendAudit", 1, time.Since(startTime))
	return nil
}

func (m *MongoAuditLog) ListByJob(ctx context.Context, jobID string) ([]AuditEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	return m.find(ctx, "ListAuditByJob", bson.M{"job_id": jobID}, opts)
}

func (m *MongoAuditLog) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return m.find(ctx, "RecentAudit", bson.M{}, opts)
}

func (m *MongoAuditLog) find(ctx context.Context, spanName string, filter bson.M, opts *options.FindOptions) ([]AuditEntry, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()

	startTime := time.Now()
	cursor, err := m.coll().Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []AuditEntry
	for cursor.Next(ctx) {
		var entry AuditEntry
		if err := cursor.Decode(&entry); err != nil {
			span.RecordError(err)
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "mongodb", spanName, len(entries), time.Since(startTime))
	return entries, nil
}

func (m *MongoAuditLog) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}
