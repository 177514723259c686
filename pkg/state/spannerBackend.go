package state

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
)

const spannerTable = "system_config"

// SpannerBackend stores state in a Cloud Spanner system_config table
// (name STRING PRIMARY KEY, value STRING, updated_at TIMESTAMP).
type SpannerBackend struct {
	client *spanner.Client
}

func NewSpannerBackend(client *spanner.Client) *SpannerBackend {
	return &SpannerBackend{client: client}
}

func (s *SpannerBackend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT value FROM system_config WHERE name = @name`,
		Params: map[string]interface{}{"name": key},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var value string
	if err := row.Columns(&value); err != nil {
		return nil, false, err
	}
	return json.RawMessage(value), true, nil
}

func (s *SpannerBackend) Set(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate(spannerTable,
			[]string{"name", "value", "updated_at"},
			[]interface{}{key, string(value), time.Now().UTC()}),
	})
	return err
}
