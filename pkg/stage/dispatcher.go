package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/broker"
)

// BrokerDispatcher publishes commands to <topic>.<destination>.
type BrokerDispatcher struct {
	broker broker.MessageBroker
	topic  string
}

func NewBrokerDispatcher(b broker.MessageBroker, topic string) *BrokerDispatcher {
	return &BrokerDispatcher{broker: b, topic: topic}
}

func (d *BrokerDispatcher) Dispatch(ctx context.Context, cmd Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s command: %w", cmd.Destination, err)
	}
	return d.broker.Publish(ctx, &broker.Message{
		Topic:   d.topic + "." + cmd.Destination,
		Key:     cmd.IdempotencyKey,
		Payload: body,
		Headers: map[string]string{
			"Idempotency-Key": cmd.IdempotencyKey,
			"X-Job-Id":        cmd.JobID,
			"X-Action":        cmd.Action,
		},
	})
}
