package broker

import (
	"context"

	"go.uber.org/zap"
)

// LogBroker writes messages to the logger instead of a broker. It backs
// local runs where no RabbitMQ or Pub/Sub is available.
type LogBroker struct {
	log *zap.Logger
}

func NewLogBroker(log *zap.Logger) *LogBroker {
	return &LogBroker{log: log.Named("broker")}
}

func (l *LogBroker) Publish(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.Info("publish",
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.Any("headers", msg.Headers),
		zap.ByteString("payload", msg.Payload),
	)
	return nil
}

func (l *LogBroker) Close() error {
	return nil
}
