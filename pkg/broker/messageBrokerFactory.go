package broker

import (
	"context"
	"fmt"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/config"
	"go.uber.org/zap"
)

func NewBroker(ctx context.Context, cfg *config.BrokerSettings, log *zap.Logger) (MessageBroker, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg, log)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg)
	case "log":
		return NewLogBroker(log), nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
