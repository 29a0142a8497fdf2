package main

import (
	"context"
	"fmt"

	confluentKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/ava-labs/logrelay/pkg/metrics"
	"github.com/ava-labs/logrelay/pkg/queue"
	"github.com/ava-labs/logrelay/pkg/relay"
)

// backend is a connected Deliverer plus its lifecycle hooks.
type backend struct {
	deliverer relay.Deliverer
	// fatal reports errors after which the deliverer is unusable. Nil when the
	// backend has none.
	fatal <-chan error
	close func()
}

func newBackend(ctx context.Context, cfg *Config, log *zap.SugaredLogger, m *metrics.Metrics) (*backend, error) {
	switch cfg.Backend {
	case backendSQS:
		client, err := queue.NewSQSClient(ctx, cfg.SQS)
		if err != nil {
			return nil, err
		}
		d, err := queue.NewSQSDeliverer(ctx, client, cfg.SQS, log)
		if err != nil {
			return nil, err
		}
		return &backend{deliverer: d, close: func() {}}, nil

	case backendKafka:
		if cfg.EnsureTopic {
			if err := ensureKafkaTopic(ctx, cfg.Kafka, log); err != nil {
				return nil, err
			}
		}
		d, err := queue.NewKafkaDeliverer(ctx, cfg.Kafka, log, m)
		if err != nil {
			return nil, err
		}
		return &backend{deliverer: d, fatal: d.Errors(), close: d.Close}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func ensureKafkaTopic(ctx context.Context, cfg queue.KafkaConfig, log *zap.SugaredLogger) error {
	admin, err := confluentKafka.NewAdminClient(cfg.AdminConfigMap())
	if err != nil {
		return fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	defer admin.Close()

	if err := queue.EnsureTopic(ctx, admin, cfg.TopicConfig(), log); err != nil {
		return fmt.Errorf("failed to ensure kafka topic exists: %w", err)
	}
	return nil
}

func newFormatter(format string) relay.Formatter {
	if format == "console" {
		return relay.NewConsoleFormatter(relay.DefaultEncoderConfig())
	}
	return relay.NewJSONFormatter(relay.DefaultEncoderConfig())
}
