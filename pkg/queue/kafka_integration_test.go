//go:build integration
// +build integration

package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	testKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/logrelay/pkg/relay"
)

const integrationTimeout = 60 * time.Second

func setupKafka(t *testing.T, ctx context.Context) string {
	t.Helper()

	container, err := testKafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		testKafka.WithClusterID("test-cluster"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate kafka container: %s", err)
		}
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	return brokers[0]
}

func consumeAll(t *testing.T, brokers, topic string, want int) []*kafka.Message {
	t.Helper()

	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"group.id":          "logrelay-test",
		"auto.offset.reset": "earliest",
	})
	require.NoError(t, err)
	defer consumer.Close()
	require.NoError(t, consumer.Subscribe(topic, nil))

	var out []*kafka.Message
	deadline := time.Now().Add(integrationTimeout)
	for len(out) < want && time.Now().Before(deadline) {
		msg, err := consumer.ReadMessage(time.Second)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func TestKafkaDeliverer_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*integrationTimeout)
	defer cancel()

	brokers := setupKafka(t, ctx)
	log := zaptest.NewLogger(t).Sugar()

	cfg := KafkaConfig{
		BootstrapServers:       brokers,
		Topic:                  "relay-logs",
		ClientID:               "logrelay-test",
		Acks:                   "all",
		EnableIdempotence:      true,
		FlushTimeout:           10 * time.Second,
		TopicNumPartitions:     1,
		TopicReplicationFactor: 1,
	}

	admin, err := kafka.NewAdminClient(cfg.AdminConfigMap())
	require.NoError(t, err)
	defer admin.Close()
	require.NoError(t, EnsureTopic(ctx, admin, cfg.TopicConfig(), log))
	// Second call finds the topic and changes nothing.
	require.NoError(t, EnsureTopic(ctx, admin, cfg.TopicConfig(), log))

	deliverer, err := NewKafkaDeliverer(ctx, cfg, log, nil)
	require.NoError(t, err)
	defer deliverer.Close()

	relayCfg := relay.DefaultConfig()
	relayCfg.AccumulateWait = 100 * time.Millisecond
	dispatcher, err := relay.New(relayCfg, deliverer,
		relay.WithLogger(log),
		relay.WithFormatter(relay.FormatterFunc(func(r relay.Record) (string, error) {
			return r.Message, nil
		})),
	)
	require.NoError(t, err)

	const total = 25
	for i := 0; i < total; i++ {
		dispatcher.Emit(relay.NewRecord(zapcore.InfoLevel, fmt.Sprintf("line-%02d", i), nil))
	}
	require.NoError(t, dispatcher.Close(ctx))

	msgs := consumeAll(t, brokers, cfg.Topic, total)
	require.Len(t, msgs, total)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("line-%02d", i), string(m.Value))
		require.Len(t, m.Headers, 1)
		assert.Equal(t, MessageIDHeader, m.Headers[0].Key)
		assert.Equal(t, m.Key, m.Headers[0].Value)
	}
}
