package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/ava-labs/logrelay/pkg/metrics"
)

// MessageIDHeader carries the batch entry id of a produced message.
const MessageIDHeader = "message-id"

const queueFullRetryDelay = time.Second

// KafkaDeliverer produces log messages to a Kafka topic.
//
// SendOne and SendBatch block until Kafka has acknowledged every message or
// ctx is done. Producer events and, when enabled, librdkafka logs are consumed
// by background goroutines.
//
// Close must be called to stop the goroutines and flush queued messages.
type KafkaDeliverer struct {
	producer     *kafka.Producer
	topic        string
	flushTimeout time.Duration
	log          *zap.SugaredLogger
	metrics      *metrics.Metrics

	errCh      chan error
	eventsDone chan struct{}
	logsDone   chan struct{}
	closedCh   chan struct{}
	once       sync.Once
}

// NewKafkaDeliverer creates a producer for cfg.Topic. m may be nil.
//
// ctx bounds the lifetime of the background goroutines.
func NewKafkaDeliverer(ctx context.Context, cfg KafkaConfig, log *zap.SugaredLogger, m *metrics.Metrics) (*KafkaDeliverer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	p, err := kafka.NewProducer(cfg.ProducerConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	k := &KafkaDeliverer{
		producer:     p,
		topic:        cfg.Topic,
		flushTimeout: cfg.flushTimeout(),
		log:          log,
		metrics:      m,
		errCh:        make(chan error, 1),
		eventsDone:   make(chan struct{}),
		logsDone:     make(chan struct{}),
		closedCh:     make(chan struct{}),
	}

	if cfg.EnableLogs {
		go k.printKafkaLogs(ctx)
	} else {
		close(k.logsDone)
	}
	go k.monitorEvents(ctx)

	return k, nil
}

// Topic returns the topic messages are produced to.
func (k *KafkaDeliverer) Topic() string {
	return k.topic
}

// SendOne produces msg without a key.
func (k *KafkaDeliverer) SendOne(ctx context.Context, msg string) error {
	return k.produceAll(ctx, []*kafka.Message{k.message(msg, "")})
}

// SendBatch produces msgs, keyed by their ids, and waits for all of them to be
// acknowledged. The first delivery failure is returned; messages acknowledged
// before it stay written, so a retry may duplicate them.
func (k *KafkaDeliverer) SendBatch(ctx context.Context, msgs, ids []string) error {
	if len(ids) != len(msgs) {
		return fmt.Errorf("got %d ids for %d messages", len(ids), len(msgs))
	}

	batch := make([]*kafka.Message, len(msgs))
	for i := range msgs {
		batch[i] = k.message(msgs[i], ids[i])
	}
	return k.produceAll(ctx, batch)
}

func (k *KafkaDeliverer) message(value, id string) *kafka.Message {
	m := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &k.topic,
			Partition: kafka.PartitionAny,
		},
		Value: []byte(value),
	}
	if id != "" {
		m.Key = []byte(id)
		m.Headers = []kafka.Header{{Key: MessageIDHeader, Value: []byte(id)}}
	}
	return m
}

// produceAll enqueues msgs in order and collects one delivery report per
// enqueued message.
func (k *KafkaDeliverer) produceAll(ctx context.Context, msgs []*kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	// Buffered for every report so librdkafka never blocks on it, even after
	// this call has returned on ctx.
	deliveryCh := make(chan kafka.Event, len(msgs))

	var produceErr error
	enqueued := 0
	for _, m := range msgs {
		if err := k.produceWithRetry(ctx, m, deliveryCh); err != nil {
			produceErr = err
			break
		}
		enqueued++
	}

	var errs []error
	if produceErr != nil {
		errs = append(errs, produceErr)
	}
	for range enqueued {
		select {
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		case ev := <-deliveryCh:
			if err := k.handleDeliveryEvent(ev); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// produceWithRetry enqueues msg, waiting while the local producer queue is
// full. Other produce errors are returned.
func (k *KafkaDeliverer) produceWithRetry(ctx context.Context, msg *kafka.Message, deliveryCh chan kafka.Event) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := k.producer.Produce(msg, deliveryCh)
		if err == nil {
			return nil
		}

		var kafkaErr kafka.Error
		if !errors.As(err, &kafkaErr) {
			return fmt.Errorf("failed to produce: %w", err)
		}

		switch kafkaErr.Code() {
		case kafka.ErrQueueFull:
			k.log.Warnw("producer queue full, retrying", "delay", queueFullRetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(queueFullRetryDelay):
			}
		case kafka.ErrBrokerNotAvailable:
			return fmt.Errorf("broker not available: %w", err)
		case kafka.ErrMsgSizeTooLarge, kafka.ErrInvalidMsgSize:
			return fmt.Errorf("invalid message size: %w", err)
		case kafka.ErrUnknownTopicOrPart, kafka.ErrUnknownTopic:
			return fmt.Errorf("unknown topic %q: %w", k.topic, err)
		case kafka.ErrAuthentication:
			return fmt.Errorf("authentication error: %w", err)
		default:
			return fmt.Errorf("failed to produce: %w", err)
		}
	}
}

func (k *KafkaDeliverer) handleDeliveryEvent(ev kafka.Event) error {
	m, ok := ev.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event: %T", ev)
	}
	if err := m.TopicPartition.Error; err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}

	k.log.Debugw("delivered log message",
		"topic", k.topic,
		"partition", m.TopicPartition.Partition,
		"offset", m.TopicPartition.Offset,
	)
	return nil
}

// Close stops the background goroutines and flushes queued messages, waiting
// at most the configured flush timeout. Messages still queued after that are
// lost. Calling Close more than once does nothing.
func (k *KafkaDeliverer) Close() {
	k.once.Do(func() {
		k.log.Info("closing kafka deliverer")
		defer close(k.errCh)

		close(k.closedCh)
		<-k.eventsDone
		<-k.logsDone

		if pending := k.producer.Flush(int(k.flushTimeout.Milliseconds())); pending > 0 {
			k.log.Warnw("flush incomplete, messages will be lost", "pending", pending)
		}

		k.producer.Close()
		k.log.Info("kafka deliverer closed")
	})
}

// Errors returns a channel that receives at most one fatal producer error and
// is closed by Close. The deliverer is unusable after a fatal error.
func (k *KafkaDeliverer) Errors() <-chan error {
	return k.errCh
}

func (k *KafkaDeliverer) fatal(err error) {
	select {
	case k.errCh <- err:
	default:
		k.log.Warnw("error channel is full, dropping fatal error", "error", err)
	}
}

func (k *KafkaDeliverer) printKafkaLogs(ctx context.Context) {
	defer close(k.logsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-k.closedCh:
			return
		case l, ok := <-k.producer.Logs():
			if !ok {
				return
			}
			k.log.Debugw("librdkafka", "level", l.Level, "tag", l.Tag, "message", l.Message)
		}
	}
}

func (k *KafkaDeliverer) monitorEvents(ctx context.Context) {
	defer close(k.eventsDone)
	for {
		select {
		case <-ctx.Done():
			k.log.Debug("stopping kafka event monitor, context done")
			return
		case <-k.closedCh:
			k.log.Debug("stopping kafka event monitor, deliverer closed")
			return
		case ev, ok := <-k.producer.Events():
			if !ok {
				k.fatal(errors.New("kafka producer event channel closed"))
				return
			}

			switch e := ev.(type) {
			case *kafka.Message:
				// Reports arrive on per-call delivery channels.
				k.log.Warnw("unexpected delivery report on events channel", "topicPartition", e.TopicPartition)
			case kafka.Error:
				fatal := e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown
				k.metrics.RecordKafkaError(fatal)
				if fatal {
					k.fatal(fmt.Errorf("fatal kafka error %#x: %w", e.Code(), e))
					return
				}
				k.log.Warnw("ignoring kafka error", "code", e.Code(), "error", e)
			default:
				k.log.Debugw("ignoring kafka event", "event", e.String())
			}
		}
	}
}
