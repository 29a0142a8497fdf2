package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// DefaultFlushTimeout bounds how long KafkaDeliverer.Close waits for queued
// messages.
const DefaultFlushTimeout = 15 * time.Second

// KafkaConfig holds the producer settings for KafkaDeliverer.
type KafkaConfig struct {
	BootstrapServers       string        `env:"KAFKA_BOOTSTRAP_SERVERS"          envDefault:"localhost:9092"` // Kafka broker addresses
	Topic                  string        `env:"KAFKA_TOPIC"                      envDefault:"logs"`           // Topic log messages are produced to
	ClientID               string        `env:"KAFKA_CLIENT_ID"                  envDefault:"logrelay"`
	Acks                   string        `env:"KAFKA_ACKS"                       envDefault:"all"`
	EnableIdempotence      bool          `env:"KAFKA_ENABLE_IDEMPOTENCE"         envDefault:"true"`
	Compression            string        `env:"KAFKA_COMPRESSION"                envDefault:"lz4"` // none, gzip, snappy, lz4 or zstd
	Linger                 time.Duration `env:"KAFKA_LINGER"                     envDefault:"5ms"`
	EnableLogs             bool          `env:"KAFKA_ENABLE_LOGS"                envDefault:"false"` // Enable librdkafka client logs
	FlushTimeout           time.Duration `env:"KAFKA_FLUSH_TIMEOUT"              envDefault:"15s"`
	TopicNumPartitions     int           `env:"KAFKA_TOPIC_NUM_PARTITIONS"       envDefault:"1"`
	TopicReplicationFactor int           `env:"KAFKA_TOPIC_REPLICATION_FACTOR"   envDefault:"1"`
	SASL                   SASLConfig    `envPrefix:"KAFKA_SASL_"`
}

// SASLConfig holds optional SASL authentication settings.
type SASLConfig struct {
	Username         string `env:"USERNAME"`
	Password         string `env:"PASSWORD"`
	Mechanism        string `env:"MECHANISM"         envDefault:"SCRAM-SHA-512"`
	SecurityProtocol string `env:"SECURITY_PROTOCOL" envDefault:"SASL_SSL"`
}

// Enabled reports whether SASL credentials are configured.
func (s SASLConfig) Enabled() bool {
	return s.Username != "" && s.Password != ""
}

// ApplyToConfigMap adds the SASL settings to cm when they are enabled.
func (s SASLConfig) ApplyToConfigMap(cm *kafka.ConfigMap) {
	if !s.Enabled() {
		return
	}
	_ = cm.SetKey("security.protocol", s.SecurityProtocol)
	_ = cm.SetKey("sasl.mechanisms", s.Mechanism)
	_ = cm.SetKey("sasl.username", s.Username)
	_ = cm.SetKey("sasl.password", s.Password)
}

// LoadKafkaConfig reads a KafkaConfig from the environment.
func LoadKafkaConfig() (KafkaConfig, error) {
	var cfg KafkaConfig
	if err := env.Parse(&cfg); err != nil {
		return KafkaConfig{}, fmt.Errorf("failed to parse kafka config: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields KafkaDeliverer cannot work without.
func (c KafkaConfig) Validate() error {
	var errs []error
	if c.BootstrapServers == "" {
		errs = append(errs, errors.New("kafka bootstrap servers cannot be empty"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("kafka topic cannot be empty"))
	}
	if c.Linger < 0 {
		errs = append(errs, fmt.Errorf("kafka linger must be >= 0, got %s", c.Linger))
	}
	if c.SASL.Username != "" && c.SASL.Password == "" {
		errs = append(errs, errors.New("kafka sasl password is required when a username is set"))
	}
	return errors.Join(errs...)
}

// ProducerConfigMap converts c into librdkafka producer settings.
func (c KafkaConfig) ProducerConfigMap() *kafka.ConfigMap {
	cm := &kafka.ConfigMap{
		"bootstrap.servers":      c.BootstrapServers,
		"client.id":              c.ClientID,
		"acks":                   c.Acks,
		"enable.idempotence":     c.EnableIdempotence,
		"linger.ms":              int(c.Linger.Milliseconds()),
		"go.logs.channel.enable": c.EnableLogs,
	}
	if c.Compression != "" {
		_ = cm.SetKey("compression.type", c.Compression)
	}
	c.SASL.ApplyToConfigMap(cm)
	return cm
}

// AdminConfigMap returns the settings needed to create an admin client for the
// same cluster.
func (c KafkaConfig) AdminConfigMap() *kafka.ConfigMap {
	cm := &kafka.ConfigMap{
		"bootstrap.servers": c.BootstrapServers,
	}
	c.SASL.ApplyToConfigMap(cm)
	return cm
}

// TopicConfig returns the topic layout KafkaDeliverer expects.
func (c KafkaConfig) TopicConfig() TopicConfig {
	return TopicConfig{
		Name:              c.Topic,
		NumPartitions:     c.TopicNumPartitions,
		ReplicationFactor: c.TopicReplicationFactor,
	}
}

// flushTimeout returns FlushTimeout or its default when unset.
func (c KafkaConfig) flushTimeout() time.Duration {
	if c.FlushTimeout <= 0 {
		return DefaultFlushTimeout
	}
	return c.FlushTimeout
}
