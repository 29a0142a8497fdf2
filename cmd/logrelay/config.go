package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/ava-labs/logrelay/pkg/queue"
	"github.com/ava-labs/logrelay/pkg/relay"
)

// Config holds all configuration for the logrelay commands.
type Config struct {
	// Application settings
	Verbose   bool
	LogFormat string

	// Relay settings
	Backend      string
	Format       string
	Relay        relay.Config
	Input        string
	CloseTimeout time.Duration

	// Backends
	SQS         queue.SQSConfig
	Kafka       queue.KafkaConfig
	EnsureTopic bool

	// Metrics settings
	MetricsHost   string
	MetricsPort   int
	Environment   string
	Region        string
	CloudProvider string
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// QueueName identifies the destination queue for metrics labels.
func (c *Config) QueueName() string {
	if c.Backend == backendKafka {
		return c.Kafka.Topic
	}
	if c.SQS.QueueName != "" {
		return c.SQS.QueueName
	}
	return c.SQS.QueueURL
}

// buildConfig builds a Config from the environment and CLI context flags.
// Flags take precedence over environment variables.
func buildConfig(c *cli.Context) (*Config, error) {
	relayCfg, err := relay.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := applyRelayFlags(c, &relayCfg); err != nil {
		return nil, err
	}

	cfg := &Config{
		Verbose:       c.Bool("verbose"),
		LogFormat:     c.String("log-format"),
		Backend:       strings.ToLower(c.String("backend")),
		Format:        c.String("format"),
		Relay:         relayCfg,
		Input:         c.String("input"),
		CloseTimeout:  c.Duration("close-timeout"),
		EnsureTopic:   c.Bool("kafka-ensure-topic"),
		MetricsHost:   c.String("metrics-host"),
		MetricsPort:   c.Int("metrics-port"),
		Environment:   c.String("environment"),
		Region:        c.String("region"),
		CloudProvider: c.String("cloud-provider"),
	}

	switch cfg.Backend {
	case backendSQS:
		cfg.SQS, err = queue.LoadSQSConfig()
		if err != nil {
			return nil, err
		}
		setString(c, "sqs-queue-name", &cfg.SQS.QueueName)
		setString(c, "sqs-queue-url", &cfg.SQS.QueueURL)
		setString(c, "aws-region", &cfg.SQS.Region)
		setString(c, "sqs-endpoint", &cfg.SQS.Endpoint)
		if err := cfg.SQS.Validate(); err != nil {
			return nil, err
		}
		if cfg.Relay.MaxBatchSize > queue.MaxSQSBatchSize {
			return nil, fmt.Errorf("max batch size %d exceeds the sqs limit of %d", cfg.Relay.MaxBatchSize, queue.MaxSQSBatchSize)
		}

	case backendKafka:
		cfg.Kafka, err = queue.LoadKafkaConfig()
		if err != nil {
			return nil, err
		}
		setString(c, "kafka-bootstrap-servers", &cfg.Kafka.BootstrapServers)
		setString(c, "kafka-topic", &cfg.Kafka.Topic)
		if c.IsSet("kafka-enable-logs") {
			cfg.Kafka.EnableLogs = c.Bool("kafka-enable-logs")
		}
		if err := cfg.Kafka.Validate(); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown backend %q, expected %s or %s", cfg.Backend, backendSQS, backendKafka)
	}

	switch cfg.Format {
	case "json", "console":
	default:
		return nil, fmt.Errorf("unknown record format %q, expected json or console", cfg.Format)
	}

	if cfg.CloseTimeout < 0 {
		return nil, errors.New("close-timeout must be >= 0")
	}

	return cfg, nil
}

func applyRelayFlags(c *cli.Context, cfg *relay.Config) error {
	setString(c, "name", &cfg.Name)

	if c.IsSet("level") {
		lvl, err := zapcore.ParseLevel(c.String("level"))
		if err != nil {
			return fmt.Errorf("invalid level: %w", err)
		}
		cfg.Level = lvl
	}

	if c.IsSet("global-extra") {
		extra, err := parseGlobalExtra(c.StringSlice("global-extra"))
		if err != nil {
			return err
		}
		cfg.GlobalExtra = extra
	}

	setInt(c, "max-batch-size", &cfg.MaxBatchSize)
	setInt(c, "max-retry-attempts", &cfg.MaxRetryAttempts)
	setDuration(c, "accumulate-wait", &cfg.AccumulateWait)
	setDuration(c, "retry-min-backoff", &cfg.RetryMinBackoff)
	setDuration(c, "retry-max-backoff", &cfg.RetryMaxBackoff)
	setDuration(c, "sync-timeout", &cfg.SyncTimeout)

	return cfg.Validate()
}

// parseGlobalExtra parses key:value pairs.
func parseGlobalExtra(pairs []string) (map[string]string, error) {
	extra := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, ":")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid global-extra %q, expected key:value", p)
		}
		extra[k] = v
	}
	return extra, nil
}

func setString(c *cli.Context, name string, dst *string) {
	if c.IsSet(name) {
		*dst = c.String(name)
	}
}

func setInt(c *cli.Context, name string, dst *int) {
	if c.IsSet(name) {
		*dst = c.Int(name)
	}
}

func setDuration(c *cli.Context, name string, dst *time.Duration) {
	if c.IsSet(name) {
		*dst = c.Duration(name)
	}
}
