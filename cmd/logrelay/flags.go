package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/logrelay/pkg/queue"
)

const (
	backendSQS   = "sqs"
	backendKafka = "kafka"
)

// Relay and queue settings are read from LOGRELAY_*, SQS_*, AWS_* and KAFKA_*
// environment variables first; the flags below override them when set.

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Diagnostic log encoding (json, console)",
			EnvVars: []string{"LOG_FORMAT"},
		},
		&cli.StringFlag{
			Name:    "backend",
			Aliases: []string{"b"},
			Usage:   "Queue backend to ship records to (sqs, kafka)",
			EnvVars: []string{"LOGRELAY_BACKEND"},
			Value:   backendSQS,
		},
		&cli.StringFlag{
			Name:    "format",
			Usage:   "Record rendering sent to the queue (json, console)",
			EnvVars: []string{"LOGRELAY_FORMAT"},
			Value:   "json",
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "Relay name, recorded as the logger name of every record",
		},
		&cli.StringFlag{
			Name:  "level",
			Usage: "Minimum level relayed (debug, info, warn, error)",
		},
		&cli.StringSliceFlag{
			Name:  "global-extra",
			Usage: "key:value field added to every record (repeatable)",
		},
		&cli.IntFlag{
			Name:  "max-retry-attempts",
			Usage: "Deliverer calls per batch before it is dropped",
		},
		&cli.DurationFlag{
			Name:  "retry-min-backoff",
			Usage: "Initial delay between delivery attempts",
		},
		&cli.DurationFlag{
			Name:  "retry-max-backoff",
			Usage: "Largest delay between delivery attempts",
		},
		// SQS
		&cli.StringFlag{
			Name:  "sqs-queue-name",
			Usage: "SQS queue name, resolved to a URL at startup",
		},
		&cli.StringFlag{
			Name:  "sqs-queue-url",
			Usage: "SQS queue URL, skips the name lookup",
		},
		&cli.StringFlag{
			Name:  "aws-region",
			Usage: "AWS region of the queue (default " + queue.DefaultSQSRegion + ")",
		},
		&cli.StringFlag{
			Name:  "sqs-endpoint",
			Usage: "Custom SQS endpoint, e.g. a local emulator",
		},
		// Kafka
		&cli.StringFlag{
			Name:  "kafka-bootstrap-servers",
			Usage: "Kafka bootstrap servers (comma-separated)",
		},
		&cli.StringFlag{
			Name:  "kafka-topic",
			Usage: "Kafka topic log records are produced to",
		},
		&cli.BoolFlag{
			Name:  "kafka-enable-logs",
			Usage: "Enable librdkafka client logs",
		},
		&cli.BoolFlag{
			Name:    "kafka-ensure-topic",
			Usage:   "Create the Kafka topic, or grow its partitions, before relaying",
			EnvVars: []string{"KAFKA_ENSURE_TOPIC"},
		},
	}
}

func runFlags() []cli.Flag {
	return append(commonFlags(),
		&cli.StringFlag{
			Name:    "input",
			Aliases: []string{"i"},
			Usage:   "File to relay line by line; - reads stdin",
			EnvVars: []string{"LOGRELAY_INPUT"},
			Value:   "-",
		},
		&cli.IntFlag{
			Name:  "max-batch-size",
			Usage: "Records per Deliverer call",
		},
		&cli.DurationFlag{
			Name:  "accumulate-wait",
			Usage: "How long the worker waits for a record before sending a partial batch",
		},
		&cli.DurationFlag{
			Name:    "close-timeout",
			Usage:   "Time allowed for pending records to be delivered on shutdown",
			EnvVars: []string{"LOGRELAY_CLOSE_TIMEOUT"},
			Value:   30 * time.Second,
		},
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
			Value:   "",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Usage:   "Port for Prometheus metrics server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "Deployment environment for metrics labels (e.g., 'production', 'staging')",
			EnvVars: []string{"ENVIRONMENT"},
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "Cloud region for metrics labels (e.g., 'us-east-1')",
			EnvVars: []string{"REGION"},
		},
		&cli.StringFlag{
			Name:    "cloud-provider",
			Usage:   "Cloud provider for metrics labels (e.g., 'aws', 'gcp')",
			EnvVars: []string{"CLOUD_PROVIDER"},
		},
	)
}

func sendFlags() []cli.Flag {
	return append(commonFlags(),
		&cli.StringFlag{
			Name:    "send-level",
			Aliases: []string{"l"},
			Usage:   "Level of the sent record",
			Value:   "info",
		},
		&cli.DurationFlag{
			Name:  "sync-timeout",
			Usage: "Bound on the synchronous delivery, retries included",
		},
	)
}
