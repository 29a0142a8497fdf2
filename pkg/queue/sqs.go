package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

// MaxSQSBatchSize is the largest number of entries SendMessageBatch accepts.
const MaxSQSBatchSize = 10

// DefaultSQSRegion is used when no region is configured.
const DefaultSQSRegion = "eu-west-1"

// SQSAPI is the subset of the SQS client used by SQSDeliverer.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// SQSConfig identifies the queue and how to reach it.
//
// Credentials are optional; when either key is empty the default AWS
// credential chain is used.
type SQSConfig struct {
	QueueName       string `env:"SQS_QUEUE_NAME"`
	QueueURL        string `env:"SQS_QUEUE_URL"`                            // skips the GetQueueUrl lookup when set
	Region          string `env:"AWS_REGION"            envDefault:"eu-west-1"`
	Endpoint        string `env:"SQS_ENDPOINT"`                             // custom endpoint, e.g. a local emulator
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
}

// LoadSQSConfig reads an SQSConfig from the environment.
func LoadSQSConfig() (SQSConfig, error) {
	var cfg SQSConfig
	if err := env.Parse(&cfg); err != nil {
		return SQSConfig{}, fmt.Errorf("failed to parse sqs config: %w", err)
	}
	return cfg, nil
}

// Validate checks that a queue is identified.
func (c SQSConfig) Validate() error {
	if c.QueueName == "" && c.QueueURL == "" {
		return errors.New("sqs queue name or queue url is required")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errors.New("sqs access key id and secret access key must be set together")
	}
	return nil
}

// NewSQSClient builds an SQS client from cfg, falling back to the default AWS
// configuration chain for anything cfg leaves empty.
func NewSQSClient(ctx context.Context, cfg SQSConfig) (*sqs.Client, error) {
	region := cfg.Region
	if region == "" {
		region = DefaultSQSRegion
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// SQSDeliverer sends log messages to one SQS queue.
type SQSDeliverer struct {
	client   SQSAPI
	queueURL string
	log      *zap.SugaredLogger
}

// NewSQSDeliverer resolves the queue URL, unless cfg already carries one, and
// returns a deliverer for it.
func NewSQSDeliverer(ctx context.Context, client SQSAPI, cfg SQSConfig, log *zap.SugaredLogger) (*SQSDeliverer, error) {
	if client == nil {
		return nil, errors.New("sqs client cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sqs config: %w", err)
	}

	queueURL := cfg.QueueURL
	if queueURL == "" {
		out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(cfg.QueueName)})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve url of queue %q: %w", cfg.QueueName, describeAPIError(err))
		}
		queueURL = aws.ToString(out.QueueUrl)
	}

	log.Infow("sqs deliverer ready", "queueURL", queueURL)
	return &SQSDeliverer{client: client, queueURL: queueURL, log: log}, nil
}

// QueueURL returns the URL messages are sent to.
func (s *SQSDeliverer) QueueURL() string {
	return s.queueURL
}

// SendOne sends msg with SendMessage.
func (s *SQSDeliverer) SendOne(ctx context.Context, msg string) error {
	out, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(msg),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", describeAPIError(err))
	}

	s.log.Debugw("sent message", "messageID", aws.ToString(out.MessageId))
	return nil
}

// SendBatch sends msgs with a single SendMessageBatch call, ids[i] being the
// entry id of msgs[i]. Entries rejected by SQS make the whole call fail, so a
// retry may deliver the accepted entries again.
func (s *SQSDeliverer) SendBatch(ctx context.Context, msgs, ids []string) error {
	if len(msgs) == 0 {
		return nil
	}
	if len(msgs) > MaxSQSBatchSize {
		return fmt.Errorf("batch of %d messages exceeds the sqs limit of %d", len(msgs), MaxSQSBatchSize)
	}
	if len(ids) != len(msgs) {
		return fmt.Errorf("got %d ids for %d messages", len(ids), len(msgs))
	}

	entries := make([]types.SendMessageBatchRequestEntry, len(msgs))
	for i := range msgs {
		entries[i] = types.SendMessageBatchRequestEntry{
			Id:          aws.String(ids[i]),
			MessageBody: aws.String(msgs[i]),
		}
	}

	out, err := s.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(s.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("failed to send message batch: %w", describeAPIError(err))
	}

	if len(out.Failed) > 0 {
		return &BatchEntryError{Failed: out.Failed, Total: len(msgs)}
	}

	s.log.Debugw("sent message batch", "size", len(msgs))
	return nil
}

// BatchEntryError reports the entries of a SendMessageBatch call that SQS
// rejected.
type BatchEntryError struct {
	Failed []types.BatchResultErrorEntry
	Total  int
}

func (e *BatchEntryError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		parts[i] = fmt.Sprintf("%s: %s (%s)", aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
	}
	return fmt.Sprintf("%d of %d batch entries failed: %s", len(e.Failed), e.Total, strings.Join(parts, "; "))
}

// SenderFault reports whether any rejected entry was the caller's fault.
func (e *BatchEntryError) SenderFault() bool {
	for _, f := range e.Failed {
		if f.SenderFault {
			return true
		}
	}
	return false
}

func describeAPIError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s (%s): %w", apiErr.ErrorCode(), apiErr.ErrorFault(), err)
	}
	return err
}
