package relay

import "context"

// Deliverer sends formatted messages to a remote queue.
//
// SendBatch receives one id per message; ids are unique and are reused when
// the same batch is retried, so the remote side can deduplicate. Callers never
// pass more than Config.MaxBatchSize messages or an empty batch.
type Deliverer interface {
	SendOne(ctx context.Context, msg string) error
	SendBatch(ctx context.Context, msgs, ids []string) error
}
