// Package relay ships log records to a remote queue without blocking the
// goroutines that produce them.
//
// A Dispatcher buffers records in an unbounded FIFO and a single worker
// goroutine drains it in batches of at most Config.MaxBatchSize records. Each
// batch goes through a Client, which merges the configured global fields into
// every record, formats it, and hands the formatted messages to a Deliverer
// with a bounded number of attempts.
//
// The Client owns a Guard. While a delivery is in progress any nested delivery
// on the same Client is skipped, so a Deliverer that logs through the relay
// cannot recurse into the network call.
//
// Both Dispatcher and the core returned by NewSyncCore implement
// zapcore.Core, so a *zap.Logger can write to the relay directly:
//
//	d, err := relay.New(cfg, deliverer, relay.WithLogger(diag))
//	if err != nil {
//		return err
//	}
//	defer d.Close(context.Background())
//	logger := zap.New(d)
package relay
