package relay

import (
	"context"
	"time"
)

// Source is the pending-record buffer drained by Accumulate.
type Source interface {
	PopWait(ctx context.Context, timeout time.Duration) (Record, bool)
	Empty() bool
}

// Accumulate collects one batch of at most limit records from src.
//
// Records are popped while the batch is short and src is not observed empty,
// with a single emptiness check per record. Every pop waits at most wait, and
// a pop that times out ends the batch. A partial batch is returned as is.
//
// When src is empty on entry, Accumulate waits up to wait for the first record
// so that an idle caller sleeps on the buffer instead of spinning. It returns
// nil if nothing arrives.
func Accumulate(ctx context.Context, src Source, limit int, wait time.Duration) []Record {
	var batch []Record

	if src.Empty() {
		rec, ok := src.PopWait(ctx, wait)
		if !ok {
			return nil
		}
		batch = make([]Record, 0, limit)
		batch = append(batch, rec)
	}

	for len(batch) < limit && !src.Empty() {
		rec, ok := src.PopWait(ctx, wait)
		if !ok {
			break
		}
		if batch == nil {
			batch = make([]Record, 0, limit)
		}
		batch = append(batch, rec)
	}

	return batch
}
