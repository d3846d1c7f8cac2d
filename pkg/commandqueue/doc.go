// Package commandqueue runs jobs in named lanes with FIFO ordering per lane.
//
// Invariants:
// - Jobs in the same lane start in enqueue order, at most Concurrency at a time.
// - Jobs in different lanes may run concurrently.
// - A job whose context ends while it is still queued never runs.
//
// The agent loop uses one lane per thread so turns on a thread never interleave:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	_, err := queue.Enqueue(ctx, "thread:abc", func(ctx context.Context) (interface{}, error) {
//		return nil, runner.turn(ctx)
//	}, nil)
package commandqueue
