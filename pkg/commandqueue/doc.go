// Package commandqueue provides named task queues with bounded concurrency.
//
// Invariants:
// - Tasks on the same queue start in FIFO order.
// - At most the queue's concurrency limit of tasks run at once.
// - A task whose context is cancelled while waiting is dropped without running.
// - Queue activity is observable through metrics and Stats.
//
// Usage:
//
//	queues := commandqueue.New(commandqueue.Config{
//		Queues: map[string]int{"boilerplate-demo": 8, "openai-demo": 4},
//	})
//	defer queues.Close()
//	result, err := queues.Submit(ctx, "openai-demo", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
package commandqueue
