// Package agent runs durable conversations as workflows on the engine host.
//
// Invariants:
// - History starts with exactly one system message.
// - Inbound user messages are persisted before they are queued, and every
//   queued message is merged into history before the next provider round.
// - Provider rounds fail over across vendor bindings; each binding runs as an
//   activity on its vendor queue.
// - Tool results are appended in the order the model requested the calls.
// - A cancelled conversation is closed with a non-cancellable context before
//   the epoch returns.
//
// Usage:
//
//	wf, _ := agent.New(agent.Config{
//		Variant:   agent.Chat(),
//		Providers: providers,
//		Registry:  registry,
//		Store:     store.NewActivityStore(db, acts, store.DefaultActivityOptions()),
//	})
//	host.Register(agent.VariantChat, wf)
//	_ = host.StartEpoch(ctx, conversationID, agent.VariantChat, nil)
//	_ = host.Signal(ctx, conversationID, agent.Inbound{Content: "hello"})
package agent
