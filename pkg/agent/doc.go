// Package agent runs conversation turns: it decides whether the agent replies,
// calls the LLM, runs the tools the model asks for and streams ThreadUpdates.
//
// Invariants:
// - Turns on the same thread are serialized through a commandqueue lane.
// - A thread has at most one active message.
// - Tool calls run one at a time, in the order the model emitted them.
// - A failing tool call never aborts the turn; a failing provider call aborts only the turn.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{...})
//	updates, _ := runner.Prompt(ctx, agent.TurnParams{
//		ThreadKey: "discord:1234",
//		User:      "user-1",
//		Agent:     "eve",
//		Content:   "@Eve draw a cat",
//	})
//	for u := range updates {
//		_ = u
//	}
package agent
