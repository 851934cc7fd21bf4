package main

import (
	"fmt"

	"github.com/ailets/ailets-go/dag"
	"github.com/ailets/ailets-go/env"
)

// buildGPTPipeline grafts prompt_to_messages -> gpt.messages_to_query ->
// messages_to_markdown onto the seeded .prompt alias and points .end at
// the markdown sink, mirroring the chat scenario the design names.
func buildGPTPipeline(e *env.Environment) error {
	promptIDs, err := e.DAG.Resolve(dag.AliasRef(".prompt"))
	if err != nil {
		return fmt.Errorf("resolve .prompt: %w", err)
	}
	if len(promptIDs) == 0 {
		return fmt.Errorf("no prompt seeded; pass --prompt at least once")
	}

	toMessages, err := e.DAG.AddNode("ptm", "prompt_to_messages",
		[]dag.Dependency{{Ref: dag.NodeRef(promptIDs[len(promptIDs)-1])}}, "", false)
	if err != nil {
		return fmt.Errorf("add prompt_to_messages: %w", err)
	}
	e.AliasChatMessages(toMessages)

	querySinkID, err := e.DAG.InstantiateWithDeps(e.Registry, "gpt.messages_to_query", map[string]dag.Ref{
		"messages": dag.NodeRef(toMessages.ID),
	})
	if err != nil {
		return fmt.Errorf("instantiate gpt.messages_to_query: %w", err)
	}

	markdown, err := e.DAG.AddNode("md", "messages_to_markdown",
		[]dag.Dependency{{Ref: dag.NodeRef(querySinkID)}}, "", true)
	if err != nil {
		return fmt.Errorf("add messages_to_markdown: %w", err)
	}

	e.AliasEnd(markdown)
	return nil
}
