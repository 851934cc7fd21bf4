package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ailets/ailets-go/env"
	"github.com/ailets/ailets-go/noderuntime"
	"github.com/ailets/ailets-go/plugins"
)

// registerQueryStub registers the "query" actor kind that the
// orchestration core deliberately leaves to its caller: a real AI
// vendor client is a Non-goal of the orchestration core itself. This
// stub echoes the last user message back as an assistant reply so the
// prompt_to_messages -> messages_to_query -> query -> response_to_messages
// -> messages_to_markdown chain is runnable end to end without any
// external network dependency.
func registerQueryStub(e *env.Environment, model string, opts []string) {
	e.Registry.RegisterKind("query", plugins.KindMeta{}, func(ctx context.Context, rt *noderuntime.Runtime) error {
		fd, err := rt.OpenRead("", 0)
		if err != nil {
			return err
		}
		defer rt.Close(fd)

		body, err := readAll(ctx, rt, fd)
		if err != nil {
			return err
		}

		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return fmt.Errorf("query stub: malformed request: %w", err)
		}

		reply := fmt.Sprintf("[%s stub reply, opts=%v] no reply", model, opts)
		if n := len(req.Messages); n > 0 {
			reply = fmt.Sprintf("[%s stub reply] %s", model, req.Messages[n-1].Content)
		}

		out, err := json.Marshal(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": reply}},
			},
		})
		if err != nil {
			return err
		}
		_, err = rt.Write(noderuntime.FDStdout, out)
		return err
	})
}

func readAll(ctx context.Context, rt *noderuntime.Runtime, fd int) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := rt.Read(ctx, fd, buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, buf[:n]...)
	}
}
