package plugins

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/ailets/ailets-go/dag"
	"github.com/ailets/ailets-go/noderuntime"
)

// message mirrors the minimal chat-message shape the stdlib actor
// kinds pass between each other: a role and text content, plus an
// optional list of tool calls a model response may request.
type message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type queryResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
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

// PromptToMessages turns the raw .prompt bytes into a one-message chat
// history: [{"role": "user", "content": <prompt>}].
func PromptToMessages(ctx context.Context, rt *noderuntime.Runtime) error {
	fd, err := rt.OpenRead("", 0)
	if err != nil {
		return err
	}
	defer rt.Close(fd)

	prompt, err := readAll(ctx, rt, fd)
	if err != nil {
		return err
	}
	out, err := json.Marshal([]message{{Role: "user", Content: string(prompt)}})
	if err != nil {
		return err
	}
	_, err = rt.Write(noderuntime.FDStdout, out)
	return err
}

// MessagesToQuery wraps a chat-message array into the minimal query
// request body a "query" actor kind expects: {"messages": [...]}.
func MessagesToQuery(ctx context.Context, rt *noderuntime.Runtime) error {
	fd, err := rt.OpenRead("", 0)
	if err != nil {
		return err
	}
	defer rt.Close(fd)

	messages, err := readAll(ctx, rt, fd)
	if err != nil {
		return err
	}
	out, err := json.Marshal(map[string]json.RawMessage{"messages": messages})
	if err != nil {
		return err
	}
	_, err = rt.Write(noderuntime.FDStdout, out)
	return err
}

// ResponseToMessages consumes a query response. A plain-text response
// is written to stdout as a one-element message list holding the
// assistant message. A tool-call response
// performs the loop-unrolling sequence the design names in its
// tool-call scenario: detach the current .chat_messages alias, add a
// value node carrying the tool's output, graft a fresh
// gpt.messages_to_query instance fed by the updated history, and
// re-alias .end to the new sink so the scheduler picks it up without an
// external nudge.
func ResponseToMessages(ctx context.Context, rt *noderuntime.Runtime) error {
	fd, err := rt.OpenRead("", 0)
	if err != nil {
		return err
	}
	defer rt.Close(fd)

	raw, err := readAll(ctx, rt, fd)
	if err != nil {
		return err
	}
	var resp queryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	if len(resp.Choices) == 0 {
		_, err := rt.Write(noderuntime.FDStdout, []byte("[]"))
		return err
	}

	assistant := resp.Choices[0].Message
	if len(assistant.ToolCalls) == 0 {
		out, err := json.Marshal([]message{assistant})
		if err != nil {
			return err
		}
		_, err = rt.Write(noderuntime.FDStdout, out)
		return err
	}

	return unrollToolCall(rt, assistant, resolverFromContext(ctx))
}

func unrollToolCall(rt *noderuntime.Runtime, assistant message, resolver dag.PluginResolver) error {
	rt.DetachFromAlias(".chat_messages")

	call := assistant.ToolCalls[0]
	toolResultNode, err := toolResult(rt, call)
	if err != nil {
		return err
	}

	history := []message{assistant, {Role: "tool", Content: toolResultNode}}
	historyBytes, err := json.Marshal(history)
	if err != nil {
		return err
	}
	historyNode := rt.ValueNode(historyBytes, "tool-loop history")
	ref := dag.NodeRef(historyNode)
	rt.Alias(".chat_messages", &ref)

	sink, err := rt.InstantiateWithDeps(resolver, "gpt.messages_to_query", map[string]dag.Ref{
		"messages": dag.AliasRef(".chat_messages"),
	})
	if err != nil {
		return err
	}
	sinkRef := dag.NodeRef(sink)
	rt.Alias(".end", &sinkRef)
	return nil
}

// toolResult runs a built-in stub for the named tool and returns its
// textual output. Only get_user_name is implemented, matching the
// tool-call-loop scenario.
func toolResult(rt *noderuntime.Runtime, call toolCall) (string, error) {
	switch call.Name {
	case "get_user_name":
		return "ailets", nil
	default:
		return "", nil
	}
}

// MessagesToMarkdown renders the last assistant message's content as
// markdown text followed by a trailing newline.
func MessagesToMarkdown(ctx context.Context, rt *noderuntime.Runtime) error {
	fd, err := rt.OpenRead("", 0)
	if err != nil {
		return err
	}
	defer rt.Close(fd)

	raw, err := readAll(ctx, rt, fd)
	if err != nil {
		return err
	}
	var msgs []message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return err
	}
	var buf bytes.Buffer
	if len(msgs) > 0 {
		buf.WriteString(msgs[len(msgs)-1].Content)
	}
	buf.WriteByte('\n')
	_, err = rt.Write(noderuntime.FDStdout, buf.Bytes())
	return err
}

type resolverKey struct{}

// WithResolver attaches the plugin table to ctx so stdlib actor bodies
// that need to instantiate sub-DAGs (tool-call unrolling) can reach it
// without every ActorBody signature threading a *Registry parameter.
func WithResolver(ctx context.Context, r dag.PluginResolver) context.Context {
	return context.WithValue(ctx, resolverKey{}, r)
}

func resolverFromContext(ctx context.Context) dag.PluginResolver {
	r, _ := ctx.Value(resolverKey{}).(dag.PluginResolver)
	return r
}

// GPTMessagesToQueryTemplate is the sub-DAG template registered under
// the "gpt.messages_to_query" workflow name: wraps a chat-message
// history into a query, runs it, and folds the response back into a
// message list. The template's external input key is "messages".
func GPTMessagesToQueryTemplate() dag.Template {
	return dag.Template{
		Nodes: []dag.TemplateNode{
			{
				NameHint: "mtq",
				Kind:     "messages_to_query",
				Deps:     []dag.TemplateDependency{{Param: "", ExternalInput: "messages"}},
			},
			{
				NameHint: "q",
				Kind:     "query",
				Deps:     []dag.TemplateDependency{{Param: "", InternalRef: "mtq"}},
			},
			{
				NameHint: "rtm",
				Kind:     "response_to_messages",
				Deps:     []dag.TemplateDependency{{Param: "", InternalRef: "q"}},
			},
		},
		Sink: "rtm",
	}
}

// RegisterStdlib binds every built-in actor kind and the
// gpt.messages_to_query template into r. Registering "query" is left to
// the caller (the driver registers an echoing stub; tests wire their own),
// per the design's stance that actor bodies for specific AI vendors are
// not part of the orchestration core.
func RegisterStdlib(r *Registry) {
	r.RegisterKind("prompt_to_messages", KindMeta{}, PromptToMessages)
	r.RegisterKind("messages_to_query", KindMeta{}, MessagesToQuery)
	r.RegisterKind("response_to_messages", KindMeta{}, ResponseToMessages)
	r.RegisterKind("messages_to_markdown", KindMeta{StreamingTolerant: true}, MessagesToMarkdown)
	r.RegisterTemplate("gpt.messages_to_query", GPTMessagesToQueryTemplate())
}
