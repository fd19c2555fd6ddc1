// Package openai provides a work unit invoker backed by the OpenAI Chat
// Completions API.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/flowmesh/flowmesh/core"
	"github.com/flowmesh/flowmesh/workunit"
)

// Options configure the OpenAI invoker. Fields mirror a subset of Chat
// Completion parameters intentionally kept minimal; extend via functional
// options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64

	// System is the instruction prefix sent with every invocation.
	System string
}

// Invoker executes a task's work unit as a single chat completion. The
// dependency documents and memory snapshot become the user prompt; the first
// choice's text becomes the result content.
type Invoker struct {
	client *openai.Client
	opts   Options
}

var _ core.Invoker = (*Invoker)(nil)

// New creates an OpenAI invoker using the official client.
func New(optFns ...func(o *Options)) *Invoker {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates an OpenAI invoker from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Invoker {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Invoker{client: client, opts: opts}
}

// Invoke implements core.Invoker.
func (i *Invoker) Invoke(ctx context.Context, in core.Input) (core.Result, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if i.opts.System != "" {
		messages = append(messages, openai.SystemMessage(i.opts.System))
	}
	messages = append(messages, openai.UserMessage(workunit.BuildPrompt(in)))

	resp, err := i.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               i.opts.Model,
		Messages:            messages,
		Temperature:         openai.Float(i.opts.Temperature),
		MaxCompletionTokens: openai.Int(i.opts.MaxCompletionTokens),
	})
	if err != nil {
		return core.Result{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return core.Result{}, fmt.Errorf("no choices returned")
	}

	text := resp.Choices[0].Message.Content
	return core.Result{
		State:   core.StateCompleted,
		Content: text,
		Summary: fmt.Sprintf("%s produced %d characters", in.TaskID, len(text)),
		Metadata: map[string]any{
			"model":         resp.Model,
			"finish_reason": string(resp.Choices[0].FinishReason),
		},
	}, nil
}
