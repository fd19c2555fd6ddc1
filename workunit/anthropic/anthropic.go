// Package anthropic provides a work unit invoker backed by the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowmesh/flowmesh/core"
	"github.com/flowmesh/flowmesh/workunit"
)

// Options configures the Anthropic invoker (model id, temperature, max
// tokens, API key, system prompt). Extend via functional options to preserve
// stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string

	// System is the instruction prefix sent with every invocation.
	System string
}

// Invoker executes a task's work unit as a single Messages API call. The
// dependency documents and memory snapshot become the user prompt; the
// response text becomes the result content.
type Invoker struct {
	client *anthropic.Client
	opts   Options
}

var _ core.Invoker = (*Invoker)(nil)

// New creates an Anthropic invoker using the official client.
func New(optFns ...func(o *Options)) *Invoker {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Invoker{client: &client, opts: opts}
}

// NewFromClient creates an Anthropic invoker from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Invoker {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Invoker{client: client, opts: opts}
}

// Invoke implements core.Invoker.
func (i *Invoker) Invoke(ctx context.Context, in core.Input) (core.Result, error) {
	params := anthropic.MessageNewParams{
		Model:       i.opts.Model,
		MaxTokens:   i.opts.MaxTokens,
		Temperature: anthropic.Float(i.opts.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(workunit.BuildPrompt(in))),
		},
	}
	if i.opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: i.opts.System}}
	}

	resp, err := i.client.Messages.New(ctx, params)
	if err != nil {
		return core.Result{}, fmt.Errorf("anthropic api error: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}

	return core.Result{
		State:   core.StateCompleted,
		Content: text,
		Summary: fmt.Sprintf("%s produced %d characters", in.TaskID, len(text)),
		Metadata: map[string]any{
			"model":       string(resp.Model),
			"stop_reason": string(resp.StopReason),
		},
	}, nil
}
