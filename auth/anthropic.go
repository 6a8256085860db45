package auth

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/plyght/amp-acp/errors"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// probeAnthropic sends a one-token message.
func probeAnthropic(ctx context.Context, c Credential, opts ProbeOptions) error {
	options := []option.RequestOption{
		option.WithAPIKey(c.Secret),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		options = append(options, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(options...)

	model := opts.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	_, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to send message to Anthropic")
	}
	return nil
}
