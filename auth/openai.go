package auth

import (
	"context"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/plyght/amp-acp/errors"
)

const defaultOpenAIModel = "gpt-4o-mini"

// probeOpenAI sends a one-token chat completion. OPENAI_BASE_URL is honoured
// so compatible gateways can be probed too.
func probeOpenAI(ctx context.Context, c Credential, opts ProbeOptions) error {
	options := []option.RequestOption{
		option.WithAPIKey(c.Secret),
		option.WithMaxRetries(0),
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(options...)

	model := opts.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	_, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            []openai.ChatCompletionMessageParamUnion{openai.UserMessage("ping")},
		MaxCompletionTokens: openai.Int(1),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to send message to OpenAI")
	}
	return nil
}
