package auth

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/plyght/amp-acp/errors"
)

const defaultBedrockModel = "anthropic.claude-3-haiku-20240307-v1:0"

// probeBedrock invokes an Anthropic model on Bedrock for a single token
// using the default AWS credential chain.
func probeBedrock(ctx context.Context, _ Credential, opts ProbeOptions) error {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return errors.Wrapf(err, "failed to load AWS config")
	}
	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if opts.BaseURL != "" {
			o.BaseEndpoint = aws.String(opts.BaseURL)
		}
	})

	body, err := bedrockProbeBody()
	if err != nil {
		return err
	}
	model := opts.Model
	if model == "" {
		model = defaultBedrockModel
	}
	_, err = client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to invoke Bedrock model")
	}
	return nil
}

func bedrockProbeBody() ([]byte, error) {
	return json.Marshal(map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        1,
		"messages": []map[string]any{
			{
				"role":    "user",
				"content": []map[string]any{{"type": "text", "text": "ping"}},
			},
		},
	})
}
