package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	anthropicDefaultModel     = "claude-sonnet-4-5"
	anthropicDefaultMaxTokens = 8192
)

// AnthropicProvider talks to the Claude Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
}

func NewAnthropicProvider(cfg ProviderConfig) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if base := trimBaseURL(cfg.Endpoint); base != "" {
		opts = append(opts, option.WithBaseURL(base+"/"))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{
		client: &client,
		model:  chooseModel(cfg.Model, anthropicDefaultModel),
	}
}

func (p *AnthropicProvider) Name() string {
	return fmt.Sprintf("Claude (%s)", p.model)
}

// Validate lists one model, which fails with AuthFailed on a bad key.
func (p *AnthropicProvider) Validate(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)}); err != nil {
		return classifyAnthropicError(ctx, err)
	}
	return nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var usage Usage
		stopped := false
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(ev.Message.Usage.InputTokens)
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					if err := send(ctx, events, Event{Type: EventDelta, Text: delta.Text}); err != nil {
						return err
					}
				}
			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = int(ev.Usage.OutputTokens)
				if ev.Usage.InputTokens > 0 {
					usage.InputTokens = int(ev.Usage.InputTokens)
				}
			case anthropic.MessageStopEvent:
				stopped = true
			}
		}
		if err := stream.Err(); err != nil {
			return classifyAnthropicError(ctx, err)
		}
		if !stopped {
			return NewError(Network, "stream ended before completion", nil)
		}
		return send(ctx, events, Event{Type: EventUsage, Use: &usage})
	}), nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(ctx, err)
	}
	resp := &Response{
		Usage: Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			resp.Text += block.Text
		}
	}
	return resp, nil
}

func (p *AnthropicProvider) buildParams(req Request) (anthropic.MessageNewParams, error) {
	turns := nonEmptyTurns(req.Turns)
	if len(turns) == 0 {
		return anthropic.MessageNewParams{}, errEmptyRequest
	}

	maxTokens := int64(anthropicDefaultMaxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(chooseModel(req.Model, p.model)),
		MaxTokens: maxTokens,
		Messages:  buildAnthropicMessages(turns),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params, nil
}

func buildAnthropicMessages(turns []Turn) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Text)))
		default:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(t.Images)+1)
			for _, img := range t.Images {
				blocks = append(blocks, anthropic.NewImageBlockBase64(img.MIMEType, base64.StdEncoding.EncodeToString(img.Data)))
			}
			if t.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(t.Text))
			}
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}
	return messages
}

func classifyAnthropicError(ctx context.Context, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return FromStatus(apiErr.StatusCode, apiErr.Error(), err)
	}
	return transportError(ctx, err)
}
