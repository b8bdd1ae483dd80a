package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
)

var _ Streamer = (*OpenAIStreamer)(nil)

// OpenAIStreamer implements Streamer on the OpenAI chat completions API.
// It also serves OpenAI-compatible endpoints via the client's base URL.
type OpenAIStreamer struct {
	Client *openai.Client

	// Model is the default model when the request does not name one.
	Model string
}

func (g *OpenAIStreamer) StreamChat(ctx context.Context, req Request) (Stream, error) {
	params, err := g.completionParams(req)
	if err != nil {
		return nil, err
	}
	sb := NewStreamBuilder(32)
	go func() {
		if err := oaiPull(sb, g.Client.Chat.Completions.NewStreaming(ctx, params)); err != nil {
			sb.Abort(err)
			return
		}
		sb.Done()
	}()
	return sb.Stream(), nil
}

func (g *OpenAIStreamer) completionParams(req Request) (openai.ChatCompletionNewParams, error) {
	model := req.Model
	if model == "" {
		model = g.Model
	}
	if model == "" {
		return openai.ChatCompletionNewParams{}, errors.New("chat: no model configured")
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			return openai.ChatCompletionNewParams{}, fmt.Errorf("chat: unexpected message role: %s", m.Role)
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: param.NewOpt(true),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(float64(req.Temperature))
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.ResponseSchema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "reply",
					Schema: any(req.ResponseSchema),
					Strict: param.NewOpt(true),
				},
			},
		}
	}
	return params, nil
}

func oaiPull(sb *StreamBuilder, stream *ssestream.Stream[openai.ChatCompletionChunk]) error {
	for stream.Next() {
		raw := stream.Current()
		out := &Chunk{}
		if u := raw.Usage; u.PromptTokens > 0 || u.CompletionTokens > 0 || u.TotalTokens > 0 {
			out.Usage = &Usage{
				PromptTokens:     u.PromptTokens,
				CompletionTokens: u.CompletionTokens,
				TotalTokens:      u.TotalTokens,
			}
		}
		if len(raw.Choices) > 0 {
			sel := raw.Choices[0]
			out.Text = sel.Delta.Content
			out.FinishReason = sel.FinishReason
		}
		if out.Text == "" && out.FinishReason == "" && out.Usage == nil {
			continue
		}
		if err := sb.Add(out); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return wrapOpenAIErr(err)
	}
	return nil
}

func wrapOpenAIErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return &UpstreamError{Err: err}
}
