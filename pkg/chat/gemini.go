package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/genai"
)

var _ Streamer = (*GeminiStreamer)(nil)

// GeminiStreamer implements Streamer on the Google Gemini API.
type GeminiStreamer struct {
	Client *genai.Client

	// Model should not start with "models/".
	Model string
}

func (g *GeminiStreamer) StreamChat(ctx context.Context, req Request) (Stream, error) {
	model := req.Model
	if model == "" {
		model = g.Model
	}
	if model == "" {
		return nil, errors.New("chat: no model configured")
	}

	cfg := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(req.Temperature)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.ResponseSchema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = geminiConvSchema(req.ResponseSchema)
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if cfg.SystemInstruction == nil {
				cfg.SystemInstruction = &genai.Content{}
			}
			cfg.SystemInstruction.Parts = append(cfg.SystemInstruction.Parts, &genai.Part{Text: m.Content})
		case RoleUser:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		case RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		default:
			return nil, fmt.Errorf("chat: unexpected message role: %s", m.Role)
		}
	}
	if len(contents) == 0 {
		return nil, errors.New("chat: no messages")
	}

	sb := NewStreamBuilder(32)
	go func() {
		if err := geminiPull(sb, g.Client.Models.GenerateContentStream(ctx, model, contents, cfg)); err != nil {
			sb.Abort(err)
			return
		}
		sb.Done()
	}()
	return sb.Stream(), nil
}

func geminiPull(sb *StreamBuilder, itr iter.Seq2[*genai.GenerateContentResponse, error]) error {
	for resp, err := range itr {
		if err != nil {
			return wrapGeminiErr(err)
		}
		out := &Chunk{}
		if u := resp.UsageMetadata; u != nil && u.TotalTokenCount > 0 {
			out.Usage = &Usage{
				PromptTokens:     int64(u.PromptTokenCount),
				CompletionTokens: int64(u.CandidatesTokenCount),
				TotalTokens:      int64(u.TotalTokenCount),
			}
		}
		if len(resp.Candidates) > 0 {
			sel := resp.Candidates[0]
			if sel.Content != nil {
				for _, p := range sel.Content.Parts {
					out.Text += p.Text
				}
			}
			switch sel.FinishReason {
			case genai.FinishReasonUnspecified, "":
			case genai.FinishReasonStop:
				out.FinishReason = "stop"
			case genai.FinishReasonMaxTokens:
				out.FinishReason = "length"
			case genai.FinishReasonSafety, genai.FinishReasonRecitation:
				out.FinishReason = "content_filter"
			default:
				out.FinishReason = string(sel.FinishReason)
			}
		}
		if out.Text == "" && out.FinishReason == "" && out.Usage == nil {
			continue
		}
		if err := sb.Add(out); err != nil {
			return err
		}
	}
	return nil
}

func wrapGeminiErr(err error) error {
	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPCode() == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		if u := apiErr.Unwrap(); u != nil {
			err = u
		}
	}
	return &UpstreamError{Err: err}
}

func geminiConvSchema(schema *jsonschema.Schema) *genai.Schema {
	if schema == nil {
		return nil
	}

	gs := genai.Schema{
		Format:      schema.Format,
		Description: schema.Description,
		Items:       geminiConvSchema(schema.Items),
		Required:    schema.Required,
	}
	for _, v := range schema.Enum {
		gs.Enum = append(gs.Enum, fmt.Sprintf("%v", v))
	}
	if n := len(schema.Properties); n > 0 {
		gs.Properties = make(map[string]*genai.Schema, n)
		for k, prop := range schema.Properties {
			gs.Properties[k] = geminiConvSchema(prop)
		}
	}
	switch schema.Type {
	case "object":
		gs.Type = genai.TypeObject
	case "array":
		gs.Type = genai.TypeArray
	case "string":
		gs.Type = genai.TypeString
	case "number":
		gs.Type = genai.TypeNumber
	case "integer":
		gs.Type = genai.TypeInteger
	case "boolean":
		gs.Type = genai.TypeBoolean
	}
	return &gs
}
