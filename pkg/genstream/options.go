package genstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"

	"github.com/achcyano/mindisle-server/pkg/chat"
)

// optionCount is the number of quick replies every turn resolves to.
const optionCount = 3

// maxOptionLabelRunes bounds a quick-reply label, counted in code points.
const maxOptionLabelRunes = 24

var errNoOptionsBlock = errors.New("genstream: no usable options block")

// defaultOptions is the last-resort tier when both the primary block and the
// fallback call fail.
var defaultOptions = [optionCount]string{
	"Tell me more",
	"Why is that?",
	"Let's move on",
}

const optionsFallbackPrompt = `Given the assistant reply below, suggest exactly three short follow-up ` +
	`replies the user could send next. Respond with JSON only, in the form ` +
	`{"options":["...","...","..."]}. Each option must be at most 24 characters. No other text.`

// optionsSchema constrains the fallback call's reply to options-only JSON.
// Shaped for strict structured outputs: closed object, every field required.
var optionsSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"options": {
			Type:  "array",
			Items: &jsonschema.Schema{Type: "string"},
		},
	},
	Required:             []string{"options"},
	AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
}

// OptionResolver derives exactly three quick-reply suggestions from a
// generation's raw output. Tiers, in order: the trailing options block the
// model was prompted to emit, one fallback call constrained to options-only
// JSON, and finally a fixed default set.
type OptionResolver struct {
	Upstream chat.Streamer
	Model    string
	Logger   *slog.Logger
}

// Resolve returns exactly optionCount options plus their provenance tier.
// It never fails; lower tiers absorb every error.
func (r *OptionResolver) Resolve(ctx context.Context, rawOutput string) ([]Option, string) {
	if labels, err := parseOptionsBlock(rawOutput); err == nil {
		return makeOptions(labels), OptionSourcePrimary
	} else if !errors.Is(err, errNoOptionsBlock) {
		r.logger().Debug("primary options block rejected", "err", err)
	}

	if labels, err := r.fallback(ctx, rawOutput); err == nil {
		return makeOptions(labels), OptionSourceFallback
	} else {
		r.logger().Warn("options fallback call failed", "err", err)
	}

	return makeOptions(defaultOptions[:]), OptionSourceDefault
}

func (r *OptionResolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// fallback issues one options-only generation call and extracts labels from
// its reply, brace-scanning if the reply is not pure JSON.
func (r *OptionResolver) fallback(ctx context.Context, rawOutput string) ([]string, error) {
	if r.Upstream == nil {
		return nil, errors.New("genstream: no upstream for options fallback")
	}
	stream, err := r.Upstream.StreamChat(ctx, chat.Request{
		Model: r.Model,
		Messages: []chat.Message{
			{Role: chat.RoleSystem, Content: optionsFallbackPrompt},
			{Role: chat.RoleUser, Content: rawOutput},
		},
		Temperature:    0.3,
		MaxTokens:      256,
		ResponseSchema: optionsSchema,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		c, err := stream.Next()
		if err != nil {
			if errors.Is(err, chat.ErrDone) {
				break
			}
			return nil, err
		}
		sb.WriteString(c.Text)
	}
	return extractOptionLabels(sb.String())
}

// parseOptionsBlock finds the trailing <OPTIONS_JSON> block in the raw
// model output and validates its labels.
func parseOptionsBlock(raw string) ([]string, error) {
	start := strings.LastIndex(raw, optionsStartMarker)
	if start < 0 {
		return nil, errNoOptionsBlock
	}
	body := raw[start+len(optionsStartMarker):]
	if end := strings.Index(body, optionsEndMarker); end >= 0 {
		body = body[:end]
	}
	return extractOptionLabels(body)
}

// extractOptionLabels parses an options JSON document leniently: malformed
// JSON goes through jsonrepair, and replies with surrounding prose are
// brace-scanned down to the outermost JSON value first.
func extractOptionLabels(text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errNoOptionsBlock
	}

	var doc struct {
		Options []string `json:"options"`
	}
	if err := lenientUnmarshal(text, &doc); err != nil {
		scanned, ok := scanBraces(text)
		if !ok {
			return nil, fmt.Errorf("genstream: options block not JSON: %w", err)
		}
		if err := lenientUnmarshal(scanned, &doc); err != nil {
			return nil, fmt.Errorf("genstream: options block not JSON: %w", err)
		}
	}

	labels := validOptionLabels(doc.Options)
	if len(labels) < optionCount {
		return nil, fmt.Errorf("genstream: %d valid options, need %d", len(labels), optionCount)
	}
	return labels[:optionCount], nil
}

// lenientUnmarshal unmarshals JSON, repairing it first on syntax errors.
func lenientUnmarshal(text string, v any) error {
	err := json.Unmarshal([]byte(text), v)
	if err == nil {
		return nil
	}
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		fixed, rerr := jsonrepair.JSONRepair(text)
		if rerr != nil {
			return err
		}
		return json.Unmarshal([]byte(fixed), v)
	}
	return err
}

// scanBraces cuts text down to the first balanced top-level JSON object.
func scanBraces(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// validOptionLabels trims, filters, and deduplicates labels. A label must be
// non-blank, free of control characters, and at most maxOptionLabelRunes
// code points; duplicates keep the first occurrence.
func validOptionLabels(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, label := range raw {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		if strings.ContainsFunc(label, unicode.IsControl) {
			continue
		}
		if utf8.RuneCountInString(label) > maxOptionLabelRunes {
			continue
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	return out
}

// makeOptions assigns stable synthetic ids by position.
func makeOptions(labels []string) []Option {
	out := make([]Option, len(labels))
	for i, label := range labels {
		out[i] = Option{ID: fmt.Sprintf("opt_%d", i+1), Label: label}
	}
	return out
}
