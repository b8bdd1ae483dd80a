package chat

import (
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"google.golang.org/genai"
)

func TestGeminiConvSchema(t *testing.T) {
	in := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"options": {
				Type:  "array",
				Items: &jsonschema.Schema{Type: "string"},
			},
			"count": {Type: "integer"},
		},
		Required: []string{"options"},
	}
	got := geminiConvSchema(in)
	if got.Type != genai.TypeObject {
		t.Fatalf("type = %v", got.Type)
	}
	if len(got.Required) != 1 || got.Required[0] != "options" {
		t.Fatalf("required = %v", got.Required)
	}
	opts := got.Properties["options"]
	if opts == nil || opts.Type != genai.TypeArray || opts.Items.Type != genai.TypeString {
		t.Fatalf("options schema = %+v", opts)
	}
	if got.Properties["count"].Type != genai.TypeInteger {
		t.Fatalf("count schema = %+v", got.Properties["count"])
	}
}

func TestGeminiConvSchemaNil(t *testing.T) {
	if geminiConvSchema(nil) != nil {
		t.Fatal("nil schema must stay nil")
	}
}
