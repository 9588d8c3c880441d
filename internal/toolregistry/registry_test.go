package toolregistry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func echoHandler(_ context.Context, args json.RawMessage, _ map[string]any) (json.RawMessage, error) {
	return args, nil
}

func searchDescriptor() Descriptor {
	return Descriptor{
		Name:        "web_search",
		Category:    "research",
		Description: "search the web for a query",
		Parameters: []Param{
			{Name: "query", Type: "string", Required: true, Description: "the search query"},
			{Name: "max_results", Type: "integer", Default: 5},
		},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New()
	if err := r.Register(searchDescriptor(), echoHandler); err != nil {
		t.Fatalf("unexpected error registering tool: %v", err)
	}
	d, ok := r.Get("web_search")
	if !ok {
		t.Fatalf("expected web_search to be registered")
	}
	if d.Category != "research" {
		t.Fatalf("unexpected category: %s", d.Category)
	}
}

func TestRegistry_ListByCategoryAndSearch(t *testing.T) {
	r := New()
	_ = r.Register(searchDescriptor(), echoHandler)
	_ = r.Register(Descriptor{Name: "send_email", Category: "comms", Description: "send an email"}, echoHandler)

	if got := r.ListByCategory("research"); len(got) != 1 || got[0].Name != "web_search" {
		t.Fatalf("expected one research tool, got %+v", got)
	}
	if got := r.Search("email"); len(got) != 1 || got[0].Name != "send_email" {
		t.Fatalf("expected search to find send_email, got %+v", got)
	}
	if got := r.Categories(); len(got) != 2 {
		t.Fatalf("expected two categories, got %v", got)
	}
}

func TestRegistry_RenderSchemas_MapsParameterTypes(t *testing.T) {
	r := New()
	_ = r.Register(searchDescriptor(), echoHandler)

	schemas := r.RenderSchemas()
	if len(schemas) != 1 {
		t.Fatalf("expected one rendered schema, got %d", len(schemas))
	}
	s := schemas[0]
	if s.Type != "function" || s.Function.Name != "web_search" {
		t.Fatalf("unexpected rendered schema: %+v", s)
	}
	var params map[string]any
	if err := json.Unmarshal(s.Function.Parameters, &params); err != nil {
		t.Fatalf("unexpected error unmarshaling parameters: %v", err)
	}
	props := params["properties"].(map[string]any)
	query := props["query"].(map[string]any)
	if query["type"] != "string" {
		t.Fatalf("expected query to be typed string, got %v", query["type"])
	}
	maxResults := props["max_results"].(map[string]any)
	if maxResults["type"] != "integer" || maxResults["default"] != float64(5) {
		t.Fatalf("expected max_results default of 5, got %+v", maxResults)
	}
	required, ok := params["required"].([]any)
	if !ok || len(required) != 1 || required[0] != "query" {
		t.Fatalf("expected query to be required, got %v", params["required"])
	}
}

func TestRegistry_ArrayParameterRendersItemsOfString(t *testing.T) {
	r := New()
	_ = r.Register(Descriptor{
		Name: "batch_tool",
		Parameters: []Param{
			{Name: "ids", Type: "array"},
		},
	}, echoHandler)

	schemas := r.RenderSchemas()
	var params map[string]any
	_ = json.Unmarshal(schemas[0].Function.Parameters, &params)
	ids := params["properties"].(map[string]any)["ids"].(map[string]any)
	if ids["type"] != "array" {
		t.Fatalf("expected array type, got %v", ids["type"])
	}
	items := ids["items"].(map[string]any)
	if items["type"] != "string" {
		t.Fatalf("expected array items typed string, got %v", items["type"])
	}
}

func TestRegistry_Execute_UnknownToolErrors(t *testing.T) {
	r := New()
	_, err := r.Execute(context.Background(), "missing", nil, nil)
	if err == nil {
		t.Fatalf("expected an error for an unregistered tool")
	}
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestRegistry_Execute_ValidatesArgumentsAgainstSchema(t *testing.T) {
	r := New()
	_ = r.Register(searchDescriptor(), echoHandler)

	if _, err := r.Execute(context.Background(), "web_search", json.RawMessage(`{"max_results": 3}`), nil); err == nil {
		t.Fatalf("expected a validation error for a missing required field")
	}
	out, err := r.Execute(context.Background(), "web_search", json.RawMessage(`{"query": "go"}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"query": "go"}` {
		t.Fatalf("unexpected handler output: %s", out)
	}
}

func TestRegistry_RegisterRejectsUncompilableSchema(t *testing.T) {
	r := New()
	err := r.Register(Descriptor{Name: "bad", Parameters: []Param{{Name: "x", Type: "not-a-real-type"}}}, echoHandler)
	if err != nil {
		t.Fatalf("unexpected error: unknown types fall back to string, got %v", err)
	}
}
