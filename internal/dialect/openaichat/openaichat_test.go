package openaichat

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelbridge/gateway/internal/core"
)

func TestParseRequestBasic(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	req, err := NewInbound().ParseRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Model != "gpt-4o" {
		t.Fatalf("model = %q", req.Model)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content.Text != "hi" {
		t.Fatalf("unexpected messages: %+v", req.Messages)
	}
}

func TestParseRequestMissingModel(t *testing.T) {
	_, err := NewInbound().ParseRequest([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	if err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestParseRequestMultipartContentKeepsImagePart(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":[
		{"type":"text","text":"look at this"},
		{"type":"image_url","image_url":{"url":"https://x/y.png"}}
	]}]}`)
	req, err := NewInbound().ParseRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !req.Messages[0].Content.IsParts || len(req.Messages[0].Content.Parts) != 2 {
		t.Fatalf("unexpected content: %+v", req.Messages[0].Content)
	}
}

func TestParseRequestUnknownRole(t *testing.T) {
	_, err := NewInbound().ParseRequest([]byte(`{"model":"m","messages":[{"role":"narrator","content":"x"}]}`))
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestFormatResponseRoundTrip(t *testing.T) {
	resp := core.CanonicalResponse{
		ID:    "resp-1",
		Model: "gpt-4o",
		Choices: []core.Choice{{
			Index:        0,
			Message:      core.Message{Role: core.RoleAssistant, Content: core.TextContent("hello")},
			FinishReason: core.FinishStop,
		}},
		Usage: core.TokenUsage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	}
	out, err := NewInbound().FormatResponse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out), `"content":"hello"`) {
		t.Fatalf("unexpected body: %s", out)
	}
}

func TestFormatStreamChunkEmptyChoicesNotOk(t *testing.T) {
	_, ok, err := NewInbound().FormatStreamChunk(core.CanonicalStreamChunk{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for an empty chunk")
	}
}

func TestFormatStreamChunkTextDelta(t *testing.T) {
	chunk := core.CanonicalStreamChunk{
		ID:    "c1",
		Model: "gpt-4o",
		Choices: []core.StreamChoice{{
			Index: 0,
			Delta: core.DeltaContent{Kind: core.DeltaText, Text: "hi"},
		}},
	}
	out, ok, err := NewInbound().FormatStreamChunk(chunk)
	if err != nil || !ok {
		t.Fatalf("unexpected result: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(out, `"content":"hi"`) {
		t.Fatalf("unexpected chunk: %s", out)
	}
}

func TestOutboundBuildRequestBody(t *testing.T) {
	req := core.CanonicalRequest{
		Model:    "gpt-4o",
		Messages: []core.Message{{Role: core.RoleUser, Content: core.TextContent("hi")}},
	}
	body, err := NewOutbound().BuildRequestBody(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("not valid json: %v", err)
	}
	if decoded["model"] != "gpt-4o" {
		t.Fatalf("unexpected model: %v", decoded["model"])
	}
}

func TestOutboundParseStreamLineDone(t *testing.T) {
	_, ok, err := NewOutbound().ParseStreamLine("[DONE]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for [DONE]")
	}
}

func TestOutboundParseStreamLineFinish(t *testing.T) {
	line := `{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`
	chunk, ok, err := NewOutbound().ParseStreamLine(line)
	if err != nil || !ok {
		t.Fatalf("unexpected result: ok=%v err=%v", ok, err)
	}
	if !chunk.HasFinish() {
		t.Fatal("expected HasFinish() to be true")
	}
}

func TestOutboundParseResponse(t *testing.T) {
	body := []byte(`{"id":"r1","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	resp, err := NewOutbound().ParseResponse(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content.Text != "hi" {
		t.Fatalf("unexpected content: %+v", resp.Choices[0].Message.Content)
	}
}
