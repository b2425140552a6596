package openaichat

import (
	"encoding/json"
	"fmt"

	"github.com/modelbridge/gateway/internal/core"
)

// Inbound implements dialect.InboundAdapter for the openai-chat
// client-facing wire format.
type Inbound struct{}

func NewInbound() *Inbound { return &Inbound{} }

func (i *Inbound) Tag() string { return "openai-chat" }

func (i *Inbound) DoneSentinel() string { return "[DONE]" }

func (i *Inbound) ParseRequest(body []byte) (core.CanonicalRequest, error) {
	var w wireRequest
	if err := json.Unmarshal(body, &w); err != nil {
		return core.CanonicalRequest{}, &core.ParseRequestError{Reason: err.Error()}
	}
	if w.Model == "" {
		return core.CanonicalRequest{}, &core.ParseRequestError{Reason: "missing model"}
	}
	if len(w.Messages) == 0 {
		return core.CanonicalRequest{}, &core.ParseRequestError{Reason: "messages must not be empty"}
	}

	messages := make([]core.Message, 0, len(w.Messages))
	for _, m := range w.Messages {
		role, err := parseRole(m.Role)
		if err != nil {
			return core.CanonicalRequest{}, err
		}
		content, err := parseContent(m.Content)
		if err != nil {
			return core.CanonicalRequest{}, err
		}
		messages = append(messages, core.Message{
			Role:       role,
			Content:    content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		})
	}

	params := core.GenerationParams{
		Temperature:      w.Temperature,
		TopP:             w.TopP,
		MaxTokens:        w.MaxTokens,
		Stop:             w.Stop,
		FrequencyPenalty: w.FrequencyPenalty,
		PresencePenalty:  w.PresencePenalty,
		Seed:             w.Seed,
	}

	tools := make([]core.ToolDefinition, 0, len(w.Tools))
	for _, t := range w.Tools {
		tools = append(tools, core.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	toolChoice, err := parseToolChoice(w.ToolChoice)
	if err != nil {
		return core.CanonicalRequest{}, err
	}

	estimated := estimateTokens(body)

	return core.CanonicalRequest{
		Model:      core.ModelId(w.Model),
		Messages:   messages,
		Params:     params,
		Tools:      tools,
		ToolChoice: toolChoice,
		Stream:     w.Stream,
		Metadata: core.RequestMetadata{
			EstimatedInputTokens: estimated,
		},
	}, nil
}

func parseRole(raw string) (core.Role, error) {
	switch raw {
	case "system":
		return core.RoleSystem, nil
	case "user":
		return core.RoleUser, nil
	case "assistant":
		return core.RoleAssistant, nil
	case "tool":
		return core.RoleTool, nil
	default:
		return "", &core.ParseRequestError{Reason: fmt.Sprintf("unknown role %q", raw)}
	}
}

func parseContent(raw json.RawMessage) (core.MessageContent, error) {
	if len(raw) == 0 {
		return core.TextContent(""), nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return core.TextContent(asString), nil
	}
	var asParts []wirePart
	if err := json.Unmarshal(raw, &asParts); err != nil {
		return core.MessageContent{}, &core.ParseRequestError{Reason: "content must be a string or an array of parts"}
	}
	parts := make([]core.ContentPart, 0, len(asParts))
	for _, p := range asParts {
		switch p.Type {
		case "text":
			parts = append(parts, core.ContentPart{Type: core.ContentText, Text: p.Text})
		case "image_url":
			part := core.ContentPart{Type: core.ContentImage}
			if p.ImageURL != nil {
				part.URL = p.ImageURL.URL
				if p.ImageURL.Detail != "" {
					d := core.ImageDetail(p.ImageURL.Detail)
					part.Detail = &d
				}
			}
			parts = append(parts, part)
		default:
			return core.MessageContent{}, &core.ParseRequestError{Reason: fmt.Sprintf("unknown content part type %q", p.Type)}
		}
	}
	return core.PartsContent(parts), nil
}

func parseToolChoice(raw json.RawMessage) (*core.ToolChoice, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		switch asString {
		case "auto":
			return &core.ToolChoice{Mode: core.ToolChoiceAuto}, nil
		case "none":
			return &core.ToolChoice{Mode: core.ToolChoiceNone}, nil
		case "required":
			return &core.ToolChoice{Mode: core.ToolChoiceRequired}, nil
		default:
			return nil, &core.ParseRequestError{Reason: fmt.Sprintf("unknown tool_choice %q", asString)}
		}
	}
	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil {
		return nil, &core.ParseRequestError{Reason: "malformed tool_choice"}
	}
	return &core.ToolChoice{Mode: core.ToolChoiceNamed, Named: named.Function.Name}, nil
}

// estimateTokens follows the gateway-wide convention of using byte length
// over four as a cheap stand-in for a real tokenizer.
func estimateTokens(body []byte) uint64 {
	return uint64(len(body)) / 4
}

func (i *Inbound) FormatResponse(resp core.CanonicalResponse) ([]byte, error) {
	choices := make([]wireChoice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		choices = append(choices, wireChoice{
			Index: c.Index,
			Message: wireMessage{
				Role:    string(c.Message.Role),
				Content: marshalText(c.Message.Content),
			},
			FinishReason: string(c.FinishReason),
		})
	}
	w := wireResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   string(resp.Model),
		Choices: choices,
		Usage: wireUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	return json.Marshal(w)
}

func marshalText(c core.MessageContent) json.RawMessage {
	text := c.Text
	if c.IsParts {
		for _, p := range c.Parts {
			if p.Type == core.ContentText {
				text += p.Text
			}
		}
	}
	b, _ := json.Marshal(text)
	return b
}

func (i *Inbound) FormatStreamChunk(chunk core.CanonicalStreamChunk) (string, bool, error) {
	if len(chunk.Choices) == 0 {
		return "", false, nil
	}
	choices := make([]wireStreamChoice, 0, len(chunk.Choices))
	for _, c := range chunk.Choices {
		delta := wireDelta{}
		var finish *string
		switch c.Delta.Kind {
		case core.DeltaRole:
			delta.Role = string(c.Delta.Role)
		case core.DeltaText:
			delta.Content = c.Delta.Text
		case core.DeltaToolStart:
			delta.ToolCalls = []wireToolCall{{
				Index: c.Delta.ToolCallIndex,
				ID:    c.Delta.ToolCallID,
				Type:  "function",
				Function: wireToolCallFunction{
					Name: c.Delta.ToolCallName,
				},
			}}
		case core.DeltaToolDelta:
			delta.ToolCalls = []wireToolCall{{
				Index: c.Delta.ToolCallIndex,
				Function: wireToolCallFunction{
					Arguments: c.Delta.ToolCallArguments,
				},
			}}
		case core.DeltaFinish:
			s := string(c.Delta.FinishReason)
			finish = &s
		case core.DeltaEmpty:
			// leave delta empty; a chunk with neither content nor finish still has a stable shape
		}
		choices = append(choices, wireStreamChoice{
			Index:        c.Index,
			Delta:        delta,
			FinishReason: finish,
		})
	}
	w := wireStreamChunk{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: chunk.Created,
		Model:   string(chunk.Model),
		Choices: choices,
	}
	if chunk.Usage != nil {
		w.Usage = &wireUsage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}
