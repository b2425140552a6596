package openaichat

import (
	"encoding/json"
	"strings"

	"github.com/modelbridge/gateway/internal/core"
)

// Outbound implements dialect.OutboundAdapter against an openai-compatible
// backend's /v1/chat/completions endpoint.
type Outbound struct{}

func NewOutbound() *Outbound { return &Outbound{} }

func (o *Outbound) Spec() core.BackendSpec { return core.BackendSpecOpenAIChat }

func (o *Outbound) InferencePath() string { return "/v1/chat/completions" }

func (o *Outbound) ExtraHeaders(backend core.BackendInfo) map[string]string {
	return nil
}

func (o *Outbound) BuildRequestBody(req core.CanonicalRequest) ([]byte, error) {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		b, _ := json.Marshal(flattenText(m.Content))
		messages = append(messages, wireMessage{
			Role:       string(m.Role),
			Content:    b,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		})
	}

	tools := make([]wireTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		wt := wireTool{Type: "function"}
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		tools = append(tools, wt)
	}

	var toolChoice json.RawMessage
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case core.ToolChoiceNamed:
			named := map[string]any{
				"type":     "function",
				"function": map[string]string{"name": req.ToolChoice.Named},
			}
			toolChoice, _ = json.Marshal(named)
		default:
			toolChoice, _ = json.Marshal(req.ToolChoice.Mode)
		}
	}

	w := wireRequest{
		Model:            string(req.Model),
		Messages:         messages,
		Temperature:      req.Params.Temperature,
		TopP:             req.Params.TopP,
		MaxTokens:        req.Params.MaxTokens,
		Stop:             req.Params.Stop,
		FrequencyPenalty: req.Params.FrequencyPenalty,
		PresencePenalty:  req.Params.PresencePenalty,
		Seed:             req.Params.Seed,
		Tools:            tools,
		ToolChoice:       toolChoice,
		Stream:           req.Stream,
	}
	return json.Marshal(w)
}

// flattenText collapses multi-part content down to its text, since the
// outbound request only ever carries text back out to another chat backend.
func flattenText(c core.MessageContent) string {
	if !c.IsParts {
		return c.Text
	}
	var sb strings.Builder
	for _, p := range c.Parts {
		if p.Type == core.ContentText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func (o *Outbound) ParseResponse(body []byte) (core.CanonicalResponse, error) {
	var w wireResponse
	if err := json.Unmarshal(body, &w); err != nil {
		return core.CanonicalResponse{}, &core.ParseRequestError{Reason: err.Error()}
	}
	choices := make([]core.Choice, 0, len(w.Choices))
	for _, c := range w.Choices {
		content, err := parseContent(c.Message.Content)
		if err != nil {
			return core.CanonicalResponse{}, err
		}
		choices = append(choices, core.Choice{
			Index: c.Index,
			Message: core.Message{
				Role:    core.Role(c.Message.Role),
				Content: content,
			},
			FinishReason: core.FinishReason(c.FinishReason),
		})
	}
	return core.CanonicalResponse{
		ID:      w.ID,
		Model:   core.ModelId(w.Model),
		Choices: choices,
		Created: w.Created,
		Usage: core.TokenUsage{
			PromptTokens:     w.Usage.PromptTokens,
			CompletionTokens: w.Usage.CompletionTokens,
			TotalTokens:      w.Usage.TotalTokens,
		},
	}, nil
}

func (o *Outbound) ParseStreamLine(line string) (core.CanonicalStreamChunk, bool, error) {
	if line == "[DONE]" {
		return core.CanonicalStreamChunk{}, false, nil
	}
	var w wireStreamChunk
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return core.CanonicalStreamChunk{}, false, &core.ParseRequestError{Reason: err.Error()}
	}
	choices := make([]core.StreamChoice, 0, len(w.Choices))
	for _, c := range w.Choices {
		if c.FinishReason != nil {
			choices = append(choices, core.StreamChoice{
				Index: c.Index,
				Delta: core.DeltaContent{Kind: core.DeltaFinish, FinishReason: core.FinishReason(*c.FinishReason)},
			})
			continue
		}
		switch {
		case c.Delta.Role != "":
			choices = append(choices, core.StreamChoice{
				Index: c.Index,
				Delta: core.DeltaContent{Kind: core.DeltaRole, Role: core.Role(c.Delta.Role)},
			})
		case c.Delta.Content != "":
			choices = append(choices, core.StreamChoice{
				Index: c.Index,
				Delta: core.DeltaContent{Kind: core.DeltaText, Text: c.Delta.Content},
			})
		case len(c.Delta.ToolCalls) > 0:
			for _, tc := range c.Delta.ToolCalls {
				if tc.ID != "" || tc.Function.Name != "" {
					choices = append(choices, core.StreamChoice{
						Index: c.Index,
						Delta: core.DeltaContent{
							Kind:          core.DeltaToolStart,
							ToolCallIndex: tc.Index,
							ToolCallID:    tc.ID,
							ToolCallName:  tc.Function.Name,
						},
					})
				}
				if tc.Function.Arguments != "" {
					choices = append(choices, core.StreamChoice{
						Index: c.Index,
						Delta: core.DeltaContent{
							Kind:              core.DeltaToolDelta,
							ToolCallIndex:     tc.Index,
							ToolCallArguments: tc.Function.Arguments,
						},
					})
				}
			}
		default:
			choices = append(choices, core.StreamChoice{Index: c.Index, Delta: core.DeltaContent{Kind: core.DeltaEmpty}})
		}
	}
	chunk := core.CanonicalStreamChunk{
		ID:      w.ID,
		Model:   core.ModelId(w.Model),
		Created: w.Created,
		Choices: choices,
	}
	if w.Usage != nil {
		chunk.Usage = &core.TokenUsage{
			PromptTokens:     w.Usage.PromptTokens,
			CompletionTokens: w.Usage.CompletionTokens,
			TotalTokens:      w.Usage.TotalTokens,
		}
	}
	return chunk, true, nil
}
