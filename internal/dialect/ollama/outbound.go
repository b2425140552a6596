package ollama

import (
	"encoding/json"
	"strings"

	"github.com/modelbridge/gateway/internal/core"
)

// Outbound implements dialect.OutboundAdapter for Ollama's native API.
type Outbound struct{}

func NewOutbound() *Outbound { return &Outbound{} }

func (o *Outbound) Spec() core.BackendSpec { return core.BackendSpecOllama }

func (o *Outbound) InferencePath() string { return "/api/chat" }

func (o *Outbound) ExtraHeaders(backend core.BackendInfo) map[string]string {
	return nil
}

func (o *Outbound) BuildRequestBody(req core.CanonicalRequest) ([]byte, error) {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, wireMessage{Role: string(m.Role), Content: flattenText(m.Content)})
	}

	opts := &wireOptions{
		Temperature:      req.Params.Temperature,
		TopP:             req.Params.TopP,
		Stop:             req.Params.Stop,
		FrequencyPenalty: req.Params.FrequencyPenalty,
		PresencePenalty:  req.Params.PresencePenalty,
		Seed:             req.Params.Seed,
	}
	if req.Params.MaxTokens != nil {
		opts.NumPredict = req.Params.MaxTokens
	}

	w := wireRequest{
		Model:    string(req.Model),
		Messages: messages,
		Stream:   req.Stream,
		Options:  opts,
	}
	return json.Marshal(w)
}

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
	var w wireChatLine
	if err := json.Unmarshal(body, &w); err != nil {
		return core.CanonicalResponse{}, &core.ParseRequestError{Reason: err.Error()}
	}
	return core.CanonicalResponse{
		Model: core.ModelId(w.Model),
		Choices: []core.Choice{{
			Index:        0,
			Message:      core.Message{Role: core.RoleAssistant, Content: core.TextContent(w.Message.Content)},
			FinishReason: core.FinishStop,
		}},
		Usage: core.TokenUsage{
			PromptTokens:     w.PromptEvalCount,
			CompletionTokens: w.EvalCount,
			TotalTokens:      w.PromptEvalCount + w.EvalCount,
		},
	}, nil
}

// ParseStreamLine parses one raw JSON line of Ollama's native streaming
// response. Every line but the last carries an incremental message.content
// delta; the line with "done": true carries no further content and closes
// the choice with a stop reason plus final token accounting.
func (o *Outbound) ParseStreamLine(line string) (core.CanonicalStreamChunk, bool, error) {
	var w wireChatLine
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return core.CanonicalStreamChunk{}, false, &core.ParseRequestError{Reason: err.Error()}
	}

	if w.Done {
		chunk := core.CanonicalStreamChunk{
			Model: core.ModelId(w.Model),
			Choices: []core.StreamChoice{{
				Index: 0,
				Delta: core.DeltaContent{Kind: core.DeltaFinish, FinishReason: core.FinishStop},
			}},
			Usage: &core.TokenUsage{
				PromptTokens:     w.PromptEvalCount,
				CompletionTokens: w.EvalCount,
				TotalTokens:      w.PromptEvalCount + w.EvalCount,
			},
		}
		return chunk, true, nil
	}

	chunk := core.CanonicalStreamChunk{
		Model: core.ModelId(w.Model),
		Choices: []core.StreamChoice{{
			Index: 0,
			Delta: core.DeltaContent{Kind: core.DeltaText, Text: w.Message.Content},
		}},
	}
	return chunk, true, nil
}
