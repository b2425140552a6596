// Package ollama implements an outbound dialect.OutboundAdapter for Ollama's
// native /api/chat endpoint. Unlike the openai-chat dialect, Ollama's
// streaming format is newline-delimited raw JSON objects rather than SSE
// "data:" frames, and generation parameters, "num_predict" included, live
// under a nested "options" object instead of OpenAI's flat names.
package ollama

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireOptions struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Seed             *uint64  `json:"seed,omitempty"`
	NumPredict       *uint64  `json:"num_predict,omitempty"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *wireOptions  `json:"options,omitempty"`
}

// wireChatLine is the shape of both the single non-streaming response body
// and each line of a streaming response: Ollama reuses the same envelope,
// only flipping "done" to true and populating the eval counters on the
// final line.
type wireChatLine struct {
	Model           string      `json:"model"`
	CreatedAt       string      `json:"created_at"`
	Message         wireMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount uint64      `json:"prompt_eval_count"`
	EvalCount       uint64      `json:"eval_count"`
}
