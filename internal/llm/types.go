package llm

import "fmt"

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral completion request. Zero values fall
// back to the configured model defaults.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
	// JSON asks the provider for a JSON-only reply where supported.
	JSON bool
}

// ChatRequest is the OpenAI-compatible wire request.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatResponse is the OpenAI-compatible wire response.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *APIError `json:"error,omitempty"`
}

// APIError is the provider-reported error payload.
type APIError struct {
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       any    `json:"code,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm api error: %s", e.Message)
}

// Temporary reports whether a retry could plausibly succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
