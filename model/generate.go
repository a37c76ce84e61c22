package model

// Message is one turn of a generation conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is the input to the external text-generation
// capability. Either Prompt or Messages is set; Messages wins when both
// are present.
type GenerateRequest struct {
	System      string    `json:"system,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}
