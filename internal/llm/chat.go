package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	OpenAIBaseURL   = "https://api.openai.com/v1"
	CerebrasBaseURL = "https://api.cerebras.ai/v1"
)

// ChatClient talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, Cerebras).
type ChatClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	BaseURL    string
	// Name labels errors.
	Name string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionsRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func NewOpenAIClient(apiKey, model string) *ChatClient {
	return newChatClient("openai", OpenAIBaseURL, apiKey, model)
}

func NewCerebrasClient(apiKey, model string) *ChatClient {
	return newChatClient("cerebras", CerebrasBaseURL, apiKey, model)
}

func newChatClient(name, baseURL, apiKey, model string) *ChatClient {
	return &ChatClient{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		BaseURL:    baseURL,
		Name:       name,
	}
}

// Generate answers text following the system instructions.
func (c *ChatClient) Generate(ctx context.Context, text, instructions string) (string, error) {
	messages := []chatMessage{
		{Role: "system", Content: instructions},
		{Role: "user", Content: text},
	}
	return c.complete(ctx, chatCompletionsRequest{Model: c.Model, Messages: messages})
}

// GenerateJSON asks for a JSON object and decodes it into out.
func (c *ChatClient) GenerateJSON(ctx context.Context, system, user string, out any) error {
	answer, err := c.complete(ctx, chatCompletionsRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(answer), out); err != nil {
		return fmt.Errorf("%s: decode json answer: %w", c.Name, err)
	}
	return nil
}

func (c *ChatClient) complete(ctx context.Context, body chatCompletionsRequest) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("%s api key missing", c.Name)
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"

	reqBody, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%s error: status=%d body=%s", c.Name, resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("%s: empty choices", c.Name)
	}
	answer := cr.Choices[0].Message.Content
	return strings.TrimSpace(answer), nil
}
