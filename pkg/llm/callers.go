package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// StatusError is a non-200 provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Code, e.Body)
}

// Temporary reports whether the call is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

func maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return 1024
}

// --- OpenAI caller ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat *openAIRespFormat `json:"response_format,omitempty"`
}

type openAIRespFormat struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func openAICaller(apiKey, model, baseURL string, timeout time.Duration) CallFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, req Request) (string, error) {
		body := openAIRequest{
			Model:     model,
			Messages:  messages(req),
			MaxTokens: maxTokens(req),
		}
		if req.JSON {
			body.ResponseFormat = &openAIRespFormat{Type: "json_object"}
		}

		var out openAIResponse
		if err := postJSON(ctx, client, baseURL+"/v1/chat/completions",
			map[string]string{"Authorization": "Bearer " + apiKey}, body, &out); err != nil {
			return "", fmt.Errorf("openai: %w", err)
		}
		if len(out.Choices) == 0 {
			return "", errors.New("openai returned no choices")
		}
		return out.Choices[0].Message.Content, nil
	}
}

func messages(req Request) []chatMessage {
	var msgs []chatMessage
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	return append(msgs, chatMessage{Role: "user", Content: req.Prompt})
}

// --- Anthropic caller ---

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func anthropicCaller(apiKey, model, baseURL string, timeout time.Duration) CallFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, req Request) (string, error) {
		prompt := req.Prompt
		if req.JSON {
			prompt += "\n\nReturn ONLY valid JSON, no markdown or extra text."
		}

		var out anthropicResponse
		if err := postJSON(ctx, client, baseURL+"/v1/messages",
			map[string]string{"x-api-key": apiKey, "anthropic-version": "2023-06-01"},
			anthropicRequest{
				Model:     model,
				MaxTokens: maxTokens(req),
				System:    req.System,
				Messages:  []chatMessage{{Role: "user", Content: prompt}},
			}, &out); err != nil {
			return "", fmt.Errorf("anthropic: %w", err)
		}
		for _, c := range out.Content {
			if c.Type == "text" {
				return c.Text, nil
			}
		}
		return "", errors.New("anthropic returned no text content")
	}
}

// --- Ollama caller ---

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Message chatMessage `json:"message"`
}

func ollamaCaller(model, baseURL string, timeout time.Duration) CallFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, req Request) (string, error) {
		body := ollamaChatRequest{
			Model:    model,
			Messages: messages(req),
		}
		if req.JSON {
			body.Format = "json"
		}

		var out ollamaChatResponse
		if err := postJSON(ctx, client, baseURL+"/api/chat", nil, body, &out); err != nil {
			return "", fmt.Errorf("ollama: %w", err)
		}
		return out.Message.Content, nil
	}
}
