package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"automation-backend/internal/models"
	"automation-backend/internal/registry"
)

// ChatHandler calls an OpenAI-compatible chat completions endpoint.
type ChatHandler struct {
	Client  *http.Client
	BaseURL string
	APIKey  string
	Model   string
}

type chatRequest struct {
	Model       string                 `json:"model"`
	Messages    []registry.ChatMessage `json:"messages"`
	MaxTokens   *int                   `json:"max_tokens,omitempty"`
	Temperature *float64               `json:"temperature,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      registry.ChatMessage `json:"message"`
		FinishReason string               `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

func (h *ChatHandler) Execute(ctx context.Context, job models.Job) (any, error) {
	if h.APIKey == "" {
		return nil, Fail(models.CodeNotConfigured, "%s requires CHAT_API_KEY", job.Type)
	}
	in, err := decode[registry.ChatGenerateInput](job)
	if err != nil {
		return nil, err
	}
	model := in.Model
	if model == "" {
		model = h.Model
	}
	var messages []registry.ChatMessage
	if in.System != "" {
		messages = append(messages, registry.ChatMessage{Role: "system", Content: in.System})
	}
	messages = append(messages, in.Messages...)
	if in.Prompt != "" {
		messages = append(messages, registry.ChatMessage{Role: "user", Content: in.Prompt})
	}

	payload, err := json.Marshal(chatRequest{Model: model, Messages: messages, MaxTokens: in.MaxTokens, Temperature: in.Temperature})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	endpoint := strings.TrimRight(h.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.APIKey)

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, Fail(models.CodeExecutionFailed, "chat completion returned status %d", resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": string(body)})
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, Fail(models.CodeExecutionFailed, "decode chat response: %v", err)
	}
	if len(out.Choices) == 0 {
		return nil, Fail(models.CodeExecutionFailed, "chat completion returned no choices")
	}
	return map[string]any{
		"model":         out.Model,
		"content":       out.Choices[0].Message.Content,
		"finish_reason": out.Choices[0].FinishReason,
		"usage":         out.Usage,
	}, nil
}
