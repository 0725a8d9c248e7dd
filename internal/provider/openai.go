package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
// Perplexity-style APIs use the same wire format, so a second instance
// with a different name and endpoint covers them too.
type OpenAIClient struct {
	name         string
	endpoint     string
	apiKey       string
	model        string
	costPer1KTok float64
	client       *http.Client
}

// NewOpenAIClient builds a client for an OpenAI-compatible API.
func NewOpenAIClient(name, endpoint, apiKey, model string, costPer1KTok float64) *OpenAIClient {
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		name:         name,
		endpoint:     endpoint,
		apiKey:       apiKey,
		model:        model,
		costPer1KTok: costPer1KTok,
		client:       &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *OpenAIClient) Name() string { return c.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Execute sends the task prompt as a single-turn chat completion.
func (c *OpenAIClient) Execute(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	start := time.Now()

	body, _ := json.Marshal(chatRequest{
		Model:     c.model,
		Messages:  []chatMessage{{Role: "user", Content: task.Prompt}},
		MaxTokens: task.MaxTokens,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return failedResult(task, c.name, start, fmt.Sprintf("request failed: %v", err)), nil
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return failedResult(task, c.name, start,
			fmt.Sprintf("status %d: %s", httpResp.StatusCode, string(respBody))), nil
	}

	var resp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return failedResult(task, c.name, start, fmt.Sprintf("decode response: %v", err)), nil
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &models.TaskResult{
		TaskID:        task.ID,
		TenantID:      task.TenantID,
		Success:       true,
		Content:       content,
		Cost:          float64(resp.Usage.TotalTokens) / 1000.0 * c.costPer1KTok,
		ProviderUsed:  c.name,
		ExecutionSecs: time.Since(start).Seconds(),
		TokensUsed:    resp.Usage.TotalTokens,
		CompletedAt:   time.Now().UTC(),
	}, nil
}

// failedResult maps an ordinary provider failure to an unsuccessful
// TaskResult rather than an error.
func failedResult(task *models.Task, providerName string, start time.Time, msg string) *models.TaskResult {
	return &models.TaskResult{
		TaskID:        task.ID,
		TenantID:      task.TenantID,
		Success:       false,
		ProviderUsed:  providerName,
		ExecutionSecs: time.Since(start).Seconds(),
		CompletedAt:   time.Now().UTC(),
		ErrorMessage:  msg,
	}
}
