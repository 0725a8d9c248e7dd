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

// AnthropicClient talks to an Anthropic-style messages API.
type AnthropicClient struct {
	name         string
	endpoint     string
	apiKey       string
	model        string
	costPer1KTok float64
	client       *http.Client
}

// NewAnthropicClient builds a client for an Anthropic-style API.
func NewAnthropicClient(name, endpoint, apiKey, model string, costPer1KTok float64) *AnthropicClient {
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	return &AnthropicClient{
		name:         name,
		endpoint:     endpoint,
		apiKey:       apiKey,
		model:        model,
		costPer1KTok: costPer1KTok,
		client:       &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *AnthropicClient) Name() string { return c.name }

type anthropicRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Execute sends the task prompt as a single-turn message.
func (c *AnthropicClient) Execute(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	start := time.Now()

	maxTokens := task.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	body, _ := json.Marshal(anthropicRequest{
		Model:     c.model,
		Messages:  []chatMessage{{Role: "user", Content: task.Prompt}},
		MaxTokens: maxTokens,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

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

	var resp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return failedResult(task, c.name, start, fmt.Sprintf("decode response: %v", err)), nil
	}

	content := ""
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	totalTokens := resp.Usage.InputTokens + resp.Usage.OutputTokens

	return &models.TaskResult{
		TaskID:        task.ID,
		TenantID:      task.TenantID,
		Success:       true,
		Content:       content,
		Cost:          float64(totalTokens) / 1000.0 * c.costPer1KTok,
		ProviderUsed:  c.name,
		ExecutionSecs: time.Since(start).Seconds(),
		TokensUsed:    totalTokens,
		CompletedAt:   time.Now().UTC(),
	}, nil
}
