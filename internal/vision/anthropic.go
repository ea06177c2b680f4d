package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"meshnerd/internal/logging"
)

// AnthropicBackend implements Backend against the Anthropic Messages API.
type AnthropicBackend struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	maxRetries int
	httpClient *http.Client
}

// AnthropicConfig holds configuration for the Anthropic backend.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries int
	Timeout    time.Duration
}

// DefaultAnthropicConfig returns sensible defaults.
func DefaultAnthropicConfig(apiKey string) AnthropicConfig {
	return AnthropicConfig{
		APIKey:     apiKey,
		BaseURL:    "https://api.anthropic.com/v1",
		Model:      "claude-3-7-sonnet-20250219",
		MaxTokens:  1000,
		MaxRetries: 3,
		Timeout:    120 * time.Second,
	}
}

// NewAnthropicBackend creates a backend with default config.
func NewAnthropicBackend(apiKey string) *AnthropicBackend {
	return NewAnthropicBackendWithConfig(DefaultAnthropicConfig(apiKey))
}

// NewAnthropicBackendWithConfig creates a backend with custom config.
func NewAnthropicBackendWithConfig(config AnthropicConfig) *AnthropicBackend {
	return &AnthropicBackend{
		apiKey:     config.APIKey,
		baseURL:    config.BaseURL,
		model:      config.Model,
		maxTokens:  config.MaxTokens,
		maxRetries: config.MaxRetries,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// AnthropicRequest represents the Messages API request.
type AnthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []AnthropicMessage `json:"messages"`
}

// AnthropicMessage represents one turn with ordered content blocks.
type AnthropicMessage struct {
	Role    string                  `json:"role"`
	Content []AnthropicContentBlock `json:"content"`
}

// AnthropicContentBlock is either an image block or a text block.
type AnthropicContentBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *AnthropicImageSource `json:"source,omitempty"`
}

// AnthropicImageSource carries base64 image data.
type AnthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// AnthropicResponse represents the API response.
type AnthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Provider returns the provider label.
func (b *AnthropicBackend) Provider() string { return "anthropic" }

// Model returns the model identifier in use.
func (b *AnthropicBackend) Model() string { return b.model }

// Send submits the images and prompt as one user turn.
func (b *AnthropicBackend) Send(ctx context.Context, images []ImageAttachment, prompt string) (string, error) {
	if b.apiKey == "" {
		return "", fmt.Errorf("API key not configured")
	}

	content := make([]AnthropicContentBlock, 0, len(images)+1)
	for _, img := range images {
		content = append(content, AnthropicContentBlock{
			Type: "image",
			Source: &AnthropicImageSource{
				Type:      "base64",
				MediaType: img.MediaType,
				Data:      base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}
	content = append(content, AnthropicContentBlock{Type: "text", Text: prompt})

	reqBody := AnthropicRequest{
		Model:     b.model,
		MaxTokens: b.maxTokens,
		Messages: []AnthropicMessage{
			{Role: "user", Content: content},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	logging.Vision("anthropic: sending %d images to %s (%d prompt bytes)", len(images), b.model, len(prompt))
	start := time.Now()

	// Retry loop for 429 and transport errors
	var lastErr error
	for i := 0; i <= b.maxRetries; i++ {
		if i > 0 {
			// Exponential backoff: 1s, 2s, 4s
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/messages", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", b.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := b.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			logging.VisionWarn("anthropic: 429 on attempt %d/%d", i+1, b.maxRetries+1)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var anthropicResp AnthropicResponse
		if err := json.Unmarshal(body, &anthropicResp); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}

		if anthropicResp.Error != nil {
			return "", fmt.Errorf("API error: %s", anthropicResp.Error.Message)
		}

		if len(anthropicResp.Content) == 0 {
			return "", fmt.Errorf("no completion returned")
		}

		var result strings.Builder
		for _, block := range anthropicResp.Content {
			if block.Type == "text" {
				result.WriteString(block.Text)
			}
		}

		reply := strings.TrimSpace(result.String())
		logging.Vision("anthropic: reply received in %v (%d bytes, stop=%s)",
			time.Since(start), len(reply), anthropicResp.StopReason)
		return reply, nil
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}
