package vision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"meshnerd/internal/logging"
)

// GeminiBackend implements Backend using Google's GenAI SDK.
type GeminiBackend struct {
	client          *genai.Client
	model           string
	temperature     float32
	topP            float32
	topK            float32
	maxOutputTokens int32
}

// GeminiConfig holds configuration for the Gemini backend.
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int32
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:          apiKey,
		Model:           "gemini-2.0-flash",
		Temperature:     0.1,
		TopP:            0.5,
		TopK:            32,
		MaxOutputTokens: 2048,
	}
}

// NewGeminiBackend creates a backend with default config.
func NewGeminiBackend(apiKey string) (*GeminiBackend, error) {
	return NewGeminiBackendWithConfig(DefaultGeminiConfig(apiKey))
}

// NewGeminiBackendWithConfig creates a backend with custom config.
func NewGeminiBackendWithConfig(config GeminiConfig) (*GeminiBackend, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}

	if config.Model == "" {
		config.Model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiBackend{
		client:          client,
		model:           config.Model,
		temperature:     config.Temperature,
		topP:            config.TopP,
		topK:            config.TopK,
		maxOutputTokens: config.MaxOutputTokens,
	}, nil
}

// Provider returns the provider label.
func (b *GeminiBackend) Provider() string { return "gemini" }

// Model returns the model identifier in use.
func (b *GeminiBackend) Model() string { return b.model }

// Send submits the images and prompt as one user turn.
//
// Safety filters are disabled for all four harm categories. The model
// describes machined parts and emits code, which trips over-eager
// dangerous-content heuristics often enough to matter.
func (b *GeminiBackend) Send(ctx context.Context, images []ImageAttachment, prompt string) (string, error) {
	parts := make([]*genai.Part, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MediaType))
	}
	parts = append(parts, genai.NewPartFromText(prompt))

	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	genConfig := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](b.temperature),
		TopP:            genai.Ptr[float32](b.topP),
		TopK:            genai.Ptr[float32](b.topK),
		MaxOutputTokens: b.maxOutputTokens,
		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
		},
	}

	logging.Vision("gemini: sending %d images to %s (%d prompt bytes)", len(images), b.model, len(prompt))
	start := time.Now()

	result, err := b.client.Models.GenerateContent(ctx, b.model, contents, genConfig)
	if err != nil {
		return "", fmt.Errorf("Gemini generate failed: %w", err)
	}

	if result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("prompt blocked: %s", result.PromptFeedback.BlockReason)
	}

	reply := strings.TrimSpace(result.Text())
	if reply == "" {
		return "", fmt.Errorf("no completion returned")
	}

	logging.Vision("gemini: reply received in %v (%d bytes)", time.Since(start), len(reply))
	return reply, nil
}
