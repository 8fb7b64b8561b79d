package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mailflow/internal/config"
)

// ErrAIRateLimited marks an upstream throttling response; the batch
// processor uses this to trigger its backoff path.
var ErrAIRateLimited = errors.New("AI provider rate limited")

// ChatMessage is one turn of a chat completion conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the provider-neutral completion result. Non-OpenAI
// channels are converted into this shape.
type ChatResponse struct {
	Model      string
	Content    string
	TokensUsed int
}

// AIProvider is the chat-completion interface the analyzer depends on.
type AIProvider interface {
	Complete(ctx context.Context, messages []ChatMessage, maxTokens int, temperature float64) (*ChatResponse, error)
}

// NewAIProvider selects the provider implementation for the configured
// channel type.
func NewAIProvider(cfg config.AIConfig) AIProvider {
	base := &baseAIService{
		cfg: cfg,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
	switch cfg.Channel {
	case "gemini":
		return &geminiService{base}
	case "claude":
		return &claudeService{base}
	default:
		return &openAIService{base}
	}
}

// baseAIService carries the pieces every channel implementation shares.
type baseAIService struct {
	cfg    config.AIConfig
	client *http.Client
}

// post sends one JSON request and returns the raw response body, mapping
// HTTP 429 onto ErrAIRateLimited.
func (s *baseAIService) post(ctx context.Context, url string, payload interface{}, headers map[string]string) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s", ErrAIRateLimited, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("AI API error: status %d, body: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// openAIService speaks the OpenAI chat-completions protocol; most
// OpenAI-compatible gateways accept the same shape.
type openAIService struct {
	*baseAIService
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (s *openAIService) Complete(ctx context.Context, messages []ChatMessage, maxTokens int, temperature float64) (*ChatResponse, error) {
	if s.cfg.APIKey == "" {
		return nil, fmt.Errorf("AI API key is not configured")
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimSuffix(s.cfg.BaseURL, "/"))
	body, err := s.post(ctx, url, chatCompletionRequest{
		Model:       s.cfg.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}, map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", s.cfg.APIKey),
	})
	if err != nil {
		return nil, err
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no choices in AI response")
	}
	return &ChatResponse{
		Model:      completion.Model,
		Content:    completion.Choices[0].Message.Content,
		TokensUsed: completion.Usage.TotalTokens,
	}, nil
}

// geminiService speaks the Gemini generateContent protocol.
type geminiService struct {
	*baseAIService
}

type geminiContent struct {
	Role  string `json:"role"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		Temperature     float64 `json:"temperature,omitempty"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (s *geminiService) Complete(ctx context.Context, messages []ChatMessage, maxTokens int, temperature float64) (*ChatResponse, error) {
	var req geminiRequest
	for _, msg := range messages {
		role := msg.Role
		// Gemini has no system role
		if role == "system" {
			role = "user"
		}
		content := geminiContent{Role: role}
		content.Parts = append(content.Parts, struct {
			Text string `json:"text"`
		}{Text: msg.Content})
		req.Contents = append(req.Contents, content)
	}
	req.GenerationConfig.Temperature = temperature
	req.GenerationConfig.MaxOutputTokens = maxTokens

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimSuffix(s.cfg.BaseURL, "/"), s.cfg.Model, s.cfg.APIKey)

	body, err := s.post(ctx, url, req, nil)
	if err != nil {
		return nil, err
	}

	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no candidates in Gemini response")
	}
	return &ChatResponse{
		Model:      s.cfg.Model,
		Content:    resp.Candidates[0].Content.Parts[0].Text,
		TokensUsed: resp.UsageMetadata.TotalTokenCount,
	}, nil
}

// claudeService speaks the Anthropic messages protocol.
type claudeService struct {
	*baseAIService
}

type claudeRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	System      string        `json:"system,omitempty"`
}

type claudeResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (s *claudeService) Complete(ctx context.Context, messages []ChatMessage, maxTokens int, temperature float64) (*ChatResponse, error) {
	// The system prompt travels in its own field
	var systemPrompt string
	var userMessages []ChatMessage
	for _, msg := range messages {
		if msg.Role == "system" {
			systemPrompt = msg.Content
		} else {
			userMessages = append(userMessages, msg)
		}
	}

	url := fmt.Sprintf("%s/messages", strings.TrimSuffix(s.cfg.BaseURL, "/"))
	body, err := s.post(ctx, url, claudeRequest{
		Model:       s.cfg.Model,
		Messages:    userMessages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		System:      systemPrompt,
	}, map[string]string{
		"x-api-key":         s.cfg.APIKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return nil, err
	}

	var resp claudeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Content) == 0 {
		return nil, fmt.Errorf("no content in Claude response")
	}
	return &ChatResponse{
		Model:      resp.Model,
		Content:    resp.Content[0].Text,
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}
