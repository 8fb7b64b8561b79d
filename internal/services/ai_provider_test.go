package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"mailflow/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAICompleteRoundTrip(t *testing.T) {
	var gotAuth string
	var gotReq chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "gpt-4o-mini",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": `{"result":"work","confidence":0.9}`}},
			},
			"usage": map[string]int{"total_tokens": 42},
		})
	}))
	defer server.Close()

	provider := NewAIProvider(config.AIConfig{
		Channel: "openai",
		BaseURL: server.URL + "/v1",
		APIKey:  "sk-test",
		Model:   "gpt-4o-mini",
	})

	resp, err := provider.Complete(context.Background(), []ChatMessage{
		{Role: "system", Content: "classify"},
		{Role: "user", Content: "hello"},
	}, 500, 0.2)
	require.NoError(t, err)
	assert.Equal(t, `{"result":"work","confidence":0.9}`, resp.Content)
	assert.Equal(t, 42, resp.TokensUsed)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
	assert.Len(t, gotReq.Messages, 2)
	assert.Equal(t, 500, gotReq.MaxTokens)
}

func TestOpenAICompleteRequiresAPIKey(t *testing.T) {
	provider := NewAIProvider(config.AIConfig{Channel: "openai", BaseURL: "http://localhost"})
	_, err := provider.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "x"}}, 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestCompleteMaps429ToRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": "slow down"}`))
	}))
	defer server.Close()

	provider := NewAIProvider(config.AIConfig{
		Channel: "openai",
		BaseURL: server.URL,
		APIKey:  "sk-test",
	})
	_, err := provider.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "x"}}, 0, 0)
	assert.ErrorIs(t, err, ErrAIRateLimited)
}

func TestCompleteNonOKStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	provider := NewAIProvider(config.AIConfig{Channel: "openai", BaseURL: server.URL, APIKey: "k"})
	_, err := provider.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "x"}}, 0, 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAIRateLimited)
	assert.Contains(t, err.Error(), "status 500")
}

func TestGeminiCompleteConvertsSystemRole(t *testing.T) {
	var gotReq geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "models/gemini-pro:generateContent")
		assert.Equal(t, "secret", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"content": map[string]interface{}{
					"role":  "model",
					"parts": []map[string]string{{"text": "a summary"}},
				}},
			},
			"usageMetadata": map[string]int{"totalTokenCount": 17},
		})
	}))
	defer server.Close()

	provider := NewAIProvider(config.AIConfig{
		Channel: "gemini",
		BaseURL: server.URL,
		APIKey:  "secret",
		Model:   "gemini-pro",
	})

	resp, err := provider.Complete(context.Background(), []ChatMessage{
		{Role: "system", Content: "summarize"},
		{Role: "user", Content: "long email"},
	}, 200, 0.1)
	require.NoError(t, err)
	assert.Equal(t, "a summary", resp.Content)
	assert.Equal(t, 17, resp.TokensUsed)

	// Gemini has no system role; the system turn becomes a user turn
	require.Len(t, gotReq.Contents, 2)
	assert.Equal(t, "user", gotReq.Contents[0].Role)
	assert.Equal(t, "user", gotReq.Contents[1].Role)
}

func TestClaudeCompleteLiftsSystemPrompt(t *testing.T) {
	var gotReq claudeRequest
	var gotVersion, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		gotVersion = r.Header.Get("anthropic-version")
		gotKey = r.Header.Get("x-api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "claude-3-haiku",
			"content": []map[string]string{
				{"type": "text", "text": "negative"},
			},
			"usage": map[string]int{"input_tokens": 10, "output_tokens": 3},
		})
	}))
	defer server.Close()

	provider := NewAIProvider(config.AIConfig{
		Channel: "claude",
		BaseURL: server.URL,
		APIKey:  "ck-test",
		Model:   "claude-3-haiku",
	})

	resp, err := provider.Complete(context.Background(), []ChatMessage{
		{Role: "system", Content: "judge sentiment"},
		{Role: "user", Content: "this is terrible"},
	}, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, "negative", resp.Content)
	assert.Equal(t, 13, resp.TokensUsed)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Equal(t, "ck-test", gotKey)
	assert.Equal(t, "judge sentiment", gotReq.System)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
}

func TestCompleteEmptyChoicesIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	}))
	defer server.Close()

	provider := NewAIProvider(config.AIConfig{Channel: "openai", BaseURL: server.URL, APIKey: "k"})
	_, err := provider.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "x"}}, 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
