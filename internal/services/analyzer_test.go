package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailflow/internal/config"
	"mailflow/internal/models"
	"mailflow/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAIProvider replays canned completions and records prompts.
type fakeAIProvider struct {
	replies  []string
	err      error
	requests [][]ChatMessage
}

func (f *fakeAIProvider) Complete(ctx context.Context, messages []ChatMessage, maxTokens int, temperature float64) (*ChatResponse, error) {
	f.requests = append(f.requests, messages)
	if f.err != nil {
		return nil, f.err
	}
	reply := `{"result": "work", "confidence": 0.9}`
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	return &ChatResponse{Content: reply}, nil
}

func newAnalyzerFixture(t *testing.T, ai AIProvider) (*EmailAnalyzer, *repository.EmailRepository, *repository.AnalysisRepository) {
	t.Helper()
	db := newTestDB(t)
	emails := repository.NewEmailRepository(db)
	results := repository.NewAnalysisRepository(db)
	analyzer := NewEmailAnalyzer(ai, NewExtractorService(), emails, results, config.AIConfig{
		MaxTokens:   500,
		Temperature: 0.2,
	})
	return analyzer, emails, results
}

func seedEmail(t *testing.T, emails *repository.EmailRepository, messageID string) {
	t.Helper()
	require.NoError(t, emails.Create(&models.Email{
		MessageID: messageID,
		AccountID: 1,
		FolderID:  "INBOX",
		Subject:   "Quarterly report attached",
		From:      []string{"colleague@example.com"},
		To:        []string{"me@example.com"},
		Date:      time.Now(),
		Body:      "Here is the quarterly report you asked for. Order #7001 is inside.",
	}))
}

func TestAnalyzeMessageClassifiesAndCaches(t *testing.T) {
	ai := &fakeAIProvider{}
	analyzer, emails, results := newAnalyzerFixture(t, ai)
	seedEmail(t, emails, "m-1")

	outcomes, err := analyzer.AnalyzeMessage(context.Background(), "m-1",
		[]string{AnalysisTypeClassification}, nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "work", outcomes[0].Result)
	assert.InDelta(t, 0.9, outcomes[0].Confidence, 0.0001)
	assert.Equal(t, AnalysisTypeClassification, outcomes[0].AnalysisType)

	cached, err := results.GetByMessageID("m-1")
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "work", cached[0].Result)

	// The prompt carries the message digest, not the raw model
	require.Len(t, ai.requests, 1)
	require.Len(t, ai.requests[0], 2)
	assert.Equal(t, "system", ai.requests[0][0].Role)
	assert.Contains(t, ai.requests[0][1].Content, "Quarterly report attached")
}

func TestAnalyzeMessageUnknownMessage(t *testing.T) {
	analyzer, _, _ := newAnalyzerFixture(t, &fakeAIProvider{})
	_, err := analyzer.AnalyzeMessage(context.Background(), "ghost", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestAnalyzeMessageExtractionType(t *testing.T) {
	analyzer, emails, _ := newAnalyzerFixture(t, &fakeAIProvider{})
	seedEmail(t, emails, "m-2")

	outcomes, err := analyzer.AnalyzeMessage(context.Background(), "m-2",
		[]string{AnalysisTypeExtraction}, []ExtractorRule{{
			Field:   ExtractorFieldBody,
			Type:    ExtractorTypeRegex,
			Extract: `Order #(\d+)`,
		}})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, `["7001"]`, outcomes[0].Result)
	assert.Equal(t, 1.0, outcomes[0].Confidence)
}

func TestAnalyzeMessageExtractionNoMatchesZeroConfidence(t *testing.T) {
	analyzer, emails, _ := newAnalyzerFixture(t, &fakeAIProvider{})
	seedEmail(t, emails, "m-3")

	outcomes, err := analyzer.AnalyzeMessage(context.Background(), "m-3",
		[]string{AnalysisTypeExtraction}, []ExtractorRule{{
			Field:   ExtractorFieldBody,
			Type:    ExtractorTypeRegex,
			Extract: `Invoice (\d+)`,
		}})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, 0.0, outcomes[0].Confidence)
}

func TestAnalyzeMessagePropagatesProviderError(t *testing.T) {
	ai := &fakeAIProvider{err: errors.New("upstream unavailable")}
	analyzer, emails, _ := newAnalyzerFixture(t, ai)
	seedEmail(t, emails, "m-4")

	_, err := analyzer.AnalyzeMessage(context.Background(), "m-4",
		[]string{AnalysisTypeSummary}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AI analysis failed")
}

func TestAnalyzeMessageDefaultsToClassification(t *testing.T) {
	ai := &fakeAIProvider{}
	analyzer, emails, _ := newAnalyzerFixture(t, ai)
	seedEmail(t, emails, "m-5")

	outcomes, err := analyzer.AnalyzeMessage(context.Background(), "m-5", nil, nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, AnalysisTypeClassification, outcomes[0].AnalysisType)
}

func TestParseAnalysisReply(t *testing.T) {
	// Clean JSON
	reply := parseAnalysisReply(`{"result": "spam", "confidence": 0.97}`)
	assert.Equal(t, "spam", reply.Result)
	assert.InDelta(t, 0.97, reply.Confidence, 0.0001)

	// JSON wrapped in a code fence
	reply = parseAnalysisReply("```json\n{\"result\": \"personal\", \"confidence\": 0.6}\n```")
	assert.Equal(t, "personal", reply.Result)
	assert.InDelta(t, 0.6, reply.Confidence, 0.0001)

	// Confidence is clamped
	reply = parseAnalysisReply(`{"result": "other", "confidence": 3.5}`)
	assert.Equal(t, 1.0, reply.Confidence)

	// Unparseable replies keep the raw text with middling confidence
	reply = parseAnalysisReply("I think this is probably work related.")
	assert.Equal(t, "I think this is probably work related.", reply.Result)
	assert.Equal(t, 0.5, reply.Confidence)
}

func TestBuildMessageDigestTruncatesBody(t *testing.T) {
	long := make([]byte, 6000)
	for i := range long {
		long[i] = 'x'
	}
	digest := buildMessageDigest(&models.Email{
		Subject: "big one",
		From:    []string{"a@example.com"},
		To:      []string{"b@example.com"},
		Body:    string(long),
	})
	assert.Less(t, len(digest), 4200)
	assert.Contains(t, digest, "Subject: big one")
}
