package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"mailflow/internal/config"
	"mailflow/internal/models"
	"mailflow/internal/repository"
	"mailflow/internal/utils"
)

// Analysis types the analyzer understands.
const (
	AnalysisTypeClassification = "classification"
	AnalysisTypeSummary        = "summary"
	AnalysisTypeSentiment      = "sentiment"
	AnalysisTypeExtraction     = "extraction"
)

// AnalysisOutcome is the result of analyzing one message with one
// analysis type.
type AnalysisOutcome struct {
	MessageID    string  `json:"messageId"`
	AnalysisType string  `json:"analysisType"`
	Result       string  `json:"result"`
	Confidence   float64 `json:"confidence"`
}

// ContentAnalyzer is the collaborator the batch processor drives. One call
// covers one message across all requested analysis types.
type ContentAnalyzer interface {
	AnalyzeMessage(ctx context.Context, messageID string, analysisTypes []string, rules []ExtractorRule) ([]AnalysisOutcome, error)
}

// EmailAnalyzer implements ContentAnalyzer over the AI provider and the
// scripted extractor, caching results in the analysis store.
type EmailAnalyzer struct {
	provider  AIProvider
	extractor *ExtractorService
	emails    *repository.EmailRepository
	results   *repository.AnalysisRepository
	cfg       config.AIConfig
	logger    *utils.Logger
}

// NewEmailAnalyzer wires the analyzer's collaborators.
func NewEmailAnalyzer(provider AIProvider, extractor *ExtractorService, emails *repository.EmailRepository, results *repository.AnalysisRepository, cfg config.AIConfig) *EmailAnalyzer {
	return &EmailAnalyzer{
		provider:  provider,
		extractor: extractor,
		emails:    emails,
		results:   results,
		cfg:       cfg,
		logger:    utils.NewLogger("EmailAnalyzer"),
	}
}

// AnalyzeMessage loads the mirrored message and runs every requested
// analysis type against it. Outcomes are persisted to the analysis cache
// before being returned.
func (a *EmailAnalyzer) AnalyzeMessage(ctx context.Context, messageID string, analysisTypes []string, rules []ExtractorRule) ([]AnalysisOutcome, error) {
	email, err := a.emails.FindByMessageID(messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", messageID, err)
	}
	if email == nil {
		return nil, fmt.Errorf("message %s not found in mirror", messageID)
	}

	if len(analysisTypes) == 0 {
		analysisTypes = []string{AnalysisTypeClassification}
	}

	var outcomes []AnalysisOutcome
	for _, analysisType := range analysisTypes {
		var outcome AnalysisOutcome
		var err error
		if analysisType == AnalysisTypeExtraction {
			outcome, err = a.runExtraction(email, rules)
		} else {
			outcome, err = a.runAIAnalysis(ctx, email, analysisType)
		}
		if err != nil {
			return outcomes, err
		}
		outcome.MessageID = messageID

		if saveErr := a.results.Save(&models.AnalysisResult{
			MessageID:    messageID,
			AnalysisType: outcome.AnalysisType,
			Result:       outcome.Result,
			Confidence:   outcome.Confidence,
		}); saveErr != nil {
			a.logger.Warn("Failed to cache analysis for %s/%s: %v", messageID, analysisType, saveErr)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// runExtraction applies the scripted rules. Confidence is 1.0 when rules
// matched, 0 when nothing did.
func (a *EmailAnalyzer) runExtraction(email *models.Email, rules []ExtractorRule) (AnalysisOutcome, error) {
	matches, err := a.extractor.Extract(email, rules)
	if err != nil {
		return AnalysisOutcome{}, fmt.Errorf("extraction failed: %w", err)
	}

	resultJSON, err := json.Marshal(matches)
	if err != nil {
		return AnalysisOutcome{}, err
	}
	confidence := 0.0
	if len(matches) > 0 {
		confidence = 1.0
	}
	return AnalysisOutcome{
		AnalysisType: AnalysisTypeExtraction,
		Result:       string(resultJSON),
		Confidence:   confidence,
	}, nil
}

// analysisReply is the JSON shape the prompts ask the model for.
type analysisReply struct {
	Result     string  `json:"result"`
	Confidence float64 `json:"confidence"`
}

func (a *EmailAnalyzer) runAIAnalysis(ctx context.Context, email *models.Email, analysisType string) (AnalysisOutcome, error) {
	systemPrompt, ok := analysisPrompts[analysisType]
	if !ok {
		return AnalysisOutcome{}, fmt.Errorf("unsupported analysis type: %s", analysisType)
	}

	resp, err := a.provider.Complete(ctx, []ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildMessageDigest(email)},
	}, a.cfg.MaxTokens, a.cfg.Temperature)
	if err != nil {
		return AnalysisOutcome{}, fmt.Errorf("AI analysis failed: %w", err)
	}

	reply := parseAnalysisReply(resp.Content)
	return AnalysisOutcome{
		AnalysisType: analysisType,
		Result:       reply.Result,
		Confidence:   reply.Confidence,
	}, nil
}

var analysisPrompts = map[string]string{
	AnalysisTypeClassification: `You classify emails. Reply with JSON only: {"result": "<one of: work, personal, promotional, notification, spam, other>", "confidence": <0..1>}`,
	AnalysisTypeSummary:        `You summarize emails in one or two sentences. Reply with JSON only: {"result": "<summary>", "confidence": <0..1>}`,
	AnalysisTypeSentiment:      `You judge the sentiment of emails. Reply with JSON only: {"result": "<one of: positive, neutral, negative>", "confidence": <0..1>}`,
}

// buildMessageDigest produces the prompt body for one message. Bodies are
// truncated so a single oversized message cannot blow the token budget.
func buildMessageDigest(email *models.Email) string {
	body := email.Body
	if body == "" {
		body = email.HTMLBody
	}
	const maxBody = 4000
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return fmt.Sprintf("Subject: %s\nFrom: %s\nTo: %s\n\n%s",
		email.Subject,
		strings.Join(email.From, ", "),
		strings.Join(email.To, ", "),
		body)
}

// parseAnalysisReply tolerates models that wrap the JSON in prose or code
// fences; unparseable replies keep the raw text with a middling confidence.
func parseAnalysisReply(content string) analysisReply {
	trimmed := strings.TrimSpace(content)
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			var reply analysisReply
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &reply); err == nil && reply.Result != "" {
				if reply.Confidence < 0 {
					reply.Confidence = 0
				}
				if reply.Confidence > 1 {
					reply.Confidence = 1
				}
				return reply
			}
		}
	}
	return analysisReply{Result: trimmed, Confidence: 0.5}
}
