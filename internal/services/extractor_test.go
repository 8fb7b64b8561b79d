package services

import (
	"testing"

	"mailflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extractorTestEmail() *models.Email {
	return &models.Email{
		MessageID: "m-1",
		Subject:   "Order #48211 confirmed",
		From:      []string{"shop@example.com"},
		To:        []string{"buyer@example.com"},
		Body:      "Your order #48211 ships tomorrow. Tracking code TRK-9983-AL.",
		HTMLBody:  "<p>Your order <b>#48211</b> ships tomorrow.</p>",
	}
}

func TestExtractRegexCaptureGroup(t *testing.T) {
	s := NewExtractorService()
	matches, err := s.Extract(extractorTestEmail(), []ExtractorRule{{
		Field:   ExtractorFieldBody,
		Type:    ExtractorTypeRegex,
		Extract: `order #(\d+)`,
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"48211"}, matches)
}

func TestExtractRegexWholeMatchWithoutGroup(t *testing.T) {
	s := NewExtractorService()
	matches, err := s.Extract(extractorTestEmail(), []ExtractorRule{{
		Field:   ExtractorFieldBody,
		Type:    ExtractorTypeRegex,
		Extract: `TRK-\d+-[A-Z]+`,
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"TRK-9983-AL"}, matches)
}

func TestExtractSkipsRuleWhenMatchFails(t *testing.T) {
	s := NewExtractorService()
	noMatch := "refund"
	matches, err := s.Extract(extractorTestEmail(), []ExtractorRule{{
		Field:   ExtractorFieldSubject,
		Type:    ExtractorTypeRegex,
		Match:   &noMatch,
		Extract: `order #(\d+)`,
	}})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestExtractAppliesRuleWhenMatchHolds(t *testing.T) {
	s := NewExtractorService()
	match := "confirmed"
	matches, err := s.Extract(extractorTestEmail(), []ExtractorRule{{
		Field:   ExtractorFieldSubject,
		Type:    ExtractorTypeRegex,
		Match:   &match,
		Extract: `#(\d+)`,
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"48211"}, matches)
}

func TestExtractMultipleRulesConcatenate(t *testing.T) {
	s := NewExtractorService()
	matches, err := s.Extract(extractorTestEmail(), []ExtractorRule{
		{Field: ExtractorFieldSubject, Type: ExtractorTypeRegex, Extract: `#(\d+)`},
		{Field: ExtractorFieldBody, Type: ExtractorTypeRegex, Extract: `TRK-\d+-[A-Z]+`},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"48211", "TRK-9983-AL"}, matches)
}

func TestExtractInvalidRegexFails(t *testing.T) {
	s := NewExtractorService()
	_, err := s.Extract(extractorTestEmail(), []ExtractorRule{{
		Field:   ExtractorFieldBody,
		Type:    ExtractorTypeRegex,
		Extract: `ord(er`,
	}})
	assert.Error(t, err)
}

func TestExtractJSStringResult(t *testing.T) {
	s := NewExtractorService()
	matches, err := s.Extract(extractorTestEmail(), []ExtractorRule{{
		Field:   ExtractorFieldSubject,
		Type:    ExtractorTypeJS,
		Extract: `return content[0].split(' ')[1];`,
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"#48211"}, matches)
}

func TestExtractJSArrayResult(t *testing.T) {
	s := NewExtractorService()
	matches, err := s.Extract(extractorTestEmail(), []ExtractorRule{{
		Field:   ExtractorFieldAll,
		Type:    ExtractorTypeJS,
		Extract: `return [email.from[0], email.subject];`,
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"shop@example.com", "Order #48211 confirmed"}, matches)
}

func TestExtractJSMatchCondition(t *testing.T) {
	s := NewExtractorService()
	jsMatch := `return email.subject.indexOf("Order") === 0;`
	matches, err := s.Extract(extractorTestEmail(), []ExtractorRule{{
		Field:   ExtractorFieldSubject,
		Type:    ExtractorTypeJS,
		Match:   &jsMatch,
		Extract: `return "matched";`,
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"matched"}, matches)

	jsNoMatch := `return email.subject.indexOf("Invoice") === 0;`
	matches, err = s.Extract(extractorTestEmail(), []ExtractorRule{{
		Field:   ExtractorFieldSubject,
		Type:    ExtractorTypeJS,
		Match:   &jsNoMatch,
		Extract: `return "matched";`,
	}})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestExtractJSThrowingScriptYieldsNothing(t *testing.T) {
	s := NewExtractorService()
	matches, err := s.Extract(extractorTestEmail(), []ExtractorRule{{
		Field:   ExtractorFieldBody,
		Type:    ExtractorTypeJS,
		Extract: `throw new Error("boom");`,
	}})
	require.NoError(t, err)
	assert.Empty(t, matches)
}
