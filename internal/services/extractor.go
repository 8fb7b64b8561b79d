package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"mailflow/internal/models"

	"github.com/robertkrimen/otto"
)

// ExtractorType defines how an extraction rule is evaluated
type ExtractorType string

const (
	ExtractorTypeRegex ExtractorType = "regex"
	ExtractorTypeJS    ExtractorType = "js"
)

// ExtractorField selects which part of the message a rule reads
type ExtractorField string

const (
	ExtractorFieldAll      ExtractorField = "ALL"
	ExtractorFieldFrom     ExtractorField = "from"
	ExtractorFieldTo       ExtractorField = "to"
	ExtractorFieldSubject  ExtractorField = "subject"
	ExtractorFieldBody     ExtractorField = "body"
	ExtractorFieldHTMLBody ExtractorField = "html_body"
)

// ExtractorRule is one field-extraction rule. Match is an optional
// precondition; Extract produces the values.
type ExtractorRule struct {
	Field   ExtractorField `json:"field"`
	Type    ExtractorType  `json:"type"`
	Match   *string        `json:"match,omitempty"`
	Extract string         `json:"extract"`
}

// ExtractorService runs extraction rules over mirrored messages. Rules are
// either regex patterns or small JavaScript snippets evaluated in an
// embedded interpreter.
type ExtractorService struct{}

// NewExtractorService creates a new ExtractorService
func NewExtractorService() *ExtractorService {
	return &ExtractorService{}
}

// Extract applies every rule to the email and returns the concatenated
// matches. Rules whose match condition fails are skipped, not errored.
func (s *ExtractorService) Extract(email *models.Email, rules []ExtractorRule) ([]string, error) {
	var allMatches []string
	for _, rule := range rules {
		if rule.Match != nil {
			matched, err := s.evaluateMatch(email, rule)
			if err != nil {
				return nil, fmt.Errorf("match evaluation failed for field %s: %w", rule.Field, err)
			}
			if !matched {
				continue
			}
		}

		matches, err := s.extract(email, rule)
		if err != nil {
			return nil, fmt.Errorf("extraction failed for field %s with type %s: %w", rule.Field, rule.Type, err)
		}
		allMatches = append(allMatches, matches...)
	}
	return allMatches, nil
}

func (s *ExtractorService) evaluateMatch(email *models.Email, rule ExtractorRule) (bool, error) {
	content := s.fieldContent(email, rule.Field)

	switch rule.Type {
	case ExtractorTypeRegex:
		regex, err := regexp.Compile(*rule.Match)
		if err != nil {
			return false, fmt.Errorf("invalid regex pattern: %w", err)
		}
		for _, text := range content {
			if text != "" && regex.MatchString(text) {
				return true, nil
			}
		}
		return false, nil
	case ExtractorTypeJS:
		return s.matchWithJS(email, content, *rule.Match)
	default:
		return false, fmt.Errorf("unsupported extractor type for match: %s", rule.Type)
	}
}

func (s *ExtractorService) extract(email *models.Email, rule ExtractorRule) ([]string, error) {
	content := s.fieldContent(email, rule.Field)

	switch rule.Type {
	case ExtractorTypeRegex:
		return s.extractWithRegex(content, rule.Extract)
	case ExtractorTypeJS:
		return s.extractWithJS(email, content, rule.Extract)
	default:
		return nil, fmt.Errorf("unsupported extractor type: %s", rule.Type)
	}
}

// extractWithRegex collects capture group 1 when present, else the whole
// match.
func (s *ExtractorService) extractWithRegex(content []string, pattern string) ([]string, error) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}

	var matches []string
	for _, text := range content {
		if text == "" {
			continue
		}
		for _, m := range regex.FindAllStringSubmatch(text, -1) {
			if len(m) > 1 && m[1] != "" {
				matches = append(matches, m[1])
			} else {
				matches = append(matches, m[0])
			}
		}
	}
	return matches, nil
}

// newVM builds an interpreter with the email and field content pre-parsed
// into JS objects.
func (s *ExtractorService) newVM(email *models.Email, content []string) (*otto.Otto, error) {
	vm := otto.New()

	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content: %w", err)
	}
	emailJSON, err := json.Marshal(email)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal email: %w", err)
	}
	if err := vm.Set("contentJSON", string(contentJSON)); err != nil {
		return nil, fmt.Errorf("failed to set content variable: %w", err)
	}
	if err := vm.Set("emailJSON", string(emailJSON)); err != nil {
		return nil, fmt.Errorf("failed to set email variable: %w", err)
	}
	if _, err := vm.Run(`
		var content = JSON.parse(contentJSON);
		var email = JSON.parse(emailJSON);
	`); err != nil {
		return nil, fmt.Errorf("failed to parse data in JS: %w", err)
	}
	return vm, nil
}

// matchWithJS runs the script and coerces its return value to a boolean.
func (s *ExtractorService) matchWithJS(email *models.Email, content []string, script string) (bool, error) {
	vm, err := s.newVM(email, content)
	if err != nil {
		return false, err
	}

	wrapped := fmt.Sprintf(`
		(function() {
			try {
				return Boolean((function() { %s })());
			} catch (e) {
				return false;
			}
		})()
	`, script)

	result, err := vm.Run(wrapped)
	if err != nil {
		return false, fmt.Errorf("JS execution failed: %w", err)
	}
	matched, err := result.ToBoolean()
	if err != nil {
		return false, fmt.Errorf("failed to convert JS result: %w", err)
	}
	return matched, nil
}

// extractWithJS runs the script; a string result is one match, an array
// result is many.
func (s *ExtractorService) extractWithJS(email *models.Email, content []string, script string) ([]string, error) {
	vm, err := s.newVM(email, content)
	if err != nil {
		return nil, err
	}

	wrapped := fmt.Sprintf(`
		(function() {
			try {
				var result = (function() { %s })();
				if (result === null || result === undefined) {
					return JSON.stringify([]);
				}
				if (typeof result === 'string') {
					return JSON.stringify([result]);
				}
				return JSON.stringify(result);
			} catch (e) {
				return JSON.stringify([]);
			}
		})()
	`, script)

	result, err := vm.Run(wrapped)
	if err != nil {
		return nil, fmt.Errorf("JS execution failed: %w", err)
	}
	resultStr, err := result.ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to convert JS result: %w", err)
	}

	var matches []string
	if err := json.Unmarshal([]byte(resultStr), &matches); err != nil {
		return nil, fmt.Errorf("failed to parse extraction result: %w", err)
	}
	return matches, nil
}

func (s *ExtractorService) fieldContent(email *models.Email, field ExtractorField) []string {
	switch field {
	case ExtractorFieldFrom:
		return email.From
	case ExtractorFieldTo:
		return email.To
	case ExtractorFieldSubject:
		return []string{email.Subject}
	case ExtractorFieldBody:
		return []string{email.Body}
	case ExtractorFieldHTMLBody:
		return []string{email.HTMLBody}
	case ExtractorFieldAll:
		var all []string
		all = append(all, email.From...)
		all = append(all, email.To...)
		all = append(all, email.Subject, email.Body, email.HTMLBody)
		return all
	default:
		return []string{strings.TrimSpace(email.Body)}
	}
}
