// Package masking redacts secret-shaped substrings before they are persisted
// into policy learning patterns or error messages. Regex patterns cover
// credential shapes; structural maskers can be added for formats that need
// parsing.
package masking

import (
	"log/slog"
	"regexp"
)

// Replacement substituted for every matched secret.
const Replacement = "REDACTED"

// CompiledPattern holds a pre-compiled regex pattern with its name and
// description.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Description string
}

// builtinPatterns are the credential shapes recognized out of the box.
// Order matters: more specific shapes run before the generic key=value form.
var builtinPatterns = []struct {
	name        string
	pattern     string
	description string
}{
	{"api_key_prefixed", `\bsk-[A-Za-z0-9_-]{16,}\b`, "prefixed API keys (sk-…)"},
	{"bearer_token", `(?i)\bbearer\s+[A-Za-z0-9._~+/-]{16,}=*`, "Authorization bearer tokens"},
	{"basic_auth", `(?i)\bbasic\s+[A-Za-z0-9+/=]{16,}`, "Authorization basic credentials"},
	{"jwt", `\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`, "JSON web tokens"},
	{"url_userinfo", `://[^/\s:@]+:[^/\s@]+@`, "URL-embedded credentials"},
	{"key_value_secret", `(?i)\b(password|passwd|secret|token|api[_-]?key|access[_-]?key)\s*[=:]\s*\S+`, "key=value credential assignments"},
	{"private_key_block", `-----BEGIN [A-Z ]*PRIVATE KEY-----`, "PEM private key headers"},
}

// Service applies the compiled pattern set.
type Service struct {
	patterns []*CompiledPattern
}

// NewService compiles the built-in patterns. Invalid patterns are logged and
// skipped so one bad pattern never disables masking entirely.
func NewService() *Service {
	s := &Service{}
	for _, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", p.name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        p.name,
			Regex:       compiled,
			Description: p.description,
		})
	}
	return s
}

// Redact replaces every secret-shaped substring with REDACTED.
func (s *Service) Redact(data string) string {
	for _, p := range s.patterns {
		if p.Name == "url_userinfo" {
			// Preserve the scheme separator the pattern consumes.
			data = p.Regex.ReplaceAllString(data, "://"+Replacement+"@")
			continue
		}
		data = p.Regex.ReplaceAllString(data, Replacement)
	}
	return data
}

// ContainsSecret reports whether data matches any secret pattern without
// modifying it.
func (s *Service) ContainsSecret(data string) bool {
	for _, p := range s.patterns {
		if p.Regex.MatchString(data) {
			return true
		}
	}
	return false
}
