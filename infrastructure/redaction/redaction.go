// Package redaction masks secret material before configuration values
// leave the process through admin surfaces or logs.
package redaction

import (
	"regexp"
	"strings"
)

// RedactionText replaces masked values.
const RedactionText = "***REDACTED***"

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(secret|token|auth)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(Bearer)\s+[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?i)(password)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(private[_-]?key|privkey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(connection[_-]?string|dsn)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
}

var blockedKeyFragments = []string{
	"password",
	"secret",
	"token",
	"apikey",
	"private_key",
	"credential",
	"dsn",
}

// Redactor masks secret values by key name and content patterns.
type Redactor struct {
	// SensitiveKey reports keys the caller already knows carry secrets
	// (e.g. configuration entries backed by secret placeholders).
	SensitiveKey func(key string) bool
}

// New creates a Redactor. sensitiveKey may be nil.
func New(sensitiveKey func(key string) bool) *Redactor {
	return &Redactor{SensitiveKey: sensitiveKey}
}

// RedactString masks embedded secrets in free text.
func (r *Redactor) RedactString(s string) string {
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, "${1}: "+RedactionText)
	}
	return result
}

// RedactValues masks a key-to-value map: values under secret-looking keys
// (or keys flagged by SensitiveKey) are replaced wholesale, the rest are
// pattern-scrubbed.
func (r *Redactor) RedactValues(values map[string]string) map[string]string {
	result := make(map[string]string, len(values))
	for key, value := range values {
		if r.isSecretKey(key) {
			result[key] = RedactionText
			continue
		}
		result[key] = r.RedactString(value)
	}
	return result
}

func (r *Redactor) isSecretKey(key string) bool {
	if r.SensitiveKey != nil && r.SensitiveKey(key) {
		return true
	}
	lower := strings.ToLower(key)
	for _, fragment := range blockedKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
