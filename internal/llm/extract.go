package llm

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// fencePattern matches a reply wrapped entirely in a markdown code
// fence, with or without a language tag.
var fencePattern = regexp.MustCompile(`(?s)^\s*` + "```" + `(?:[a-zA-Z]+)?\s*\n?(.*?)\n?\s*` + "```" + `\s*$`)

// StripCodeFences removes the outer markdown fence models often wrap
// their whole reply in. Inner fences are left alone.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if matches := fencePattern.FindStringSubmatch(s); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return s
}

// ExtractJSON pulls a JSON document out of a model reply. It tries the
// fence-stripped reply first, then the first balanced object or array
// embedded in the text. Returns false when no parseable JSON exists.
func ExtractJSON(text string) (any, bool) {
	candidate := StripCodeFences(text)

	var parsed any
	if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
		switch parsed.(type) {
		case map[string]any, []any:
			return parsed, true
		}
	}

	if embedded, ok := firstBalanced(candidate); ok {
		if err := json.Unmarshal([]byte(embedded), &parsed); err == nil {
			return parsed, true
		}
	}
	return nil, false
}

// firstBalanced finds the first balanced {...} or [...] span, skipping
// brackets inside string literals.
func firstBalanced(s string) (string, bool) {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// retryDelayPattern matches the "Please retry in 45.3s" and
// "retryDelay: 45s" hints Gemini embeds in 429 messages.
var retryDelayPattern = regexp.MustCompile(`(?i)(?:please retry in |retryDelay[:\s]+)(\d+(?:\.\d+)?)\s*s`)

// retryDelayFromMessage parses a provider-suggested retry delay out of
// an error message. Zero when the message carries no hint.
func retryDelayFromMessage(err error) time.Duration {
	if err == nil {
		return 0
	}
	matches := retryDelayPattern.FindStringSubmatch(err.Error())
	if len(matches) < 2 {
		return 0
	}
	seconds, parseErr := strconv.ParseFloat(matches[1], 64)
	if parseErr != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// retryAfterHeader reads a Retry-After hint off an HTTP response.
// Handles the seconds form; the HTTP-date form is rare enough to skip.
func retryAfterHeader(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// mentionsQuota reports whether a provider error text looks like a
// billing/quota problem rather than an access problem.
func mentionsQuota(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") || strings.Contains(msg, "billing") ||
		strings.Contains(msg, "insufficient_quota") || strings.Contains(msg, "exceeded")
}
