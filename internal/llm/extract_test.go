package llm

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripCodeFences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "just a reply", "just a reply"},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\nhello\n```", "hello"},
		{"markdown fence", "```markdown\n# Title\n```", "# Title"},
		{"inner fence preserved", "intro\n```\ncode\n```\noutro", "intro\n```\ncode\n```\noutro"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripCodeFences(tc.in))
		})
	}
}

func TestExtractJSONDirect(t *testing.T) {
	parsed, ok := ExtractJSON(`{"summary":"fine","sections":[{"heading":"A"}]}`)
	require.True(t, ok)
	obj, ok := parsed.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "fine", obj["summary"])
}

func TestExtractJSONFenced(t *testing.T) {
	parsed, ok := ExtractJSON("```json\n{\"summary\": \"fenced\"}\n```")
	require.True(t, ok)
	obj := parsed.(map[string]any)
	assert.Equal(t, "fenced", obj["summary"])
}

func TestExtractJSONEmbeddedInProse(t *testing.T) {
	text := `Here is the report you asked for:

{"summary": "embedded", "score": 7}

Let me know if you need anything else.`
	parsed, ok := ExtractJSON(text)
	require.True(t, ok)
	obj := parsed.(map[string]any)
	assert.Equal(t, "embedded", obj["summary"])
	assert.Equal(t, float64(7), obj["score"])
}

func TestExtractJSONArray(t *testing.T) {
	parsed, ok := ExtractJSON(`[{"q":"Q1"},{"q":"Q2"}]`)
	require.True(t, ok)
	arr, ok := parsed.([]any)
	require.True(t, ok)
	assert.Len(t, arr, 2)
}

func TestExtractJSONHandlesBracesInStrings(t *testing.T) {
	parsed, ok := ExtractJSON(`prefix {"text": "open { brace inside"} suffix`)
	require.True(t, ok)
	obj := parsed.(map[string]any)
	assert.Equal(t, "open { brace inside", obj["text"])
}

func TestExtractJSONAbsent(t *testing.T) {
	for _, text := range []string{"no json here", "42", "true", ""} {
		_, ok := ExtractJSON(text)
		assert.False(t, ok, "text %q should not extract", text)
	}
}

func TestRetryDelayFromMessage(t *testing.T) {
	err := errors.New("Error 429, Message: resource exhausted. Please retry in 45.38s., Status: RESOURCE_EXHAUSTED")
	assert.InDelta(t, 45.38, retryDelayFromMessage(err).Seconds(), 0.01)

	err = errors.New("rate limited, retryDelay: 30s")
	assert.Equal(t, 30*time.Second, retryDelayFromMessage(err))

	assert.Equal(t, time.Duration(0), retryDelayFromMessage(errors.New("no hint at all")))
	assert.Equal(t, time.Duration(0), retryDelayFromMessage(nil))
}

func TestRetryAfterHeader(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"30"}}}
	assert.Equal(t, 30*time.Second, retryAfterHeader(resp))

	assert.Equal(t, time.Duration(0), retryAfterHeader(&http.Response{Header: http.Header{}}))
	assert.Equal(t, time.Duration(0), retryAfterHeader(nil))
}

func TestMentionsQuota(t *testing.T) {
	assert.True(t, mentionsQuota(errors.New("insufficient_quota: billing hard limit reached")))
	assert.True(t, mentionsQuota(errors.New("monthly quota exceeded")))
	assert.False(t, mentionsQuota(errors.New("connection refused")))
	assert.False(t, mentionsQuota(nil))
}
