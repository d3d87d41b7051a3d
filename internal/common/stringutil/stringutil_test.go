package stringutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "hello", TruncateString("hello", 10))
	assert.Equal(t, "hello", TruncateString("hello", 5))
	assert.Equal(t, "hel", TruncateString("hello", 3))
	assert.Equal(t, "", TruncateString("", 5))
}

func TestTruncateStringWithEllipsis(t *testing.T) {
	assert.Equal(t, "hello", TruncateStringWithEllipsis("hello", 10))
	assert.Equal(t, "hello w...", TruncateStringWithEllipsis("hello world", 10))
	assert.Equal(t, "hel", TruncateStringWithEllipsis("hello", 3))
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name string
		in   string
		out  string
	}{
		{"already safe", "alice_1.dev-2", "alice_1.dev-2"},
		{"email", "alice@example.com", "alice_example.com"},
		{"spaces and slashes", "team a/b c", "team_a_b_c"},
		{"unicode", "usér", "us_r"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.out, SanitizeIdentifier(tt.in))
		})
	}
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "line one", FirstLine("line one\nline two"))
	assert.Equal(t, "no newline", FirstLine("no newline"))
	assert.Equal(t, "", FirstLine("\nrest"))
}
