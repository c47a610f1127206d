package service

import (
	"testing"

	"github.com/Monthlyaway/ttl-link/internal/errx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare host", "example.com", "https://example.com"},
		{"bare host with path", "example.com/a?b=c", "https://example.com/a?b=c"},
		{"https kept", "https://example.com", "https://example.com"},
		{"http upgraded", "http://example.com/x", "https://example.com/x"},
		{"mixed case scheme", "HTTPS://Example.com", "https://Example.com"},
		{"surrounding space", "  example.com  ", "https://example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeURLRejects(t *testing.T) {
	for _, in := range []string{"", "   ", "ftp://example.com", "javascript://x", "https://", "https:///path"} {
		_, err := NormalizeURL(in)
		assert.ErrorIs(t, err, errx.ErrInvalidURL, in)
	}
}
