package service

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Monthlyaway/ttl-link/internal/errx"
)

// MaxURLLength bounds stored target urls
const MaxURLLength = 2048

// NormalizeURL forces the https scheme: bare hosts get the prefix and plain
// http is upgraded. Other schemes are rejected.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: url cannot be empty", errx.ErrInvalidURL)
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "https://"):
		raw = "https://" + raw[len("https://"):]
	case strings.HasPrefix(lower, "http://"):
		raw = "https://" + raw[len("http://"):]
	case strings.Contains(raw, "://"):
		return "", fmt.Errorf("%w: only http and https are supported", errx.ErrInvalidURL)
	default:
		raw = "https://" + raw
	}

	if len(raw) > MaxURLLength {
		return "", fmt.Errorf("%w: url too long (max %d characters)", errx.ErrInvalidURL, MaxURLLength)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errx.ErrInvalidURL, err)
	}
	if parsed.Host == "" || strings.ContainsAny(parsed.Host, " \t") {
		return "", fmt.Errorf("%w: url must have a valid host", errx.ErrInvalidURL)
	}
	return raw, nil
}
