package embedding

import (
	"context"
	"errors"
	"strings"
)

// Sentinel errors for embedding operations.
var (
	// ErrInvalidInput indicates empty or whitespace-only text. Never retried.
	ErrInvalidInput = errors.New("invalid embedding input")

	// ErrEmbeddingService indicates the remote embedding call failed after
	// exhausting its retry budget, or failed with a non-retryable error.
	ErrEmbeddingService = errors.New("embedding service error")

	// ErrFatalAPI marks remote failures that retrying cannot fix
	// (authentication, quota, malformed request, wrong dimension).
	ErrFatalAPI = errors.New("fatal embedding API error")
)

// fatalMarkers are lowercase substrings identifying non-retryable provider errors.
// Rate limiting is not among them: 429s are retried with backoff.
var fatalMarkers = []string{
	"invalid api key",
	"incorrect api key",
	"invalid_api_key",
	"authentication",
	"unauthorized",
	"permission denied",
	"access denied",
	"accessdenied",
	"insufficient_quota",
	"quota exceeded",
	"billing",
	"credit balance",
	"invalid_request",
	"invalid input",
	"validationexception",
	"forbidden",
	"status code: 400",
	"status code: 401",
	"status code: 403",
	"status code: 404",
}

// isFatalAPIError reports whether err should stop the retry loop.
func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrFatalAPI) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
