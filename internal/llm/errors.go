package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFatalAPI marks LLM failures that retrying will not fix: bad credentials,
// exhausted quota or billing problems. Callers should stop instead of
// moving on to the next topic.
var ErrFatalAPI = errors.New("fatal LLM API error")

// ErrMalformedResponse indicates the model did not return the expected JSON.
var ErrMalformedResponse = errors.New("malformed research response")

var fatalMarkers = []string{
	"credit balance",
	"rate limit",
	"quota exceeded",
	"billing",
	"invalid api key",
	"authentication",
	"unauthorized",
	"status code: 401",
	"status code: 403",
}

// isFatalAPIError checks if an error indicates a fatal API issue.
func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// wrapFatalError wraps err with ErrFatalAPI if it is fatal.
func wrapFatalError(err error) error {
	if err == nil {
		return nil
	}
	if isFatalAPIError(err) {
		return fmt.Errorf("%w: %w", ErrFatalAPI, err)
	}
	return err
}
