// Package llm wraps chat completion backends behind a streaming
// provider interface.
package llm

import (
	"context"
	"errors"

	"github.com/evoke-ai/mnemo/internal/chat"
)

// ErrRateLimited indicates the backend rejected the call with a rate
// limit; callers back off without consuming a retry.
var ErrRateLimited = errors.New("rate limited")

// ErrResponseTooShort indicates a completion below the acceptance
// threshold.
var ErrResponseTooShort = errors.New("response too short")

// Options tune a single completion call.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Stop        []string
	SystemTurn  string
}

// CompletionProvider streams a chat completion. onDelta receives each
// content fragment as it arrives; the full response is returned once the
// stream ends.
type CompletionProvider interface {
	Stream(ctx context.Context, turns []chat.Turn, opts Options, onDelta func(string)) (string, error)
}
