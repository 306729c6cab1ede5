// Package chat assembles completion-ready turn lists from history,
// persona state, and memory recall.
package chat

import (
	"errors"
	"fmt"

	"github.com/evoke-ai/mnemo/internal/model"
)

// ErrMalformedTurns is returned when a turn list breaks the required
// user/assistant alternation.
var ErrMalformedTurns = errors.New("malformed turn structure")

// Turn is one chat message sent to the completion API.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ValidateTurns checks strict user/assistant alternation starting with a
// user turn. A single leading system turn is permitted.
func ValidateTurns(turns []Turn) error {
	if len(turns) == 0 {
		return fmt.Errorf("%w: empty turn list", ErrMalformedTurns)
	}
	offset := 0
	if turns[0].Role == model.RoleSystem {
		offset = 1
	}
	for i, turn := range turns[offset:] {
		switch turn.Role {
		case model.RoleUser:
			if i%2 != 0 {
				return fmt.Errorf("%w: turn %d is a user turn out of order", ErrMalformedTurns, i+offset)
			}
		case model.RoleAssistant:
			if i%2 != 1 {
				return fmt.Errorf("%w: turn %d is an assistant turn out of order", ErrMalformedTurns, i+offset)
			}
		default:
			return fmt.Errorf("%w: turn %d has role %q", ErrMalformedTurns, i+offset, turn.Role)
		}
	}
	return nil
}

// HistoryLength sums the content lengths of a turn list.
func HistoryLength(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += len(t.Content)
	}
	return total
}
