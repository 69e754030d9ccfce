package chat

import (
	"context"
	"strings"

	"github.com/pfconnect/liveboard/internal/relay/storage"
)

// WordlistModerator flags messages containing any configured term. It is the
// default asynchronous reviewer; annotations it produces always trail the
// original broadcast.
type WordlistModerator struct {
	terms []string
}

// NewWordlistModerator builds a moderator over a fixed term list. Terms are
// matched case-insensitively as substrings.
func NewWordlistModerator(terms []string) *WordlistModerator {
	cleaned := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			cleaned = append(cleaned, term)
		}
	}
	return &WordlistModerator{terms: cleaned}
}

// Review implements Moderator.
func (m *WordlistModerator) Review(_ context.Context, message storage.ChatMessageRecord) (string, bool, error) {
	lowered := strings.ToLower(message.Message)
	for _, term := range m.terms {
		if strings.Contains(lowered, term) {
			return "message contains a blocked term", true, nil
		}
	}
	return "", false, nil
}
