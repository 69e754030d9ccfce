package chat

import (
	"context"
	"testing"

	"github.com/pfconnect/liveboard/internal/relay/storage"
)

func TestWordlistModeratorFlagsConfiguredTerms(t *testing.T) {
	moderator := NewWordlistModerator([]string{"Mayday", "  ", "pan-pan"})

	reason, flagged, err := moderator.Review(context.Background(), storage.ChatMessageRecord{Message: "declaring MAYDAY now"})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if !flagged || reason == "" {
		t.Fatalf("flagged = %v reason = %q, want flagged with reason", flagged, reason)
	}

	_, flagged, err = moderator.Review(context.Background(), storage.ChatMessageRecord{Message: "routine position report"})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if flagged {
		t.Fatal("clean message was flagged")
	}
}
