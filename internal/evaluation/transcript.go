package evaluation

import (
	"fmt"
	"strings"

	"github.com/kalambet/ecosim/internal/storage"
)

// speaker maps a message role to its transcript tag.
func speaker(role string) string {
	switch role {
	case storage.RoleUser:
		return "STUDENT"
	case storage.RoleAssistant:
		return "PATIENT"
	default:
		return "SYSTEM"
	}
}

// FormatTranscript renders messages as numbered, speaker-tagged lines in the
// order given.
func FormatTranscript(msgs []storage.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		fmt.Fprintf(&sb, "[%d] %s: %s\n", i+1, speaker(m.Role), strings.TrimSpace(m.Content))
	}
	return sb.String()
}

// sufficient reports whether a transcript has enough interaction to score:
// at least two messages, one of them from the student.
func sufficient(msgs []storage.Message) bool {
	if len(msgs) < 2 {
		return false
	}
	for _, m := range msgs {
		if m.Role == storage.RoleUser {
			return true
		}
	}
	return false
}
