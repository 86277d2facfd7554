package llm

import (
	"errors"
	"strings"
)

var errEmptyRequest = errors.New("request has no turns")

func chooseModel(requested, fallback string) string {
	if strings.TrimSpace(requested) != "" {
		return requested
	}
	return fallback
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// trimBaseURL strips trailing slashes so callers can append paths.
func trimBaseURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

// nonEmptyTurns drops assistant turns with no content; providers reject them.
func nonEmptyTurns(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == RoleSystem {
			continue
		}
		if t.Role == RoleAssistant && strings.TrimSpace(t.Text) == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}
