package store

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

const (
	DefaultTitle  = "New conversation"
	titleMaxWidth = 50
)

// TitleFromText derives a conversation title from the first line of a
// message, truncated to titleMaxWidth display cells with a trailing "...".
func TitleFromText(text string) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return DefaultTitle
	}
	if runewidth.StringWidth(line) > titleMaxWidth {
		return runewidth.Truncate(line, titleMaxWidth, "...")
	}
	return line
}
