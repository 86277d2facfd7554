package store

import (
	"fmt"
	"strings"

	"github.com/echochat/echochat/internal/llm"
)

// ExportOptions configures conversation export.
type ExportOptions struct {
	IncludeSystem bool // include the system prompt
}

// escapeTableCell escapes characters that break markdown table cells.
func escapeTableCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// ExportToMarkdown renders a conversation as a markdown document. acct may
// be nil for archived conversations whose account was deleted.
func ExportToMarkdown(conv *Conversation, acct *Account, messages []Message, opts ExportOptions) string {
	var b strings.Builder

	title := conv.Title
	if title == "" {
		title = DefaultTitle
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	b.WriteString("| | |\n")
	b.WriteString("|---|---|\n")
	if acct != nil {
		fmt.Fprintf(&b, "| **Account** | %s |\n", escapeTableCell(acct.DisplayName()))
		fmt.Fprintf(&b, "| **Provider** | %s |\n", acct.Kind)
		fmt.Fprintf(&b, "| **Model** | %s |\n", escapeTableCell(acct.Model))
	}
	fmt.Fprintf(&b, "| **Created** | %s |\n", conv.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"))

	var in, out, turns int
	for _, m := range messages {
		in += m.InputTokens
		out += m.OutputTokens
		if m.Role == llm.RoleUser {
			turns++
		}
	}
	fmt.Fprintf(&b, "| **Turns** | %d |\n", turns)
	fmt.Fprintf(&b, "| **Tokens** | %s |\n\n", formatTokens(in, out))

	if opts.IncludeSystem && conv.SystemPrompt != "" {
		b.WriteString("### System\n\n")
		b.WriteString(conv.SystemPrompt)
		b.WriteString("\n\n")
	}

	b.WriteString("---\n\n")

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			if !opts.IncludeSystem {
				continue
			}
			b.WriteString("### System\n\n")
		case llm.RoleUser:
			b.WriteString("### You\n\n")
		default:
			name := msg.Model
			if name == "" {
				name = "Assistant"
			}
			fmt.Fprintf(&b, "### %s\n\n", name)
		}

		if msg.Content != "" {
			b.WriteString(msg.Content)
			b.WriteString("\n\n")
		}
		for _, att := range msg.Attachments {
			fmt.Fprintf(&b, "*[attachment: %s, %s]*\n\n", att.MIMEType, formatBytes(len(att.Data)))
		}
		switch msg.Status {
		case StatusCancelled:
			b.WriteString("*[cancelled]*\n\n")
		case StatusFailed:
			cause := "failed"
			if e := msg.Failure(); e != nil {
				cause = e.Error()
			}
			fmt.Fprintf(&b, "*[failed: %s]*\n\n", cause)
		case StatusStreaming:
			b.WriteString("*[in progress]*\n\n")
		}
		b.WriteString("---\n\n")
	}

	return b.String()
}

// formatTokens formats input/output tokens in a readable format.
func formatTokens(input, output int) string {
	if input == 0 && output == 0 {
		return "-"
	}
	return fmt.Sprintf("%s in / %s out", formatCount(input), formatCount(output))
}

// formatCount formats a number in compact form (e.g., 1K, 1.2K, 3.4M).
func formatCount(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		val := float64(n) / 1000
		if val == float64(int(val)) {
			return fmt.Sprintf("%dK", int(val))
		}
		return fmt.Sprintf("%.1fK", val)
	}
	val := float64(n) / 1000000
	if val == float64(int(val)) {
		return fmt.Sprintf("%dM", int(val))
	}
	return fmt.Sprintf("%.1fM", val)
}

func formatBytes(n int) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	}
	return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
}
