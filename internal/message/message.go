package message

import (
	"fmt"
	"regexp"
	"strings"
)

// questionIDMarker precedes the question id in the opening message of a thread.
const questionIDMarker = "Question ID: "

var mentionRe = regexp.MustCompile(`^<@[A-Z0-9]+>\s*`)

// Compose formats the opening message posted into a new thread. The question
// id is always the last line.
func Compose(name, text, questionID string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("New question from %s:\n\n", name))
	b.WriteString(text)
	b.WriteString("\n\n")
	b.WriteString(questionIDMarker)
	b.WriteString(questionID)
	return b.String()
}

// ThreadTitle returns the parent message text for a user's thread.
func ThreadTitle(name string) string {
	return fmt.Sprintf("Dialogue with %s", name)
}

// StripMention removes the leading <@BOTID> mention from a message.
func StripMention(text string) string {
	return mentionRe.ReplaceAllString(text, "")
}

// Truncate shortens a string to n runes, replacing newlines with spaces.
func Truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
