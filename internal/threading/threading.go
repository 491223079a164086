// Package threading extracts conversation hints from message headers.
package threading

import (
	"regexp"
	"strings"
)

// msgIDPattern matches one bracketed msg-id (e.g., <abc@example.com>).
var msgIDPattern = regexp.MustCompile(`<([^<>\s]+)>`)

// ExtractMessageIDs extracts all msg-ids from a References or In-Reply-To
// header value. Angle brackets are stripped. Returns a deduplicated list
// preserving the order of first occurrence. Values written without
// brackets by broken clients are split on whitespace instead.
func ExtractMessageIDs(header string) []string {
	var matches []string
	for _, m := range msgIDPattern.FindAllStringSubmatch(header, -1) {
		matches = append(matches, m[1])
	}
	if len(matches) == 0 {
		matches = strings.Fields(header)
	}
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var result []string
	for _, m := range matches {
		m = NormalizeID(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		result = append(result, m)
	}
	return result
}

// NormalizeID trims whitespace and surrounding angle brackets.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// ThreadID returns the head of the reply chain: the first References
// entry, else the In-Reply-To target, else the message's own id. A
// message that starts a conversation is its own thread.
func ThreadID(references []string, inReplyTo, messageID string) string {
	if len(references) > 0 {
		return references[0]
	}
	if inReplyTo != "" {
		return inReplyTo
	}
	return messageID
}
