package service

import (
	"regexp"
	"strings"

	"chatbridge/pkg/conversation"
)

// buttonMarker matches [[id|label]] quick-reply markers in generated text.
var buttonMarker = regexp.MustCompile(`\[\[\s*([^|\]]+?)\s*\|\s*([^\]]+?)\s*\]\]`)

// ParseButtons strips button markers from text and returns them in order of
// appearance. Duplicate ids keep the first label.
func ParseButtons(text string) (string, []conversation.Button) {
	matches := buttonMarker.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(text), nil
	}

	seen := make(map[string]struct{}, len(matches))
	buttons := make([]conversation.Button, 0, len(matches))
	for _, match := range matches {
		id := strings.TrimSpace(match[1])
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		buttons = append(buttons, conversation.Button{ID: id, Label: strings.TrimSpace(match[2])})
	}

	clean := buttonMarker.ReplaceAllString(text, "")
	lines := strings.Split(clean, "\n")
	kept := lines[:0]
	for _, line := range lines {
		kept = append(kept, strings.TrimRight(line, " \t"))
	}

	return strings.TrimSpace(strings.Join(kept, "\n")), buttons
}

// VisibleText hides a trailing partial marker while a reply is still streaming.
// A lone trailing "[" is hidden too since it may open a marker.
func VisibleText(partial string) string {
	text, _ := ParseButtons(partial)
	if idx := strings.LastIndex(text, "[["); idx >= 0 && !strings.Contains(text[idx:], "]]") {
		text = strings.TrimSpace(text[:idx])
	}
	if strings.HasSuffix(text, "[") {
		text = strings.TrimSpace(strings.TrimSuffix(text, "["))
	}

	return text
}
