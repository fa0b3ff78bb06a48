package anthropic

import "strings"

// CleanJSON returns the JSON object in model text, dropping a surrounding
// markdown fence and any prose before the first '{' or after the last '}'.
// Text without an object comes back trimmed.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(text, "```"); ok {
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.LastIndex(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		text = rest
	}
	start, end := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
