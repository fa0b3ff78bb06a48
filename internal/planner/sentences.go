package planner

import (
	"strings"
	"unicode"
)

// abbreviations end in a period without ending a sentence.
var abbreviations = map[string]bool{
	"čl": true, "st": true, "br": true, "npr": true, "tzv": true, "tj": true,
	"sl": true, "itd": true, "dr": true, "god": true, "t": true, "toč": true,
	"art": true, "para": true, "no": true, "vol": true,
}

// sentenceEnds returns the exclusive end offsets of each sentence in text.
// The final offset is always len(text).
func sentenceEnds(text string) []int {
	var ends []int
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\n':
			ends = append(ends, i)
		case '.', '!', '?', ';':
			if i+1 < len(text) && (text[i+1] == ' ' || text[i+1] == '\n') && !abbreviated(text, i) {
				ends = append(ends, i+1)
			}
		}
	}
	if len(ends) == 0 || ends[len(ends)-1] != len(text) {
		ends = append(ends, len(text))
	}
	return ends
}

// abbreviated reports whether the period at i closes an abbreviation or an
// ordinal number ("5. siječnja").
func abbreviated(text string, i int) bool {
	if text[i] != '.' {
		return false
	}
	start := i
	for start > 0 && text[start-1] != ' ' && text[start-1] != '\n' && text[start-1] != '(' {
		start--
	}
	word := strings.ToLower(text[start:i])
	if word == "" {
		return false
	}
	if abbreviations[word] {
		return true
	}
	for _, r := range word {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// packSentences groups consecutive sentences into parts of at most target
// bytes. A sentence longer than target becomes a part on its own. Sentence
// ends within the first keep bytes (the marker line) are not split points.
func packSentences(text string, target, keep int) []string {
	var parts []string
	partStart, prev := 0, 0
	for _, end := range sentenceEnds(text) {
		if end <= keep {
			continue
		}
		if end-partStart > target && prev > partStart {
			if part := strings.TrimSpace(text[partStart:prev]); part != "" {
				parts = append(parts, part)
			}
			partStart = prev
		}
		prev = end
	}
	if part := strings.TrimSpace(text[partStart:]); part != "" {
		parts = append(parts, part)
	}
	return parts
}
