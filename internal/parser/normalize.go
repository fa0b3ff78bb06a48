package parser

import (
	"bytes"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// ContentClass declares how raw document bytes are encoded.
type ContentClass string

const (
	ClassText ContentClass = "text"
	ClassHTML ContentClass = "html"
)

// Anchor ties a clean-text offset to the original byte offset it came from.
type Anchor struct {
	Clean int `json:"clean"`
	Orig  int `json:"orig"`
}

// Mapping translates clean-text offsets back to offsets in the raw input.
// Offsets are exact within text runs that normalization did not rewrite and
// resolve to the start of the enclosing run otherwise.
type Mapping struct {
	Anchors []Anchor `json:"anchors"`
	origLen int
}

// Original returns the raw-input offset for a clean-text offset.
func (m Mapping) Original(clean int) int {
	if len(m.Anchors) == 0 {
		return 0
	}
	i := sort.Search(len(m.Anchors), func(i int) bool { return m.Anchors[i].Clean > clean }) - 1
	if i < 0 {
		return m.Anchors[0].Orig
	}
	a := m.Anchors[i]
	orig := a.Orig + (clean - a.Clean)
	limit := m.origLen
	if i+1 < len(m.Anchors) {
		limit = m.Anchors[i+1].Orig
	}
	if orig > limit {
		orig = limit
	}
	return orig
}

// blockTags break lines in the clean text.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true, "blockquote": true,
}

// skipTags contribute no text.
var skipTags = map[string]bool{"script": true, "style": true, "head": true}

// cleaner accumulates normalized text and its anchors.
type cleaner struct {
	sb           strings.Builder
	anchors      []Anchor
	unicodeNFC   bool
	pendingSpace bool
	pendingLines int
}

func (c *cleaner) lastByte() byte {
	s := c.sb.String()
	if len(s) == 0 {
		return '\n'
	}
	return s[len(s)-1]
}

func (c *cleaner) lineBreak() {
	c.pendingSpace = false
	c.pendingLines++
}

// text appends a run of text that started at orig in the raw input. With NFC
// enabled the run is composed one boundary segment at a time, so only the
// segments NFC actually rewrites lose byte precision.
func (c *cleaner) text(s string, orig int) {
	if !c.unicodeNFC || norm.NFC.IsNormalString(s) {
		c.write(s, orig, true)
		return
	}
	var it norm.Iter
	it.InitString(norm.NFC, s)
	for !it.Done() {
		start := it.Pos()
		seg := string(it.Next())
		c.write(seg, orig+start, seg == s[start:it.Pos()])
	}
}

// write appends s. When exact is false every rune of s maps to orig.
func (c *cleaner) write(s string, orig int, exact bool) {
	for i, r := range s {
		switch {
		case r == '\n':
			c.lineBreak()
			continue
		case unicode.IsSpace(r) || r == ' ':
			c.pendingSpace = true
			continue
		}
		c.flushPending()
		pos := orig
		if exact {
			pos += i
		}
		c.anchor(pos)
		c.sb.WriteRune(r)
	}
}

// anchor records pos unless it already follows linearly from the last anchor.
func (c *cleaner) anchor(pos int) {
	if n := len(c.anchors); n > 0 {
		last := c.anchors[n-1]
		if last.Clean+(pos-last.Orig) == c.sb.Len() {
			return
		}
	}
	c.anchors = append(c.anchors, Anchor{Clean: c.sb.Len(), Orig: pos})
}

func (c *cleaner) flushPending() {
	if c.sb.Len() > 0 {
		switch {
		case c.pendingLines > 1:
			c.sb.WriteString("\n\n")
		case c.pendingLines == 1:
			c.sb.WriteByte('\n')
		case c.pendingSpace && c.lastByte() != '\n':
			c.sb.WriteByte(' ')
		}
	}
	c.pendingLines = 0
	c.pendingSpace = false
}

// normalize converts raw input into clean text plus an offset mapping.
// Lines are trimmed, runs of spaces collapse to one, and at most one blank
// line separates blocks.
func normalize(raw []byte, class ContentClass, nfc bool) (string, Mapping) {
	c := &cleaner{unicodeNFC: nfc}
	if !utf8.Valid(raw) {
		raw = bytes.ToValidUTF8(raw, []byte("�"))
	}

	switch class {
	case ClassHTML:
		normalizeHTML(c, raw)
	default:
		c.text(string(raw), 0)
	}

	return c.sb.String(), Mapping{Anchors: c.anchors, origLen: len(raw)}
}

func normalizeHTML(c *cleaner, raw []byte) {
	z := html.NewTokenizer(bytes.NewReader(raw))
	offset := 0
	skipDepth := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return
		}
		tokRaw := len(z.Raw())
		switch tt {
		case html.TextToken:
			if skipDepth == 0 {
				c.text(string(z.Text()), offset)
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipTags[tag] && tt == html.StartTagToken {
				skipDepth++
			}
			if blockTags[tag] {
				c.lineBreak()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipTags[tag] && skipDepth > 0 {
				skipDepth--
			}
			if blockTags[tag] {
				c.lineBreak()
			}
		}
		offset += tokRaw
	}
}
