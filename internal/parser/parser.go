// Package parser converts gazette documents into an offset-exact provision tree.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gazette-cli/internal/model"
)

const (
	// ParserID identifies this parser in persisted artifacts.
	ParserID = "gazette-structural"
	// ParserVersion changes whenever extraction logic changes.
	ParserVersion = "2.1.0"
)

// Config controls normalization and marker detection. Every field feeds
// ConfigHash, so two parsers with equal configs produce identical trees.
type Config struct {
	NormalizeUnicode bool   `json:"normalize_unicode" mapstructure:"normalize_unicode"`
	ArticlePattern   string `json:"article_pattern" mapstructure:"article_pattern"`
	ParagraphPattern string `json:"paragraph_pattern" mapstructure:"paragraph_pattern"`
	PointPattern     string `json:"point_pattern" mapstructure:"point_pattern"`
	MaxDepth         int    `json:"max_depth" mapstructure:"max_depth"`
}

// Default marker patterns. Each must capture the marker's identifier in its
// first non-empty group and match at a line start.
const (
	DefaultArticlePattern   = `(?m)^(?:Članak|ČLANAK|Article|ARTICLE)[ \t]+(\d+)\.?[ \t]*([a-z])?\.?[ \t]*$`
	DefaultParagraphPattern = `(?m)^\((\d+)\)[ \t]`
	DefaultPointPattern     = `(?m)^(?:(\d+)\.|([a-zčćđšž])\))[ \t]`
)

// DefaultConfig returns the configuration used for Narodne novine documents.
func DefaultConfig() Config {
	return Config{
		NormalizeUnicode: true,
		ArticlePattern:   DefaultArticlePattern,
		ParagraphPattern: DefaultParagraphPattern,
		PointPattern:     DefaultPointPattern,
		MaxDepth:         3,
	}
}

// Identity attributes a parse result to the exact parser that produced it.
type Identity struct {
	ParserID      string `json:"parser_id"`
	ParserVersion string `json:"parser_version"`
	ConfigHash    string `json:"parse_config_hash"`
}

// Result is the output of one Parse call.
type Result struct {
	Identity  Identity               `json:"identity"`
	CleanText string                 `json:"clean_text"`
	Nodes     []*model.ProvisionNode `json:"nodes"`
	Mapping   Mapping                `json:"mapping"`
}

// Flat returns every node in document order.
func (r *Result) Flat() []*model.ProvisionNode {
	var out []*model.ProvisionNode
	for _, n := range r.Nodes {
		n.Walk(func(c *model.ProvisionNode) { out = append(out, c) })
	}
	return out
}

// Stats counts nodes per level.
func (r *Result) Stats() map[model.Level]int {
	stats := make(map[model.Level]int)
	for _, n := range r.Flat() {
		stats[n.Level]++
	}
	return stats
}

// Parser is safe for concurrent use; it holds only compiled patterns.
type Parser struct {
	cfg       Config
	hash      string
	article   *regexp.Regexp
	paragraph *regexp.Regexp
	point     *regexp.Regexp
}

// New compiles cfg into a Parser. Empty fields take defaults.
func New(cfg Config) (*Parser, error) {
	def := DefaultConfig()
	if cfg.ArticlePattern == "" {
		cfg.ArticlePattern = def.ArticlePattern
	}
	if cfg.ParagraphPattern == "" {
		cfg.ParagraphPattern = def.ParagraphPattern
	}
	if cfg.PointPattern == "" {
		cfg.PointPattern = def.PointPattern
	}
	if cfg.MaxDepth <= 0 || cfg.MaxDepth > 3 {
		cfg.MaxDepth = def.MaxDepth
	}

	p := &Parser{cfg: cfg, hash: ConfigHash(cfg)}
	var err error
	if p.article, err = regexp.Compile(cfg.ArticlePattern); err != nil {
		return nil, eris.Wrap(err, "parser: compile article pattern")
	}
	if p.paragraph, err = regexp.Compile(cfg.ParagraphPattern); err != nil {
		return nil, eris.Wrap(err, "parser: compile paragraph pattern")
	}
	if p.point, err = regexp.Compile(cfg.PointPattern); err != nil {
		return nil, eris.Wrap(err, "parser: compile point pattern")
	}
	return p, nil
}

// ConfigHash returns the sha256 of cfg's canonical JSON encoding.
func ConfigHash(cfg Config) string {
	data, _ := json.Marshal(cfg)
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Identity reports the parser id, version and config hash.
func (p *Parser) Identity() Identity {
	return Identity{ParserID: ParserID, ParserVersion: ParserVersion, ConfigHash: p.hash}
}

// Config returns the effective configuration.
func (p *Parser) Config() Config {
	return p.cfg
}

// Parse normalizes raw and builds the provision tree. It fails closed with an
// *IntegrityError if any node's offsets do not re-extract its text.
func (p *Parser) Parse(raw []byte, class ContentClass) (*Result, error) {
	clean, mapping := normalize(raw, class, p.cfg.NormalizeUnicode)

	res := &Result{
		Identity:  p.Identity(),
		CleanText: clean,
		Mapping:   mapping,
		Nodes:     p.buildTree(clean),
	}

	if violations := Verify(clean, res.Nodes); len(violations) > 0 {
		zap.L().Error("parser: offset integrity violated",
			zap.String("parser_version", ParserVersion),
			zap.String("config_hash", p.hash),
			zap.Int("violations", len(violations)),
		)
		return nil, &IntegrityError{Identity: res.Identity, Violations: violations}
	}
	return res, nil
}

// span is a marker-delimited region [start, end) with its header end.
type span struct {
	id        string
	label     string
	start     int
	headerEnd int
	end       int
}

// findSpans locates markers of re inside text[from:to]. Each span runs to the
// next marker (or to) with trailing whitespace trimmed.
func findSpans(re *regexp.Regexp, text string, from, to int) []span {
	matches := re.FindAllStringSubmatchIndex(text[from:to], -1)
	spans := make([]span, 0, len(matches))
	for _, m := range matches {
		// A match at the slice start only counts when it is also a line start.
		if m[0] == 0 && from > 0 && text[from-1] != '\n' {
			continue
		}
		id := ""
		for g := 1; g*2+1 < len(m); g++ {
			if m[g*2] >= 0 {
				id += text[from+m[g*2] : from+m[g*2+1]]
			}
		}
		spans = append(spans, span{
			id:        strings.ToLower(id),
			label:     strings.TrimSpace(text[from+m[0] : from+m[1]]),
			start:     from + m[0],
			headerEnd: from + m[1],
		})
	}
	for i := range spans {
		end := to
		if i+1 < len(spans) {
			end = spans[i+1].start
		}
		spans[i].end = trimRight(text, spans[i].start, end)
	}
	return spans
}

// trimRight moves end back over trailing whitespace, never past start.
func trimRight(text string, start, end int) int {
	for end > start {
		switch text[end-1] {
		case ' ', '\n', '\t':
			end--
		default:
			return end
		}
	}
	return end
}

func (p *Parser) buildTree(clean string) []*model.ProvisionNode {
	articles := findSpans(p.article, clean, 0, len(clean))
	roots := make([]*model.ProvisionNode, 0, len(articles))
	seen := make(map[string]int)
	for _, a := range articles {
		node := newNode(clean, a, model.LevelArticle, uniquePath(seen, "art-"+a.id))
		if p.cfg.MaxDepth > 1 {
			node.Children = p.buildParagraphs(clean, a, node.Path)
		}
		roots = append(roots, node)
	}
	return roots
}

func (p *Parser) buildParagraphs(clean string, article span, parent string) []*model.ProvisionNode {
	paras := findSpans(p.paragraph, clean, article.headerEnd, article.end)
	if len(paras) == 0 {
		if p.cfg.MaxDepth > 2 {
			return p.buildPoints(clean, article.headerEnd, article.end, parent)
		}
		return nil
	}

	seen := make(map[string]int)
	nodes := make([]*model.ProvisionNode, 0, len(paras))
	for _, s := range paras {
		node := newNode(clean, s, model.LevelParagraph, uniquePath(seen, parent+"/par-"+s.id))
		if p.cfg.MaxDepth > 2 {
			node.Children = p.buildPoints(clean, s.headerEnd, s.end, node.Path)
		}
		nodes = append(nodes, node)
	}
	return nodes
}

func (p *Parser) buildPoints(clean string, from, to int, parent string) []*model.ProvisionNode {
	if from >= to {
		return nil
	}
	points := findSpans(p.point, clean, from, to)
	seen := make(map[string]int)
	nodes := make([]*model.ProvisionNode, 0, len(points))
	for _, s := range points {
		nodes = append(nodes, newNode(clean, s, model.LevelPoint, uniquePath(seen, parent+"/pt-"+s.id)))
	}
	return nodes
}

func newNode(clean string, s span, level model.Level, path string) *model.ProvisionNode {
	return &model.ProvisionNode{
		Path:        path,
		Level:       level,
		Label:       s.label,
		StartOffset: s.start,
		EndOffset:   s.end,
		RawText:     clean[s.start:s.end],
	}
}

// uniquePath suffixes repeated sibling paths with ~2, ~3, ...
func uniquePath(seen map[string]int, path string) string {
	seen[path]++
	if n := seen[path]; n > 1 {
		return fmt.Sprintf("%s~%d", path, n)
	}
	return path
}
