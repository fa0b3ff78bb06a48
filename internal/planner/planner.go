// Package planner partitions a provision tree into bounded extraction jobs.
package planner

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/parser"
)

// Config bounds job sizes.
type Config struct {
	TargetBytes int `yaml:"target_bytes" mapstructure:"target_bytes"`
}

// DefaultTargetBytes keeps a job comfortably inside one model call.
const DefaultTargetBytes = 8000

// histogramBounds are the inclusive upper bounds of the size buckets; the
// last bucket is open-ended.
var histogramBounds = []int{512, 1024, 2048, 4096, 8192, 16384}

// Bucket counts jobs whose size is at most UpperBound (0 = unbounded).
type Bucket struct {
	UpperBound int `json:"upper_bound"`
	Count      int `json:"count"`
}

// Summary describes a plan.
type Summary struct {
	JobCount   int      `json:"job_count"`
	TotalBytes int      `json:"total_bytes"`
	MaxBytes   int      `json:"max_bytes"`
	Histogram  []Bucket `json:"histogram"`
}

// Plan is the ordered job list for one document.
type Plan struct {
	DocumentID string                `json:"document_id"`
	Identity   parser.Identity       `json:"parser"`
	Jobs       []model.ExtractionJob `json:"jobs"`
	Summary    Summary               `json:"summary"`
}

// Planner is stateless apart from its config; Plan is a pure function of the
// parse result.
type Planner struct {
	target int
}

// New creates a Planner.
func New(cfg Config) *Planner {
	target := cfg.TargetBytes
	if target <= 0 {
		target = DefaultTargetBytes
	}
	return &Planner{target: target}
}

// PlanDocument parses raw with p and plans the result.
func (pl *Planner) PlanDocument(documentID string, raw []byte, class parser.ContentClass, p *parser.Parser) (*Plan, error) {
	res, err := p.Parse(raw, class)
	if err != nil {
		return nil, eris.Wrapf(err, "planner: parse %s", documentID)
	}
	return pl.Plan(documentID, res)
}

// Plan walks the tree in document order and emits one job per provision that
// fits the target size, descending into children for larger provisions.
func (pl *Planner) Plan(documentID string, res *parser.Result) (*Plan, error) {
	if documentID == "" {
		return nil, eris.New("planner: document id is required")
	}
	if res == nil {
		return nil, eris.New("planner: nil parse result")
	}

	b := &builder{documentID: documentID, target: pl.target, clean: res.CleanText}
	for _, n := range res.Nodes {
		b.visit(n)
	}

	return &Plan{
		DocumentID: documentID,
		Identity:   res.Identity,
		Jobs:       b.jobs,
		Summary:    summarize(b.jobs),
	}, nil
}

type builder struct {
	documentID string
	target     int
	clean      string
	jobs       []model.ExtractionJob
}

func (b *builder) emit(path string, level model.Level, text string) {
	b.jobs = append(b.jobs, model.ExtractionJob{
		DocumentID: b.documentID,
		NodePath:   path,
		Level:      level,
		Ordinal:    len(b.jobs),
		Text:       text,
		SizeBytes:  len(text),
	})
}

func (b *builder) visit(n *model.ProvisionNode) {
	if n.Size() <= b.target {
		b.emit(n.Path, n.Level, n.RawText)
		return
	}

	if len(n.Children) == 0 {
		b.split(n.Path, n.Level, n.RawText, len(n.Label))
		return
	}

	// Text ahead of the first child (beyond the marker line) is its own job.
	intro := b.clean[n.StartOffset:n.Children[0].StartOffset]
	if hasBody(intro, n.Label) {
		b.split(n.Path+"#intro", n.Level, strings.TrimRight(intro, " \n\t"), len(n.Label))
	}
	for _, c := range n.Children {
		b.visit(c)
	}
}

// split emits text as one job or, when it exceeds the target, as sentence
// packed parts #s1, #s2, ...
func (b *builder) split(path string, level model.Level, text string, keep int) {
	if len(text) <= b.target {
		b.emit(path, level, text)
		return
	}
	parts := packSentences(text, b.target, keep)
	if len(parts) == 1 {
		b.emit(path, level, parts[0])
		return
	}
	for i, part := range parts {
		b.emit(path+"#s"+strconv.Itoa(i+1), level, part)
	}
}

// hasBody reports whether intro holds anything besides the marker label.
func hasBody(intro, label string) bool {
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(intro), label))
	return rest != ""
}

func summarize(jobs []model.ExtractionJob) Summary {
	s := Summary{JobCount: len(jobs)}
	s.Histogram = make([]Bucket, len(histogramBounds)+1)
	for i, ub := range histogramBounds {
		s.Histogram[i].UpperBound = ub
	}
	for _, j := range jobs {
		s.TotalBytes += j.SizeBytes
		if j.SizeBytes > s.MaxBytes {
			s.MaxBytes = j.SizeBytes
		}
		idx := len(histogramBounds)
		for i, ub := range histogramBounds {
			if j.SizeBytes <= ub {
				idx = i
				break
			}
		}
		s.Histogram[idx].Count++
	}
	return s
}
