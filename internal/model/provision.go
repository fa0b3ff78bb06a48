// Package model holds the data types shared across the gazette pipeline.
package model

// Level is the structural depth of a provision.
type Level string

const (
	LevelArticle   Level = "article"
	LevelParagraph Level = "paragraph"
	LevelPoint     Level = "point"
)

// Depth returns 0 for articles, 1 for paragraphs and 2 for points.
func (l Level) Depth() int {
	switch l {
	case LevelArticle:
		return 0
	case LevelParagraph:
		return 1
	case LevelPoint:
		return 2
	default:
		return -1
	}
}

// ProvisionNode is one article, paragraph or point of a parsed document.
// CleanText[StartOffset:EndOffset] == RawText holds for every node.
type ProvisionNode struct {
	Path        string           `json:"path"`
	Level       Level            `json:"level"`
	Label       string           `json:"label"` // marker as printed, e.g. "Članak 5.", "(2)", "a)"
	StartOffset int              `json:"start_offset"`
	EndOffset   int              `json:"end_offset"`
	RawText     string           `json:"raw_text"`
	Children    []*ProvisionNode `json:"children,omitempty"`
}

// Size returns the byte length of the node's span.
func (n *ProvisionNode) Size() int {
	return n.EndOffset - n.StartOffset
}

// Walk visits n and its descendants in document order.
func (n *ProvisionNode) Walk(fn func(*ProvisionNode)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// ExtractionJob is one bounded unit of model extraction work.
type ExtractionJob struct {
	DocumentID string `json:"document_id"`
	NodePath   string `json:"node_path"`
	Level      Level  `json:"level"`
	Ordinal    int    `json:"ordinal"`
	Text       string `json:"text"`
	SizeBytes  int    `json:"size_bytes"`
}

// DedupKey identifies the job across re-plans of the same document.
func (j ExtractionJob) DedupKey() string {
	return j.DocumentID + "|" + j.NodePath
}

// Fact is one structured statement extracted from a provision.
type Fact struct {
	Kind       string  `json:"kind"`
	Subject    string  `json:"subject"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}
