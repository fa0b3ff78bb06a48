package reasoning

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/gazette-cli/internal/citation"
	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/resilience"
)

// resolvedContext is the output of CONTEXT_RESOLUTION.
type resolvedContext struct {
	query        string
	jurisdiction string
	asOf         time.Time
	references   []string
}

var (
	articleRefRe = regexp.MustCompile(`(?i)(?:član(?:ak|ka|ku|kom)|čl\.)\s*(\d+)\.?(?:\s*(?:st(?:avak|avka|avku)?\.?)\s*(\d+)\.?)?`)
	gazetteRefRe = regexp.MustCompile(`(?i)\bNN\s*(\d{1,3})\s*/\s*(\d{2,4})\b`)
	dateRe       = regexp.MustCompile(`\b(\d{1,2})\.\s?(\d{1,2})\.\s?(\d{4})\.?`)
)

func (r *run) resolveContext(_ context.Context) (map[string]any, error) {
	q := strings.TrimSpace(r.req.Query)
	if q == "" {
		return nil, fail(model.ErrInvalidQuery, "query is empty")
	}
	if len(q) > r.p.deps.MaxQueryLen {
		return nil, fail(model.ErrInvalidQuery, "query exceeds %d bytes", r.p.deps.MaxQueryLen)
	}
	if r.req.Surface != "" && !r.req.Surface.Valid() {
		return nil, fail(model.ErrInvalidQuery, "unknown surface %q", r.req.Surface)
	}

	asOf := r.req.AsOf
	if asOf.IsZero() {
		if d, ok := dateInQuery(q); ok {
			asOf = d
		} else {
			asOf = r.p.deps.Clock.Now()
		}
	}
	y, m, d := asOf.Date()
	asOf = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	rc := &resolvedContext{
		query:        q,
		jurisdiction: r.p.deps.Jurisdiction,
		asOf:         asOf,
		references:   references(q),
	}
	r.resolved = rc

	return map[string]any{
		"jurisdiction": rc.jurisdiction,
		"as_of":        rc.asOf.Format(time.DateOnly),
		"references":   rc.references,
	}, nil
}

// references extracts provision and gazette references in order of first
// appearance, e.g. "čl. 5 st. 2" and "NN 73/13".
func references(q string) []string {
	type hit struct {
		at  int
		ref string
	}
	var hits []hit
	for _, m := range articleRefRe.FindAllStringSubmatchIndex(q, -1) {
		ref := "čl. " + q[m[2]:m[3]]
		if m[4] >= 0 {
			ref += " st. " + q[m[4]:m[5]]
		}
		hits = append(hits, hit{m[0], ref})
	}
	for _, m := range gazetteRefRe.FindAllStringSubmatchIndex(q, -1) {
		hits = append(hits, hit{m[0], "NN " + q[m[2]:m[3]] + "/" + q[m[4]:m[5]]})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].at < hits[j].at })

	seen := make(map[string]bool, len(hits))
	out := []string{}
	for _, h := range hits {
		if !seen[h.ref] {
			seen[h.ref] = true
			out = append(out, h.ref)
		}
	}
	return out
}

// dateInQuery finds a Croatian-style date such as "1. 7. 2024." in q.
func dateInQuery(q string) (time.Time, bool) {
	m := dateRe.FindStringSubmatch(q)
	if m == nil {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

func (r *run) selectSources(ctx context.Context) (map[string]any, error) {
	rc := r.resolved
	q := SourceQuery{
		Text:         rc.query,
		Jurisdiction: rc.jurisdiction,
		AsOf:         rc.asOf,
		References:   rc.references,
		Limit:        r.p.deps.MaxSources * 4,
	}

	cb := r.p.deps.Breakers.Get(resilience.ServiceSourceIndex)
	cards, err := resilience.Call(ctx, cb, r.p.deps.PhaseTimeout, func(ctx context.Context) ([]model.SourceCard, error) {
		return r.p.deps.Retriever.SearchSources(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	if err := r.progress(model.StageSourceSelection, "candidates retrieved", map[string]any{"candidates": len(cards)}); err != nil {
		return nil, err
	}

	// Sources that take effect after the as-of date do not apply yet.
	selected := make([]model.SourceCard, 0, len(cards))
	for _, c := range cards {
		if c.EffectiveFrom != nil && c.EffectiveFrom.After(rc.asOf) {
			continue
		}
		selected = append(selected, c)
	}
	if len(selected) == 0 {
		return nil, fail(model.ErrNoSources, "no sources in force on %s", rc.asOf.Format(time.DateOnly))
	}
	r.selected = selected

	return map[string]any{
		"candidates": len(cards),
		"selected":   len(selected),
	}, nil
}

func (r *run) rankCitations(_ context.Context) (map[string]any, error) {
	ranked := citation.Order(r.selected)
	if len(ranked) > r.p.deps.MaxSources {
		ranked = ranked[:r.p.deps.MaxSources]
	}
	r.ranked = ranked

	ids := make([]string, len(ranked))
	for i, c := range ranked {
		ids[i] = c.ID
	}
	return map[string]any{
		"primary": ranked[0].ID,
		"order":   ids,
	}, nil
}

func (r *run) synthesize(ctx context.Context) (map[string]any, error) {
	in := SynthesisInput{
		RequestID: r.req.RequestID,
		Query:     r.resolved.query,
		AsOf:      r.resolved.asOf,
		Sources:   r.ranked,
	}

	cb := r.p.deps.Breakers.Get(resilience.ServiceAnthropic)
	syn, err := resilience.Call(ctx, cb, r.p.deps.PhaseTimeout, func(ctx context.Context) (*Synthesis, error) {
		return r.p.deps.Synthesizer.Synthesize(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	if syn == nil || strings.TrimSpace(syn.Answer) == "" {
		return nil, fail(model.ErrSynthesisFailed, "empty answer")
	}

	citations := restrict(r.ranked, syn.CitationIDs)
	if len(citations) == 0 {
		return nil, fail(model.ErrSynthesisFailed, "answer cites none of the selected sources")
	}

	r.answer = &model.AnswerPayload{
		AnswerText: strings.TrimSpace(syn.Answer),
		Citations:  citations,
	}
	return map[string]any{"cited": len(citations)}, nil
}

// restrict keeps the ranked cards whose ids were cited, in ranked order.
// Ids not among the ranked cards are dropped.
func restrict(ranked []model.SourceCard, ids []string) []model.SourceCard {
	cited := make(map[string]bool, len(ids))
	for _, id := range ids {
		cited[id] = true
	}
	out := make([]model.SourceCard, 0, len(ids))
	for _, c := range ranked {
		if cited[c.ID] {
			out = append(out, c)
		}
	}
	return out
}
