package tagger

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrParse is returned when no parser in the chain accepts the model output.
var ErrParse = errors.New("tagger: no parser accepted the model output")

// parser extracts a Result from raw model output. ok is false when the
// parser does not recognise the input.
type parser struct {
	name string
	fn   func(raw string) (Result, bool)
}

// parsers run in order; the first to accept wins.
var parsers = []parser{
	{name: "json", fn: parseStrict},
	{name: "fenced", fn: parseFenced},
	{name: "repair", fn: parseRepaired},
	{name: "regex", fn: parseFields},
}

// Parse extracts tags and a summary from raw model output. Tags are
// lowercased, trimmed and deduplicated. It returns ErrParse when every
// parser rejects the input.
func Parse(raw string) (Result, error) {
	for _, p := range parsers {
		if res, ok := p.fn(raw); ok {
			return res, nil
		}
	}
	return Result{}, ErrParse
}

// wireResult accepts tags either as a list or as one comma-separated string.
type wireResult struct {
	Tags    json.RawMessage `json:"tags"`
	Summary string          `json:"summary"`
}

func parseStrict(raw string) (Result, bool) {
	var w wireResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &w); err != nil {
		return Result{}, false
	}
	var tags []string
	if len(w.Tags) > 0 {
		if err := json.Unmarshal(w.Tags, &tags); err != nil {
			var s string
			if err := json.Unmarshal(w.Tags, &s); err != nil {
				return Result{}, false
			}
			tags = strings.Split(s, ",")
		}
	}
	return normalise(tags, w.Summary)
}

var fenceRE = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// parseFenced handles answers wrapped in a markdown code block or surrounded
// by prose.
func parseFenced(raw string) (Result, bool) {
	for _, c := range candidates(raw) {
		if res, ok := parseStrict(c); ok {
			return res, true
		}
	}
	return Result{}, false
}

// parseRepaired fixes trailing commas, single quotes, missing brackets and
// similar slips before decoding.
func parseRepaired(raw string) (Result, bool) {
	for _, c := range append(candidates(raw), raw) {
		fixed, err := jsonrepair.JSONRepair(c)
		if err != nil {
			continue
		}
		if res, ok := parseStrict(fixed); ok {
			return res, true
		}
	}
	return Result{}, false
}

// candidates returns the fenced blocks of raw followed by its outermost
// brace-delimited span.
func candidates(raw string) []string {
	var out []string
	for _, m := range fenceRE.FindAllStringSubmatch(raw, -1) {
		out = append(out, m[1])
	}
	if i, j := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); i >= 0 && j > i {
		out = append(out, raw[i:j+1])
	} else if i >= 0 {
		// Truncated answer: let the repair pass close it.
		out = append(out, raw[i:])
	}
	return out
}

var (
	tagsArrayRE   = regexp.MustCompile(`(?s)"tags"\s*:\s*\[(.*?)\]`)
	quotedRE      = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)
	summaryJSONRE = regexp.MustCompile(`(?s)"summary"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	tagsLineRE    = regexp.MustCompile(`(?im)^[\s*#_-]*tags[\s*_]*:[\s*_]*(.+)$`)
	summaryLineRE = regexp.MustCompile(`(?im)^[\s*#_-]*summary[\s*_]*:[\s*_]*(.+)$`)
)

// parseFields pulls tags and summary out field by field, for answers that are
// neither JSON nor repairable, including "Tags: ..." / "Summary: ..." prose.
func parseFields(raw string) (Result, bool) {
	var tags []string
	if m := tagsArrayRE.FindStringSubmatch(raw); m != nil {
		for _, q := range quotedRE.FindAllStringSubmatch(m[1], -1) {
			tags = append(tags, unescape(q[1]))
		}
	} else if m := tagsLineRE.FindStringSubmatch(raw); m != nil {
		tags = strings.Split(m[1], ",")
	}

	var summary string
	if m := summaryJSONRE.FindStringSubmatch(raw); m != nil {
		summary = unescape(m[1])
	} else if m := summaryLineRE.FindStringSubmatch(raw); m != nil {
		summary = m[1]
	}
	return normalise(tags, summary)
}

// unescape decodes a JSON string body, falling back to the raw text.
func unescape(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}

// normalise cleans tags and summary; ok is false when both are empty.
func normalise(tags []string, summary string) (Result, bool) {
	seen := make(map[string]bool, len(tags))
	clean := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.Trim(strings.TrimSpace(t), `"'`))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		clean = append(clean, t)
	}
	summary = strings.TrimSpace(summary)
	if len(clean) == 0 && summary == "" {
		return Result{}, false
	}
	return Result{Tags: clean, Summary: summary}, true
}
