package analysis

import (
	"strings"

	"github.com/54b3r/sonitag/internal/sidecar"
	"github.com/54b3r/sonitag/internal/tagger"
)

// TextBlob renders r as one paragraph of natural language for the text
// embedding space: summary, genre, tags and track type, then each stem's
// tags and summary in stem order. Fallback tags and summaries are skipped.
func TextBlob(r *Result) string {
	var parts []string

	if s := strings.TrimSpace(r.Summary); s != "" && s != tagger.FallbackSummary {
		parts = append(parts, s)
	}
	if g := strings.TrimSpace(r.Metadata.Genre); g != "" {
		parts = append(parts, "It falls within the "+g+" genre.")
	}
	if tags := usableTags(r.Tags); len(tags) > 0 {
		parts = append(parts, "The track has characteristics such as "+strings.Join(tags, ", ")+".")
	}
	if tt := strings.TrimSpace(string(r.Metadata.TrackType)); tt != "" {
		parts = append(parts, "This is a "+tt+".")
	}

	for _, stem := range sidecar.StemNames {
		if tags := usableTags(r.StemTags[stem]); len(tags) > 0 {
			parts = append(parts, "The "+stem+" are described as "+strings.Join(tags, ", ")+".")
		}
		if s := strings.TrimSpace(r.StemSummaries[stem]); s != "" && !strings.Contains(s, tagger.FallbackSummary) {
			parts = append(parts, s)
		}
	}

	return strings.TrimSpace(strings.ReplaceAll(strings.Join(parts, " "), "\n", " "))
}

// usableTags drops the fallback tag list.
func usableTags(tags []string) []string {
	if len(tags) == 1 && tags[0] == tagger.FallbackTag {
		return nil
	}
	return tags
}
