package tagger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/sonitag/internal/budget"
	"github.com/54b3r/sonitag/internal/logging"
	"github.com/54b3r/sonitag/internal/metadata"
)

// systemPrompt frames the model as a music analyst.
const systemPrompt = `You are an expert music producer and musicologist. Based on audio features, metadata and similar songs, generate insightful tags and a natural-language summary of the track or stem's feel, style, instrumentation and influences.`

// answerFormat is appended to every user message.
const answerFormat = `ONLY RETURN RAW JSON (no markdown, no code blocks) with:
1. "tags": a list of lowercase, descriptive semantic tags (e.g. "808s", "autotuned", "sample-heavy", "ambient synth", "drill drums")
2. "summary": a 1-3 sentence paragraph describing the vibe, style and instrumentation.`

// stemFocus holds the per-stem instruction; the empty key is the full track.
var stemFocus = map[string]string{
	"vocals": "Focus on vocal qualities. Is the voice raspy, airy, autotuned, robotic, soft, deep or nasal? " +
		"Is it expressive, melodic, shouted or whispered? Describe vocal character, gender and delivery style.",
	"drums": "Focus on the percussion style. Are there hi-hat rolls, trap triplets, hard kicks, rimshots or breakbeats? " +
		"Mention groove, bounce and genre influences.",
	"bass": "Describe the bassline's character. Is it 808-driven, sub-heavy, funky, jazz-influenced, synthy or plucky?",
	"other": "Identify melodic instruments like guitar, synths, strings, piano, pads or experimental sounds. " +
		"Mention texture and atmosphere.",
	"": "If the track resembles a known artist or producer, mention it. " +
		"Comment on feel, genre crossover, beat style, and whether it is sample-heavy or electronic.",
}

// buildMessages renders the system and user messages for in. Neighbour lines
// are trimmed farthest-first to fit the token budget.
func (t *Tagger) buildMessages(ctx context.Context, in *Input) []*schema.Message {
	head := describe(in)
	tail := instructions(in) + "\n\n" + answerFormat

	neighbors := in.Neighbors
	if len(neighbors) > t.maxNeighbors {
		neighbors = neighbors[:t.maxNeighbors]
	}
	var lines []string
	for _, n := range neighbors {
		lines = append(lines, neighborLine(n))
	}
	for _, a := range in.ArtistNeighbors {
		if line := artistLine(a); line != "" {
			lines = append(lines, line)
		}
	}

	fixed := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(head + "\n" + tail),
	}
	before := len(lines)
	lines = budget.FitLines(fixed, lines, t.maxContextTokens)
	if dropped := before - len(lines); dropped > 0 {
		logging.FromContext(ctx).Warn("budget: dropped neighbour lines to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(lines)),
			slog.Int("max_tokens", t.maxContextTokens),
		)
	}

	var sb strings.Builder
	sb.WriteString(head)
	if len(lines) > 0 {
		sb.WriteString("\nHere are a few similar tracks and artists:\n")
		sb.WriteString(strings.Join(lines, "\n"))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(tail)

	return []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(sb.String()),
	}
}

// describe renders the input track details block.
func describe(in *Input) string {
	var sb strings.Builder
	sb.WriteString("Input track details:\n")
	fmt.Fprintf(&sb, "- Title: %s\n", orDefault(in.Title, "Unknown Title"))
	fmt.Fprintf(&sb, "- Artist: %s\n", orDefault(in.Artist, "Unknown Artist"))
	fmt.Fprintf(&sb, "- Tempo: %s BPM\n", strconv.FormatFloat(in.TempoBPM, 'f', 2, 64))
	fmt.Fprintf(&sb, "- Full Song Chroma Vector: %s\n", formatVector(in.Chroma))
	if in.Genre != "" {
		fmt.Fprintf(&sb, "- Genre: %s\n", in.Genre)
	}
	if len(in.Tags) > 0 {
		fmt.Fprintf(&sb, "- Tags: %s\n", strings.Join(in.Tags, ", "))
	}
	if in.StemType != "" {
		fmt.Fprintf(&sb, "- Stem Type: %s\n", in.StemType)
		fmt.Fprintf(&sb, "- Stem Chroma Vector: %s\n", formatVector(in.StemChroma))
	} else if in.TrackType != "" {
		fmt.Fprintf(&sb, "- Track Type: %s\n", in.TrackType)
	}
	return sb.String()
}

// instructions returns the stem-specific focus paragraph.
func instructions(in *Input) string {
	if s, ok := stemFocus[in.StemType]; ok {
		return s
	}
	return stemFocus[""]
}

// neighborLine renders one reference track.
func neighborLine(r metadata.Record) string {
	tags := strings.Join(stringsOf(r["tags"]), ", ")
	if tags == "" {
		tags = "none"
	}
	return fmt.Sprintf("- %q by %s (%s), tags: %s",
		orDefault(stringOf(r["title"]), "Unknown"),
		orDefault(stringOf(r["artist"]), "Unknown"),
		orDefault(stringOf(r["genre"]), "unknown genre"),
		tags,
	)
}

// artistLine renders one reference artist, or "" when the record names none.
func artistLine(r metadata.Record) string {
	name := stringOf(r["artist_name"])
	if name == "" {
		return ""
	}
	return fmt.Sprintf("- Similar artist: %s (%d tracks)", name, len(stringsOf(r["track_ids"])))
}

func formatVector(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'f', 4, 64)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// stringOf renders a scalar record value as text.
func stringOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return metadata.IDString(x)
	}
}

// stringsOf renders a list-valued record field. A bare string is treated as a
// one-element list.
func stringsOf(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s := stringOf(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if x == "" {
			return nil
		}
		return []string{x}
	default:
		return nil
	}
}
