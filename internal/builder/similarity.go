package builder

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// similaritySeparator splits the artist list of one similarity row.
const similaritySeparator = "[SEP]"

// ArtistSimilarity counts how often two artists are listed together. Keys
// are lowercased artist names.
type ArtistSimilarity map[string]map[string]int

// similarityRow is one line of a similarity file.
type similarityRow struct {
	SimArtistText string `json:"sim_artist_text"`
}

// LoadArtistSimilarity reads a JSON-lines file whose rows carry a
// "sim_artist_text" field of artist names joined by "[SEP]", the layout of
// the OLGA track-to-artist dataset export. Blank lines are skipped.
func LoadArtistSimilarity(path string) (ArtistSimilarity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("builder: open similarity file: %w", err)
	}
	defer func() { _ = f.Close() }()

	sim := ArtistSimilarity{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var row similarityRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("builder: similarity file %s line %d: %w", path, line, err)
		}
		sim.AddList(strings.Split(row.SimArtistText, similaritySeparator))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("builder: read similarity file: %w", err)
	}
	return sim, nil
}

// AddList records that names were listed together.
func (s ArtistSimilarity) AddList(names []string) {
	var keys []string
	for _, n := range names {
		if k := normalizeArtist(n); k != "" {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		counts := s[k]
		if counts == nil {
			counts = make(map[string]int)
			s[k] = counts
		}
		for _, other := range keys {
			counts[other]++
		}
	}
}

// Similar returns up to n artists most often listed with artist, most
// frequent first, title-cased. Ties sort by name. The artist itself is
// never included. Unknown artists yield an empty slice.
func (s ArtistSimilarity) Similar(artist string, n int) []string {
	if n <= 0 {
		return []string{}
	}
	self := normalizeArtist(artist)
	counts := s[self]

	type scored struct {
		name  string
		count int
	}
	ranked := make([]scored, 0, len(counts))
	for name, c := range counts {
		if name != self {
			ranked = append(ranked, scored{name, c})
		}
	}
	slices.SortFunc(ranked, func(a, b scored) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})

	title := cases.Title(language.Und)
	out := make([]string, 0, min(n, len(ranked)))
	for _, r := range ranked[:min(n, len(ranked))] {
		out = append(out, title.String(r.name))
	}
	return out
}

func normalizeArtist(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
