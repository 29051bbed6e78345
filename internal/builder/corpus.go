package builder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/54b3r/sonitag/internal/metadata"
)

// trackFile matches FMA-style audio file names such as 000123.mp3.
var trackFile = regexp.MustCompile(`^(\d+)\.mp3$`)

// AudioPath returns the FMA location of a track: dir/<id/1000 as %03d>/<id as
// %06d>.mp3. Track 123 lives at dir/000/000123.mp3.
func AudioPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("%03d", id/1000), fmt.Sprintf("%06d.mp3", id))
}

// LoadManifest reads a CSV manifest with a header row. Recognised columns
// are id (required; numeric ids lose leading zeros), title, artist, genre
// and tags, with tags separated by "|". Other columns are copied into the record verbatim. Audio paths are
// resolved under audioDir with AudioPath when the id is numeric, otherwise
// as audioDir/<id>.mp3.
func LoadManifest(path, audioDir string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("builder: open manifest: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("builder: read manifest header: %w", err)
	}
	for i, h := range header {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}
	idCol := slices.Index(header, "id")
	if idCol < 0 {
		return nil, fmt.Errorf("builder: manifest %s has no id column", path)
	}

	var items []Item
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("builder: manifest line %d: %w", line, err)
		}

		id := strings.TrimSpace(row[idCol])
		if id == "" {
			continue
		}
		if n, err := strconv.Atoi(id); err == nil && n >= 0 {
			id = strconv.Itoa(n)
		}
		rec := metadata.Record{}
		for i, col := range header {
			if i == idCol || col == "" {
				continue
			}
			val := strings.TrimSpace(row[i])
			if col == "tags" {
				rec[col] = splitTags(val)
				continue
			}
			rec[col] = val
		}

		items = append(items, Item{ID: id, Path: resolvePath(audioDir, id), Record: rec})
	}
	return items, nil
}

// splitTags splits a "|"-separated tag list, dropping empty entries.
func splitTags(s string) []string {
	tags := []string{}
	for _, t := range strings.Split(s, "|") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// resolvePath maps an id to its audio file under dir.
func resolvePath(dir, id string) string {
	if n, err := strconv.Atoi(id); err == nil && n >= 0 {
		return AudioPath(dir, n)
	}
	return filepath.Join(dir, id+".mp3")
}

// ScanDir lists every <digits>.mp3 below dir as an item whose id is the
// numeric part without leading zeros, in lexical path order.
func ScanDir(dir string) ([]Item, error) {
	var items []Item
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		m := trackFile.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		id := strings.TrimLeft(m[1], "0")
		if id == "" {
			id = "0"
		}
		items = append(items, Item{ID: id, Path: path, Record: metadata.Record{}})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("builder: scan %s: %w", dir, err)
	}
	return items, nil
}

// Merge overlays manifest records onto scanned items by id. Items without a
// manifest entry keep an empty record; manifest entries without a file are
// dropped.
func Merge(scanned, manifest []Item) []Item {
	byID := make(map[string]metadata.Record, len(manifest))
	for _, it := range manifest {
		byID[it.ID] = it.Record
	}
	out := make([]Item, len(scanned))
	for i, it := range scanned {
		if rec, ok := byID[it.ID]; ok {
			it.Record = rec
		}
		out[i] = it
	}
	return out
}
