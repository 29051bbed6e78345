// Package metadata stores the schema-less JSON records that sit beside the
// vectors of an embedding index. Record i of a Store describes vector i of
// the paired vector index; the Store itself never interprets record keys.
//
// A Store is not safe for concurrent use; the owning embedding index guards
// it together with its vectors.
package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

var (
	// ErrOutOfRange is returned by Get for a position at or beyond Len.
	ErrOutOfRange = errors.New("metadata: position out of range")

	// ErrCorrupt describes an unreadable metadata file. Load never returns
	// it; it is attached to the warning logged when Load falls back to an
	// empty store.
	ErrCorrupt = errors.New("metadata: corrupt metadata file")
)

// Record is one metadata entry. Values must be JSON-serialisable.
type Record map[string]any

// Store is an ordered, append-only sequence of records.
type Store struct {
	// records is the positional list of entries.
	records []Record
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Load reads a JSON array of records from path.
//
// A missing file yields an empty store without comment (first run). An
// empty, unreadable or malformed file also yields an empty store, after a
// WARN entry on log: a half-written metadata file must never block startup.
// Numbers are kept as json.Number so integer ids survive the round trip.
func Load(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewStore()
	}
	if err != nil {
		log.Warn("metadata: failed to read file, starting empty",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return NewStore()
	}

	records, err := decode(raw)
	if err != nil {
		log.Warn("metadata: ignoring unusable metadata file, starting empty",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return NewStore()
	}
	return &Store{records: records}
}

// decode parses a JSON array of objects. Null entries become empty records.
func decode(raw []byte) ([]Record, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrCorrupt)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var records []Record
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after array", ErrCorrupt)
	}

	for i, r := range records {
		if r == nil {
			records[i] = Record{}
		}
	}
	return records, nil
}

// Append adds rec at the next position. A nil record is stored as an empty
// one so the position still exists.
func (s *Store) Append(rec Record) {
	if rec == nil {
		rec = Record{}
	}
	s.records = append(s.records, rec)
}

// Truncate drops every record at position n or later.
func (s *Store) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(s.records) {
		clear(s.records[n:])
		s.records = s.records[:n]
	}
}

// Get returns the record at pos.
func (s *Store) Get(pos int) (Record, error) {
	if pos < 0 || pos >= len(s.records) {
		return nil, fmt.Errorf("%w: %d (len %d)", ErrOutOfRange, pos, len(s.records))
	}
	return s.records[pos], nil
}

// Len returns the number of records.
func (s *Store) Len() int {
	return len(s.records)
}

// Records returns the backing slice. Callers must not modify it.
func (s *Store) Records() []Record {
	return s.records[:len(s.records):len(s.records)]
}

// IDs returns the set of values stored under key, rendered with IDString.
// Records without the key are ignored.
func (s *Store) IDs(key string) map[string]struct{} {
	ids := make(map[string]struct{}, len(s.records))
	for _, r := range s.records {
		if v, ok := r[key]; ok && v != nil {
			ids[IDString(v)] = struct{}{}
		}
	}
	return ids
}

// Save writes the records as an indented JSON array. The write is atomic:
// data goes to a temporary file that is renamed over path.
func (s *Store) Save(path string) error {
	records := s.records
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("metadata: encode %s: %w", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("metadata: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("metadata: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("metadata: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("metadata: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("metadata: rename into %s: %w", path, err)
	}
	return nil
}

// Validate reports whether rec can be serialised. It is checked before a
// record is staged so a bad record never reaches the store.
func Validate(rec Record) error {
	if _, err := json.Marshal(rec); err != nil {
		return fmt.Errorf("metadata: record is not JSON-serialisable: %w", err)
	}
	return nil
}

// IDString renders an id value the same way whether it came from a decoded
// file (json.Number, string) or from memory (ints, floats).
func IDString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
