package vector

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"unsafe"
)

// On-disk layout (little-endian):
//
//	0   4  magic "SNVX"
//	4   4  format version
//	8   4  dimension
//	12  4  reserved
//	16  8  vector count
//	24  .. count*dim float32 values, row-major
const (
	fileMagic     = "SNVX"
	formatVersion = 1
	headerSize    = 24

	// MaxDim is the largest dimension a vector file may declare.
	MaxDim = 1 << 16
)

// littleEndianHost is true when float32 payloads can be viewed in place.
var littleEndianHost = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// Save writes the index to path atomically: the data goes to a temporary file
// in the same directory which is then renamed over path.
func (f *Flat) Save(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("vector: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("vector: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	w := bufio.NewWriterSize(tmp, 1<<16)
	if err := f.encode(w); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("vector: write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("vector: flush %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("vector: sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vector: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("vector: rename into %s: %w", path, err)
	}
	return nil
}

// encode writes header and payload. Callers hold f.mu.
func (f *Flat) encode(w *bufio.Writer) error {
	var hdr [headerSize]byte
	copy(hdr[0:4], fileMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], formatVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(f.dim)) //nolint:gosec // dimension is bounded by embedding models
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(f.count))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	var buf [4]byte
	for _, v := range f.data[:f.count*f.dim] {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// Load reads an index file fully into memory.
func Load(path string) (*Flat, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vector: read %s: %w", path, err)
	}
	dim, count, err := parseHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("vector: %s: %w", path, err)
	}

	data := make([]float32, dim*count)
	payload := raw[headerSize:]
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return &Flat{dim: dim, data: data, count: count}, nil
}

// Map memory-maps an index file read-only. The payload is used in place on
// little-endian hosts; elsewhere it is decoded into a heap copy. The returned
// index rejects Add with ErrImmutable and must be released with Close.
func Map(path string) (*Flat, error) {
	raw, release, err := mapFile(path)
	if err != nil {
		return nil, fmt.Errorf("vector: map %s: %w", path, err)
	}
	dim, count, err := parseHeader(raw)
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("vector: %s: %w", path, err)
	}

	n := dim * count
	var data []float32
	switch {
	case n == 0:
		data = nil
	case littleEndianHost:
		data = unsafe.Slice((*float32)(unsafe.Pointer(&raw[headerSize])), n)
	default:
		data = make([]float32, n)
		payload := raw[headerSize:]
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
		}
	}
	return &Flat{dim: dim, data: data, count: count, release: release}, nil
}

// parseHeader validates the header and total size and returns dim and count.
func parseHeader(raw []byte) (int, int, error) {
	if len(raw) < headerSize {
		return 0, 0, fmt.Errorf("%w: short header (%d bytes)", ErrCorruptFile, len(raw))
	}
	if string(raw[0:4]) != fileMagic {
		return 0, 0, fmt.Errorf("%w: bad magic %q", ErrCorruptFile, raw[0:4])
	}
	if v := binary.LittleEndian.Uint32(raw[4:8]); v != formatVersion {
		return 0, 0, fmt.Errorf("%w: unsupported format version %d", ErrCorruptFile, v)
	}
	dim32 := binary.LittleEndian.Uint32(raw[8:12])
	if dim32 > MaxDim {
		return 0, 0, fmt.Errorf("%w: implausible dimension %d", ErrCorruptFile, dim32)
	}
	dim := int(dim32)
	count64 := binary.LittleEndian.Uint64(raw[16:24])
	if count64 > uint64(math.MaxInt32) {
		return 0, 0, fmt.Errorf("%w: implausible vector count %d", ErrCorruptFile, count64)
	}
	count := int(count64)
	if count > 0 && dim == 0 {
		return 0, 0, fmt.Errorf("%w: %d vectors with zero dimension", ErrCorruptFile, count)
	}
	if want := uint64(headerSize) + 4*uint64(dim)*count64; uint64(len(raw)) != want {
		return 0, 0, fmt.Errorf("%w: size %d, want %d", ErrCorruptFile, len(raw), want)
	}
	return dim, count, nil
}
