// Package mirror copies embedding index entries into Qdrant collections so
// they can be browsed and queried with Qdrant tooling. The local index files
// stay the source of truth; a mirror is write-only from sonitag's side.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/sonitag/internal/metadata"
)

// DefaultBatchSize is the number of points sent per upsert during Export.
const DefaultBatchSize = 256

// namespace seeds the deterministic point ids.
var namespace = uuid.MustParse("6f1c2a4e-8b7d-4c35-9a1e-5d2f0b3c7e91")

// Config holds connection parameters for a Qdrant instance.
type Config struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// BatchSize is the number of points per Export upsert.
	BatchSize int

	// Logger receives collection lifecycle events.
	Logger *slog.Logger
}

// client is the subset of *qdrant.Client the mirror uses.
type client interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	Close() error
}

// Source is a readable embedding index. *index.EmbeddingIndex satisfies it.
type Source interface {
	VectorCount() int
	Dim() int
	Vector(pos int) ([]float32, bool)
	Record(pos int) (metadata.Record, error)
}

// Mirror writes index entries to Qdrant. It is safe for concurrent use.
type Mirror struct {
	client client
	batch  int
	log    *slog.Logger

	// mu guards ready, the collections known to exist.
	mu    sync.Mutex
	ready map[string]bool
}

// New connects to Qdrant. Collections are created on first use.
func New(cfg *Config) (*Mirror, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	c, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("mirror: failed to create qdrant client: %w", err)
	}
	return newMirror(c, cfg), nil
}

func newMirror(c client, cfg *Config) *Mirror {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Mirror{client: c, batch: batch, log: log, ready: map[string]bool{}}
}

// PointID returns the Qdrant point id of the entry at position in
// collection. The same pair always maps to the same id, so re-exporting an
// index overwrites instead of duplicating.
func PointID(collection string, position int) string {
	return uuid.NewSHA1(namespace, []byte(collection+"/"+strconv.Itoa(position))).String()
}

// Upsert writes one entry. It satisfies analysis.Mirror.
func (m *Mirror) Upsert(ctx context.Context, collection string, position int, vec []float32, rec metadata.Record) error {
	if err := m.ensureCollection(ctx, collection, len(vec)); err != nil {
		return err
	}
	p, err := point(collection, position, vec, rec)
	if err != nil {
		return err
	}
	return m.upsert(ctx, collection, []*qdrant.PointStruct{p})
}

// Export copies every entry of src into collection in batches and returns
// the number of points written. Positions without a record are skipped.
func (m *Mirror) Export(ctx context.Context, collection string, src Source) (int, error) {
	if err := m.ensureCollection(ctx, collection, src.Dim()); err != nil {
		return 0, err
	}

	n := src.VectorCount()
	written := 0
	points := make([]*qdrant.PointStruct, 0, m.batch)
	for pos := range n {
		vec, ok := src.Vector(pos)
		if !ok {
			continue
		}
		rec, err := src.Record(pos)
		if err != nil {
			m.log.Debug("mirror: skipping position without record",
				slog.String("collection", collection),
				slog.Int("position", pos),
			)
			continue
		}
		p, err := point(collection, pos, vec, rec)
		if err != nil {
			return written, err
		}
		points = append(points, p)

		if len(points) == m.batch {
			if err := m.upsert(ctx, collection, points); err != nil {
				return written, err
			}
			written += len(points)
			points = points[:0]
		}
	}
	if len(points) > 0 {
		if err := m.upsert(ctx, collection, points); err != nil {
			return written, err
		}
		written += len(points)
	}

	m.log.Info("mirror: exported",
		slog.String("collection", collection),
		slog.Int("points", written),
		slog.Int("entries", n),
	)
	return written, nil
}

// Ping reports whether Qdrant answers a health check.
func (m *Mirror) Ping(ctx context.Context) error {
	if _, err := m.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mirror: qdrant health check: %w", err)
	}
	return nil
}

// Close closes the underlying gRPC connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// ensureCollection creates collection if it does not already exist. Vectors
// use Euclidean distance to match the local index ranking.
func (m *Mirror) ensureCollection(ctx context.Context, collection string, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready[collection] {
		return nil
	}

	exists, err := m.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("mirror: failed to check collection %q: %w", collection, err)
	}
	if !exists {
		err = m.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Euclid,
			}),
		})
		if err != nil {
			return fmt.Errorf("mirror: failed to create collection %q: %w", collection, err)
		}
		m.log.Info("mirror: created collection", slog.String("collection", collection), slog.Int("dim", dim))
	}
	m.ready[collection] = true
	return nil
}

func (m *Mirror) upsert(ctx context.Context, collection string, points []*qdrant.PointStruct) error {
	_, err := m.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("mirror: upsert %d points into %q: %w", len(points), collection, err)
	}
	return nil
}

// point builds one Qdrant point. The index position is kept in the payload
// under "position".
func point(collection string, position int, vec []float32, rec metadata.Record) (*qdrant.PointStruct, error) {
	payload := make(map[string]any, len(rec)+1)
	for k, v := range rec {
		payload[k] = payloadValue(v)
	}
	payload["position"] = int64(position)

	values, err := qdrant.TryValueMap(payload)
	if err != nil {
		return nil, fmt.Errorf("mirror: payload of %s/%d: %w", collection, position, err)
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(PointID(collection, position)),
		Vectors: qdrant.NewVectors(vec...),
		Payload: values,
	}, nil
}

// payloadValue converts decoded JSON into the types Qdrant values accept.
// Records loaded from disk carry json.Number.
func payloadValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = payloadValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = payloadValue(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	case []float64:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	case int:
		return int64(t)
	default:
		return v
	}
}
