package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/54b3r/sonitag/internal/index"
	"github.com/54b3r/sonitag/internal/metadata"
	"github.com/54b3r/sonitag/internal/sidecar"
)

// TrackMetadata describes the analysed upload.
type TrackMetadata struct {
	sidecar.Features

	// Title, Artist and Genre are optional user-supplied fields.
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
	Genre  string `json:"genre,omitempty"`
	// TrackType is TrackInfo.Type, repeated for readers of the flat record.
	TrackType TrackType `json:"track_type"`
	// TrackInfo is the full classification record.
	TrackInfo TrackInfo `json:"track_info"`
	// PreviewFile and FullFile are the stored upload names.
	PreviewFile string `json:"preview_file"`
	FullFile    string `json:"full_file,omitempty"`
}

// Result is the combined analysis of one upload. Its JSON form is the
// metadata record committed to the internal and text indices.
type Result struct {
	// ID is the analysis id.
	ID string `json:"id"`
	// Metadata holds features, classification and upload details.
	Metadata TrackMetadata `json:"metadata"`
	// ClapNeighbors are the nearest tracks in the content space.
	ClapNeighbors []metadata.Record `json:"clap_neighbors"`
	// TTMRNeighbors are the nearest tracks in the audio-text space.
	TTMRNeighbors []metadata.Record `json:"ttmr_neighbors"`
	// Tags and Summary describe the whole track.
	Tags    []string `json:"tags"`
	Summary string   `json:"summary"`
	// StemTags and StemSummaries describe each stem by name.
	StemTags      map[string][]string `json:"stem_tags"`
	StemSummaries map[string]string   `json:"stem_summaries"`
	// SimilarArtists are the nearest artists in the artist space.
	SimilarArtists []metadata.Record `json:"similar_artists"`
	// TextBlob is the paragraph embedded into the text space. It is set
	// after the internal index commit, so only the text index record
	// carries it.
	TextBlob string `json:"text_blob,omitempty"`
}

// Record converts r to a schema-less metadata record. Numbers decode as
// json.Number so the record matches what a reload from disk produces.
func (r *Result) Record() (metadata.Record, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("analysis: encode result: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec metadata.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("analysis: decode result: %w", err)
	}
	return rec, nil
}

// records strips distances from neighbours. It never returns nil so the
// JSON form is always an array.
func records(ns []index.Neighbor) []metadata.Record {
	out := make([]metadata.Record, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Record)
	}
	return out
}
