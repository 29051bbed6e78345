package analysis

// ContractVersion identifies the track-type classification rule. Stored
// records carry it so a future rule change can be told apart.
const ContractVersion = "v1"

// TrackType is the coarse vocal/instrumental classification of a track.
type TrackType string

const (
	// TypeAcapella means the vocal stem dominates.
	TypeAcapella TrackType = "acapella"
	// TypeInstrumental means the instrumental stems dominate.
	TypeInstrumental TrackType = "instrumental"
	// TypeSong means neither side dominates.
	TypeSong TrackType = "song"
)

// dominance is the energy ratio at which one side dominates the other.
const dominance = 2

// TrackInfo is the classification record stored with every analysis.
type TrackInfo struct {
	// Version is ContractVersion.
	Version string `json:"version"`
	// Type is the classification.
	Type TrackType `json:"type"`
	// Energy is the mean RMS energy per stem.
	Energy map[string]float64 `json:"energy"`
}

// Classify applies the v1 rule to per-stem mean RMS energies: vocals against
// the sum of drums, bass and other. Missing stems count as silent.
func Classify(energy map[string]float64) TrackInfo {
	vocal := energy["vocals"]
	inst := energy["drums"] + energy["bass"] + energy["other"]

	t := TypeSong
	switch {
	case vocal > dominance*inst:
		t = TypeAcapella
	case inst > dominance*vocal:
		t = TypeInstrumental
	}

	copied := make(map[string]float64, len(energy))
	for k, v := range energy {
		copied[k] = v
	}
	return TrackInfo{Version: ContractVersion, Type: t, Energy: copied}
}
