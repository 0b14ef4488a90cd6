package model

// StepContext is the free-form accumulator of stage outputs carried on an
// item (spec §3.2). Fields are pointers/omitempty so partially-populated
// stages round-trip through JSON without synthesizing empty structures.
// Merges replace these well-known keys one at a time (mergeStepContext in
// the repository and validation packages); keys not declared here are
// dropped when stored JSON is decoded into this type.
type StepContext struct {
	Search  *SearchContext  `json:"search,omitempty"`
	Download *DownloadContext `json:"download,omitempty"`
	Encode  *EncodeContext  `json:"encode,omitempty"`

	DeliveryResults *DeliveryResults `json:"deliveryResults,omitempty"`
}

// SearchContext holds the outcome of the search stage.
type SearchContext struct {
	SelectedRelease     *Release  `json:"selectedRelease,omitempty"`
	SelectedPacks        []Release `json:"selectedPacks,omitempty"`
	ExistingDownload     *ExistingDownload `json:"existingDownload,omitempty"`
	AlternativeReleases []Release `json:"alternativeReleases,omitempty"`
	QualityMet          *bool     `json:"qualityMet,omitempty"`
	SkippedSearch        bool      `json:"skippedSearch,omitempty"`
}

// ExistingDownload records a torrent already present in the client/library
// that the search worker adopted instead of issuing a new search.
type ExistingDownload struct {
	TorrentHash string `json:"torrentHash"`
	IsComplete  bool   `json:"isComplete"`
}

// Release is one candidate surfaced by the indexer.
type Release struct {
	Title       string    `json:"title"`
	Size        int64     `json:"size"`
	Seeders     int       `json:"seeders"`
	Leechers    int       `json:"leechers"`
	IndexerName string    `json:"indexerName"`
	MagnetURI   string    `json:"magnetUri"`
	Resolution  string    `json:"resolution,omitempty"`
	IsSeasonPack bool     `json:"isSeasonPack,omitempty"`
}

// EpisodeFile is one resolved video file belonging to a TV item, either
// extracted directly or located inside a season-pack download.
type EpisodeFile struct {
	Season    int    `json:"season"`
	Episode   int    `json:"episode"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	EpisodeID string `json:"episodeId,omitempty"`
}

// DownloadContext holds the outcome of the download stage.
type DownloadContext struct {
	TorrentHash      string        `json:"torrentHash,omitempty"`
	SourceFilePath   string        `json:"sourceFilePath,omitempty"`
	EpisodeFiles     []EpisodeFile `json:"episodeFiles,omitempty"`
	IsComplete       bool          `json:"isComplete,omitempty"`
}

// NonEmpty reports whether the download stage produced a usable source,
// movie-style (SourceFilePath) or TV-style (EpisodeFiles) — invariant
// checked at several transitions (§3.1).
func (d *DownloadContext) NonEmpty() bool {
	if d == nil {
		return false
	}
	return d.SourceFilePath != "" || len(d.EpisodeFiles) > 0
}

// EncodedFile describes one artifact produced by the encode stage.
type EncodedFile struct {
	Path              string   `json:"path"`
	Resolution        string   `json:"resolution,omitempty"`
	Codec             string   `json:"codec,omitempty"`
	TargetServerIDs   []string `json:"targetServerIds"`
	Season            int      `json:"season,omitempty"`
	Episode           int      `json:"episode,omitempty"`
	EpisodeID         string   `json:"episodeId,omitempty"`
	Size              int64    `json:"size,omitempty"`
	CompressionRatio  float64  `json:"compressionRatio,omitempty"`
}

// EncodeContext holds the outcome of the encode stage.
type EncodeContext struct {
	JobID        string        `json:"jobId,omitempty"`
	EncodedFiles []EncodedFile `json:"encodedFiles,omitempty"`
}

// NonEmpty reports whether at least one encoded file with a path exists.
func (e *EncodeContext) NonEmpty() bool {
	return e != nil && len(e.EncodedFiles) > 0 && e.EncodedFiles[0].Path != ""
}

// DeliveryResults is the terminal record written when every target server
// has received the item's artifact.
type DeliveryResults struct {
	DeliveredServers    []string `json:"deliveredServers"`
	FailedServers       []string `json:"failedServers,omitempty"`
	AllDeliveriesComplete bool   `json:"allDeliveriesComplete"`
}
