// Package collaborators declares the abstract external systems the
// pipeline core depends on but does not implement directly (spec §4.9).
// Concrete implementations live in sibling packages (transport, library)
// or are supplied by the operator wiring cmd/reelforged.
package collaborators

import (
	"context"
	"time"

	"github.com/reelforge/core/internal/model"
)

// SearchMovieParams is the input to Indexer.SearchMovie.
type SearchMovieParams struct {
	CatalogID  int64
	ExternalID string
	Title      string
	Year       int
}

// SearchTVSeasonParams is the input to Indexer.SearchTVSeason.
type SearchTVSeasonParams struct {
	SearchMovieParams
	Season int
}

// SearchResult is the outcome of a search call, including which
// downstream indexers succeeded or failed to respond.
type SearchResult struct {
	Releases        []model.Release
	IndexersQueried []string
	IndexersFailed  []string
}

// Indexer queries one or more release indexers for candidates.
type Indexer interface {
	SearchMovie(ctx context.Context, p SearchMovieParams) (SearchResult, error)
	SearchTVSeason(ctx context.Context, p SearchTVSeasonParams) (SearchResult, error)
}

// AddedTorrent is the immediate result of queuing a release for download.
type AddedTorrent struct {
	Hash string
	Name string
}

// TorrentProgress is a point-in-time snapshot of a download's progress.
type TorrentProgress struct {
	Progress      int // 0-100
	IsComplete    bool
	SavePath      string
	ContentPath   string
	Seeds         int
	Peers         int
	ETA           time.Duration
	DownloadSpeed int64 // bytes/sec
}

// TorrentFile is one file inside a torrent's content.
type TorrentFile struct {
	Name string
	Size int64
}

// ProgressCallback is invoked periodically by WaitForCompletion.
type ProgressCallback func(TorrentProgress)

// WaitOptions configures WaitForCompletion polling.
type WaitOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
	OnProgress   ProgressCallback
}

// TorrentClient manages torrent downloads on behalf of the download worker.
type TorrentClient interface {
	Add(ctx context.Context, release model.Release) (AddedTorrent, error)
	GetProgress(ctx context.Context, hash string) (*TorrentProgress, error)
	GetTorrentFiles(ctx context.Context, hash string) ([]TorrentFile, error)
	GetMainVideoFile(ctx context.Context, hash string) (TorrentFile, error)
	GetAllTorrents(ctx context.Context) ([]string, error)
	WaitForCompletion(ctx context.Context, hash string, opts WaitOptions) error
}

// EncodingAssignmentStatus enumerates an encoder dispatch's lifecycle.
type EncodingAssignmentStatus string

const (
	AssignmentPending  EncodingAssignmentStatus = "pending"
	AssignmentAssigned EncodingAssignmentStatus = "assigned"
	AssignmentEncoding EncodingAssignmentStatus = "encoding"
	AssignmentCompleted EncodingAssignmentStatus = "completed"
	AssignmentFailed   EncodingAssignmentStatus = "failed"
	AssignmentCancelled EncodingAssignmentStatus = "cancelled"
)

// EncodingAssignment is a persistent record of one encode dispatch,
// polled by the encode worker until it reaches a terminal status.
type EncodingAssignment struct {
	AssignmentID     string
	Status           EncodingAssignmentStatus
	Progress         int
	Speed            float64
	ETA              time.Duration
	OutputPath       string
	OutputSize       int64
	CompressionRatio float64
	Error            string
}

// EncodeConfig is the profile-resolved configuration handed to the
// encoder dispatcher.
type EncodeConfig struct {
	Profile    model.EncodingProfileRef
	Resolution string
	Codec      string
}

// EncoderDispatcher fans encode jobs out to one or more encoder workers.
type EncoderDispatcher interface {
	GetEncoderCount(ctx context.Context) (int, error)
	QueueEncodingJob(ctx context.Context, jobID, inputPath, outputPath string, cfg EncodeConfig) (EncodingAssignment, error)
	GetAssignment(ctx context.Context, assignmentID string) (*EncodingAssignment, error)
}

// DeliveryResult is the outcome of one DeliveryTransport.Deliver call.
type DeliveryResult struct {
	Success  bool
	Error    string
	Duration time.Duration
}

// DeliveryProgressCallback is invoked periodically during a transfer.
type DeliveryProgressCallback func(bytesTransferred, totalBytes int64)

// DeliveryOptions configures a Deliver call.
type DeliveryOptions struct {
	OnProgress DeliveryProgressCallback
}

// DeliveryTransport moves one encoded artifact onto a target server's
// storage. Implementations: transport.Local, transport.S3, transport.Minio.
type DeliveryTransport interface {
	Deliver(ctx context.Context, server *model.TargetServer, srcPath, dstPath string, opts DeliveryOptions) (DeliveryResult, error)
}

// LibraryEntryParams identifies the (catalogId, mediaType, serverId,
// season?, episode?) tuple LibraryIndex upserts on.
type LibraryEntryParams struct {
	CatalogID  int64
	MediaType  model.MediaType
	ServerID   string
	Season     int
	Episode    int
	Path       string
	Resolution string
}

// LibraryIndex notifies the downstream library catalog that a new
// artifact has landed on a target server.
type LibraryIndex interface {
	Upsert(ctx context.Context, params LibraryEntryParams) error
}

// Archive handles RAR-wrapped torrent content, a quirk of some release
// groups that ship video inside an archive rather than bare.
type Archive interface {
	DetectRarArchive(path string) (bool, error)
	ExtractRar(ctx context.Context, archivePath, destDir string) error
	IsSampleFile(name string) bool
}
