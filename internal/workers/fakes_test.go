package workers

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/reelforge/core/internal/collaborators"
	"github.com/reelforge/core/internal/model"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeIndexer is a scripted collaborators.Indexer double.
type fakeIndexer struct {
	movieResult  collaborators.SearchResult
	movieErr     error
	seasonResult collaborators.SearchResult
	seasonErr    error

	movieCalls  []collaborators.SearchMovieParams
	seasonCalls []collaborators.SearchTVSeasonParams
}

func (f *fakeIndexer) SearchMovie(_ context.Context, p collaborators.SearchMovieParams) (collaborators.SearchResult, error) {
	f.movieCalls = append(f.movieCalls, p)
	return f.movieResult, f.movieErr
}

func (f *fakeIndexer) SearchTVSeason(_ context.Context, p collaborators.SearchTVSeasonParams) (collaborators.SearchResult, error) {
	f.seasonCalls = append(f.seasonCalls, p)
	return f.seasonResult, f.seasonErr
}

// fakeTorrentClient is a scripted collaborators.TorrentClient double.
type fakeTorrentClient struct {
	addResult collaborators.AddedTorrent
	addErr    error

	hashes    []string
	hashesErr error

	files    map[string][]collaborators.TorrentFile
	filesErr error

	mainVideo    map[string]collaborators.TorrentFile
	mainVideoErr error

	progress    map[string]*collaborators.TorrentProgress
	progressErr error

	waitErr error
}

func (f *fakeTorrentClient) Add(_ context.Context, _ model.Release) (collaborators.AddedTorrent, error) {
	return f.addResult, f.addErr
}

func (f *fakeTorrentClient) GetProgress(_ context.Context, hash string) (*collaborators.TorrentProgress, error) {
	if f.progressErr != nil {
		return nil, f.progressErr
	}
	return f.progress[hash], nil
}

func (f *fakeTorrentClient) GetTorrentFiles(_ context.Context, hash string) ([]collaborators.TorrentFile, error) {
	if f.filesErr != nil {
		return nil, f.filesErr
	}
	return f.files[hash], nil
}

func (f *fakeTorrentClient) GetMainVideoFile(_ context.Context, hash string) (collaborators.TorrentFile, error) {
	if f.mainVideoErr != nil {
		return collaborators.TorrentFile{}, f.mainVideoErr
	}
	tf, ok := f.mainVideo[hash]
	if !ok {
		return collaborators.TorrentFile{}, errNotFound
	}
	return tf, nil
}

func (f *fakeTorrentClient) GetAllTorrents(_ context.Context) ([]string, error) {
	return f.hashes, f.hashesErr
}

func (f *fakeTorrentClient) WaitForCompletion(_ context.Context, _ string, _ collaborators.WaitOptions) error {
	return f.waitErr
}

// fakeEncoderDispatcher is a scripted collaborators.EncoderDispatcher double.
type fakeEncoderDispatcher struct {
	encoderCount    int
	encoderCountErr error

	queueResult collaborators.EncodingAssignment
	queueErr    error
	queueCalls  int

	assignment    *collaborators.EncodingAssignment
	assignmentErr error
}

func (f *fakeEncoderDispatcher) GetEncoderCount(_ context.Context) (int, error) {
	return f.encoderCount, f.encoderCountErr
}

func (f *fakeEncoderDispatcher) QueueEncodingJob(_ context.Context, _, _, _ string, _ collaborators.EncodeConfig) (collaborators.EncodingAssignment, error) {
	f.queueCalls++
	return f.queueResult, f.queueErr
}

func (f *fakeEncoderDispatcher) GetAssignment(_ context.Context, _ string) (*collaborators.EncodingAssignment, error) {
	return f.assignment, f.assignmentErr
}

// fakeDeliveryTransport is a scripted collaborators.DeliveryTransport double.
type fakeDeliveryTransport struct {
	result DeliverFunc
}

// DeliverFunc lets a test script per-call delivery behavior.
type DeliverFunc func(ctx context.Context, server *model.TargetServer, srcPath, dstPath string, opts collaborators.DeliveryOptions) (collaborators.DeliveryResult, error)

func (f *fakeDeliveryTransport) Deliver(ctx context.Context, server *model.TargetServer, srcPath, dstPath string, opts collaborators.DeliveryOptions) (collaborators.DeliveryResult, error) {
	if f.result != nil {
		return f.result(ctx, server, srcPath, dstPath, opts)
	}
	return collaborators.DeliveryResult{Success: true}, nil
}

// fakeLibraryIndex is a scripted collaborators.LibraryIndex double.
type fakeLibraryIndex struct {
	calls []collaborators.LibraryEntryParams
	err   error
}

func (f *fakeLibraryIndex) Upsert(_ context.Context, params collaborators.LibraryEntryParams) error {
	f.calls = append(f.calls, params)
	return f.err
}

// fakeArchive is a scripted collaborators.Archive double.
type fakeArchive struct {
	isRar    bool
	isRarErr error
	extractErr error
	sampleNames map[string]bool
}

func (f *fakeArchive) DetectRarArchive(_ string) (bool, error) {
	return f.isRar, f.isRarErr
}

func (f *fakeArchive) ExtractRar(_ context.Context, _, _ string) error {
	return f.extractErr
}

func (f *fakeArchive) IsSampleFile(name string) bool {
	return f.sampleNames[name]
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

const errNotFound = simpleError("not found")
