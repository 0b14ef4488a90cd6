package transport

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/reelforge/core/internal/collaborators"
	"github.com/reelforge/core/internal/model"
)

// S3 delivers files to an AWS S3 (or S3-compatible) bucket named by each
// target server's RootPath.
type S3 struct {
	sessionCache map[string]*session.Session
}

// NewS3 creates an S3-backed delivery transport. Sessions are built
// per-server (different servers may carry different credentials/regions)
// and cached by server ID.
func NewS3() *S3 {
	return &S3{sessionCache: make(map[string]*session.Session)}
}

// objectExists checks whether dstPath is already present in the bucket,
// letting the deliver worker skip a redundant upload on a resumed item
// (spec §8 property 10, idempotent processItem).
func (s *S3) objectExists(ctx context.Context, server *model.TargetServer, dstPath string) (bool, error) {
	sess, err := s.sessionFor(server)
	if err != nil {
		return false, err
	}
	client := s3.New(sess)
	_, err = client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(server.RootPath),
		Key:    aws.String(dstPath),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (s *S3) sessionFor(server *model.TargetServer) (*session.Session, error) {
	if sess, ok := s.sessionCache[server.ID]; ok {
		return sess, nil
	}

	cfg := &aws.Config{
		Region:           aws.String(server.Region),
		Credentials:      credentials.NewStaticCredentials(server.AccessKey, server.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}
	if server.Endpoint != "" {
		cfg.Endpoint = aws.String(server.Endpoint)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: s3 session: %w", err)
	}
	s.sessionCache[server.ID] = sess
	return sess, nil
}

// Deliver streams srcPath into the bucket named by server.RootPath at key
// dstPath.
func (s *S3) Deliver(ctx context.Context, server *model.TargetServer, srcPath, dstPath string, opts collaborators.DeliveryOptions) (collaborators.DeliveryResult, error) {
	start := time.Now()

	sess, err := s.sessionFor(server)
	if err != nil {
		return collaborators.DeliveryResult{Success: false, Error: err.Error()}, err
	}

	if exists, err := s.objectExists(ctx, server, dstPath); err == nil && exists {
		return collaborators.DeliveryResult{Success: true, Duration: time.Since(start)}, nil
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return collaborators.DeliveryResult{Success: false, Error: err.Error()}, fmt.Errorf("transport: open source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return collaborators.DeliveryResult{Success: false, Error: err.Error()}, fmt.Errorf("transport: stat source: %w", err)
	}

	key := path.Join(dstPath)

	uploader := s3manager.NewUploader(sess)
	input := &s3manager.UploadInput{
		Bucket: aws.String(server.RootPath),
		Key:    aws.String(key),
		Body:   wrapProgress(f, info.Size(), opts.OnProgress),
	}

	if _, err := uploader.UploadWithContext(ctx, input); err != nil {
		return collaborators.DeliveryResult{Success: false, Error: err.Error()}, fmt.Errorf("transport: s3 upload: %w", err)
	}

	return collaborators.DeliveryResult{Success: true, Duration: time.Since(start)}, nil
}

func wrapProgress(f *os.File, size int64, cb collaborators.DeliveryProgressCallback) *progressReader {
	return &progressReader{r: f, total: size, onProgress: func(read, total int64) {
		if cb != nil {
			cb(read, total)
		}
	}}
}
