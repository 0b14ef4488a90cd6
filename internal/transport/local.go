// Package transport implements collaborators.DeliveryTransport against
// concrete storage backends, grounded on the teacher's pkg/storage and
// library_service/internal/storage adapters.
package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/reelforge/core/internal/collaborators"
	"github.com/reelforge/core/internal/model"
)

// Local delivers files onto the local filesystem rooted at each target
// server's RootPath.
type Local struct{}

// NewLocal creates a filesystem-backed delivery transport.
func NewLocal() *Local { return &Local{} }

// Deliver copies srcPath to dstPath under server.RootPath, creating parent
// directories as needed.
func (l *Local) Deliver(ctx context.Context, server *model.TargetServer, srcPath, dstPath string, opts collaborators.DeliveryOptions) (collaborators.DeliveryResult, error) {
	start := time.Now()
	fullDst := filepath.Join(server.RootPath, dstPath)

	if err := os.MkdirAll(filepath.Dir(fullDst), 0o755); err != nil {
		return collaborators.DeliveryResult{Success: false, Error: err.Error()}, fmt.Errorf("transport: mkdir: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return collaborators.DeliveryResult{Success: false, Error: err.Error()}, fmt.Errorf("transport: open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return collaborators.DeliveryResult{Success: false, Error: err.Error()}, fmt.Errorf("transport: stat source: %w", err)
	}

	dst, err := os.Create(fullDst)
	if err != nil {
		return collaborators.DeliveryResult{Success: false, Error: err.Error()}, fmt.Errorf("transport: create dest: %w", err)
	}
	defer dst.Close()

	reader := io.Reader(src)
	if opts.OnProgress != nil {
		reader = &progressReader{r: src, total: info.Size(), onProgress: opts.OnProgress}
	}

	if _, err := copyWithContext(ctx, dst, reader); err != nil {
		return collaborators.DeliveryResult{Success: false, Error: err.Error()}, fmt.Errorf("transport: copy: %w", err)
	}

	return collaborators.DeliveryResult{Success: true, Duration: time.Since(start)}, nil
}

// progressReader wraps an io.Reader, invoking onProgress after each read.
type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	onProgress collaborators.DeliveryProgressCallback
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		p.onProgress(p.read, p.total)
	}
	return n, err
}

// copyWithContext copies src to dst, aborting early if ctx is cancelled.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := io.Copy(dst, src)
		done <- result{n, err}
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-done:
		return r.n, r.err
	}
}
