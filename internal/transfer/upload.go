package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/obs"
)

// DefaultChunkSize is the size of each chunk an Uploader streams to
// the target URL.
const DefaultChunkSize = 1 << 20 // 1 MiB

// UploadRequest describes one chunked upload of a local file.
type UploadRequest struct {
	ID          uint64
	SourcePath  string
	URL         string
	BearerToken string
	ChunkSize   int
}

// UploadResult is delivered once per accepted UploadRequest.
type UploadResult struct {
	ID          uint64
	ResourceURL string
	Err         error
}

// Uploader streams a source file in chunks to a target URL.
// Interrupted uploads are not auto-resumed: the target server would
// need to support that.
type Uploader struct {
	Client *http.Client
}

// NewUploader builds an Uploader using client, or http.DefaultClient
// if nil.
func NewUploader(client *http.Client) *Uploader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Uploader{Client: client}
}

// chunkedReader caps each Read at the configured chunk size, so the
// transport streams the body in bounded slices regardless of how much
// the source file handle offers per read.
type chunkedReader struct {
	r     io.Reader
	chunk int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(p) > c.chunk {
		p = p[:c.chunk]
	}
	return c.r.Read(p)
}

// Upload streams req.SourcePath to req.URL in chunks, returning the
// server-assigned resource URL taken from the final response's
// Location header (or req.URL if none is given).
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (string, error) {
	f, err := os.Open(req.SourcePath)
	if err != nil {
		return "", fmt.Errorf("transfer: open source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("transfer: stat source: %w", err)
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, req.URL, &chunkedReader{r: io.LimitReader(f, info.Size()), chunk: chunkSize})
	if err != nil {
		return "", fmt.Errorf("transfer: build request: %w", err)
	}
	httpReq.ContentLength = info.Size()
	if req.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.BearerToken)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := u.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("transfer: upload: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("transfer: server returned status %d", resp.StatusCode)
	}

	obs.TransferBytesTotal.WithLabelValues("upload").Add(float64(info.Size()))
	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}
	return req.URL, nil
}
