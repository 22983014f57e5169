// Package transfer implements the resumable downloader and chunked
// uploader actors: ranged-resume HTTP transfers written through a
// temp-file-in-same-dir, fsync-then-rename sequence so the target
// path is only ever replaced atomically.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/obs"
)

// MaxResumeAttempts bounds how many times a dropped chunked transfer
// is retried with a Range request before the download gives up. A
// server that trickles small chunks before each drop (as origin
// servers under load sometimes do) needs more than a couple of
// retries to converge, so this is generous rather than tight.
const MaxResumeAttempts = 20

// DownloadRequest describes one resumable download.
type DownloadRequest struct {
	ID          uint64
	URL         string
	TargetPath  string
	BearerToken string
	// Mode, if non-zero, is applied to TargetPath after a successful
	// download; zero leaves the temp file's default (0o600) mode.
	Mode os.FileMode
}

// DownloadResult is delivered once per accepted DownloadRequest.
type DownloadResult struct {
	ID           uint64
	BytesWritten int64
	Err          error
}

// Downloader performs the actual transfer; it holds no actor state so
// it can be exercised directly in tests and reused by both the actor
// wrapper in actor.go and the workflow engine's builtin handlers.
type Downloader struct {
	Client *http.Client
}

// NewDownloader builds a Downloader using client, or http.DefaultClient
// if nil.
func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{Client: client}
}

// Download produces
// req.TargetPath containing exactly the server's bytes, atomically, by
// streaming into a same-directory temp file and renaming over the
// target only once fsync'd and (optionally) chmod'd. The target file
// is never touched on failure.
func (d *Downloader) Download(ctx context.Context, req DownloadRequest) (int64, error) {
	if strings.HasPrefix(req.URL, "file://") {
		return d.copyLocalFile(req)
	}

	dir := filepath.Dir(req.TargetPath)
	tmp, err := os.CreateTemp(dir, ".tedge-download-*")
	if err != nil {
		return 0, fmt.Errorf("transfer: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// Best-effort: if Download returned successfully, the rename
		// below already moved tmpPath away, so Remove is a no-op error
		// we ignore.
		os.Remove(tmpPath)
	}()

	var written int64
	var lastErr error

	for attempt := 0; attempt < MaxResumeAttempts; attempt++ {
		if attempt > 0 {
			backoff := resumeBackoff(attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				tmp.Close()
				return written, ctx.Err()
			}
		}

		n, resumable, err := d.fetchInto(ctx, req, tmp, written)
		written += n
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if !resumable {
			break
		}
	}

	if lastErr != nil {
		tmp.Close()
		return 0, fmt.Errorf("transfer: download %s: %w", req.URL, lastErr)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("transfer: fsync temp file: %w", err)
	}
	if req.Mode != 0 {
		if err := tmp.Chmod(req.Mode); err != nil {
			tmp.Close()
			return 0, fmt.Errorf("transfer: chmod temp file: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("transfer: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, req.TargetPath); err != nil {
		return 0, fmt.Errorf("transfer: rename into place: %w", err)
	}

	obs.TransferBytesTotal.WithLabelValues("download").Add(float64(written))
	return written, nil
}

// fetchInto issues one HTTP request (ranged if offset > 0), streams
// the response body into tmp starting at offset, and reports bytes
// newly written plus whether the failure (if any) is worth retrying
// with a Range request.
func (d *Downloader) fetchInto(ctx context.Context, req DownloadRequest, tmp *os.File, offset int64) (int64, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, false, err
	}
	if req.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.BearerToken)
	}
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.Client.Do(httpReq)
	if err != nil {
		return 0, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, false, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if resp.StatusCode == http.StatusPartialContent {
		start, _, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if ok && start < offset {
			// The server's partial response starts earlier than what
			// we asked for; discard the overlap rather than rewinding
			// the already-written prefix.
			discard := offset - start
			if _, err := io.CopyN(io.Discard, body, discard); err != nil {
				return 0, true, fmt.Errorf("discard overlap: %w", err)
			}
		}
	}

	n, copyErr := io.Copy(tmp, body)
	if copyErr == nil {
		return n, false, nil
	}

	// A connection dropped mid-body with chunked transfer-encoding and
	// no terminating zero-chunk surfaces as io.ErrUnexpectedEOF (or an
	// equivalent wrapped net error); that is exactly the scenario a
	// ranged retry can resume from, not a terminal failure.
	if isResumableBodyError(copyErr) {
		return n, true, copyErr
	}
	return n, false, copyErr
}

// resumeBackoff grows quickly but stays sub-second through the first
// handful of retries, since flaky local/edge networks recover fast
// and tests need not wait seconds per round.
func resumeBackoff(attempt int) time.Duration {
	shift := attempt
	if shift > 7 {
		shift = 7
	}
	d := (10 * time.Millisecond) << uint(shift)
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

func isResumableBodyError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "EOF")
}

// parseContentRange parses "bytes start-end/total" (total may be "*")
// and returns the starting offset and end. ok is false if header is
// absent or malformed.
func parseContentRange(header string) (start, end int64, ok bool) {
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.SplitN(header, "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	rangeParts := strings.SplitN(parts[0], "-", 2)
	if len(rangeParts) != 2 {
		return 0, 0, false
	}
	s, err1 := strconv.ParseInt(rangeParts[0], 10, 64)
	e, err2 := strconv.ParseInt(rangeParts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return s, e, true
}

func (d *Downloader) copyLocalFile(req DownloadRequest) (int64, error) {
	src := strings.TrimPrefix(req.URL, "file://")
	dir := filepath.Dir(req.TargetPath)
	tmp, err := os.CreateTemp(dir, ".tedge-download-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	in, err := os.Open(src)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	defer in.Close()

	n, err := io.Copy(tmp, in)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, err
	}
	if req.Mode != 0 {
		if err := tmp.Chmod(req.Mode); err != nil {
			tmp.Close()
			return 0, err
		}
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, req.TargetPath); err != nil {
		return 0, err
	}
	return n, nil
}
