package workflow

import (
	"net/http"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/transfer"
)

// Context is the shared capability set builtin handlers receive
// alongside the current state: the downloader and
// uploader are plain synchronous helpers (transfer.Downloader and
// transfer.Uploader hold no actor state of their own, per
// internal/transfer/download.go), so builtins call them directly
// rather than round-tripping through the downloader/uploader actors'
// server mailboxes. HTTPClient is the shared outbound transport used
// for any cloud call a builtin needs to make outside the downloader's
// own request (e.g. fetching an install manifest).
type Context struct {
	Downloader *transfer.Downloader
	Uploader   *transfer.Uploader
	HTTPClient *http.Client
}

// NewContext builds a Context sharing one *http.Client across the
// downloader, uploader, and any direct HTTP calls a builtin makes.
func NewContext(client *http.Client) *Context {
	if client == nil {
		client = http.DefaultClient
	}
	return &Context{
		Downloader: transfer.NewDownloader(client),
		Uploader:   transfer.NewUploader(client),
		HTTPClient: client,
	}
}
