package transfer

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/actor"
)

// DownloaderBuilder wires the download server actor: every client
// registered with Connect submits DownloadRequests and receives its
// own DownloadResults.
type DownloaderBuilder struct {
	box    *actor.ServerMailbox[DownloadRequest, DownloadResult]
	sig    *actor.SignalMailbox
	client *http.Client
	log    *slog.Logger
}

// NewDownloaderBuilder creates a Builder with the given request queue
// depth. client may be nil to use http.DefaultClient.
func NewDownloaderBuilder(depth int, client *http.Client, log *slog.Logger) *DownloaderBuilder {
	if log == nil {
		log = slog.Default()
	}
	return &DownloaderBuilder{
		box:    actor.NewServerMailbox[DownloadRequest, DownloadResult](depth),
		sig:    actor.NewSignalMailbox(),
		client: client,
		log:    log,
	}
}

// Connect registers clientID and returns the sender it uses to submit
// DownloadRequests.
func (b *DownloaderBuilder) Connect(clientID string, responseSink actor.Sender[DownloadResult]) actor.Sender[DownloadRequest] {
	return b.box.Connect(clientID, responseSink)
}

// GetSignalSender implements actor.RuntimeRequestSink.
func (b *DownloaderBuilder) GetSignalSender() actor.Sender[actor.Shutdown] { return b.sig.Sender() }

// Build yields the runnable downloader actor.
func (b *DownloaderBuilder) Build() (actor.Actor, error) {
	return &downloaderActor{
		box: b.box,
		sig: b.sig,
		d:   NewDownloader(b.client),
		log: b.log,
	}, nil
}

type downloaderActor struct {
	box *actor.ServerMailbox[DownloadRequest, DownloadResult]
	sig *actor.SignalMailbox
	d   *Downloader
	log *slog.Logger
}

func (a *downloaderActor) Name() string { return "downloader" }

func (a *downloaderActor) Run(ctx context.Context) error {
	for {
		env, shutdown, ok := actor.NextServer(ctx, a.box, a.sig)
		if shutdown || !ok {
			return nil
		}
		n, err := a.d.Download(ctx, env.Request)
		result := DownloadResult{ID: env.Request.ID, BytesWritten: n, Err: err}
		if err != nil {
			a.log.Warn("download failed", "url", env.Request.URL, "error", err)
		}
		if sendErr := a.box.Reply(ctx, env.ClientID, result); sendErr != nil {
			a.log.Debug("download result delivery failed", "client", env.ClientID, "error", sendErr)
		}
	}
}

// UploaderBuilder wires the upload server actor, symmetrical to
// DownloaderBuilder.
type UploaderBuilder struct {
	box    *actor.ServerMailbox[UploadRequest, UploadResult]
	sig    *actor.SignalMailbox
	client *http.Client
	log    *slog.Logger
}

// NewUploaderBuilder creates a Builder with the given request queue
// depth.
func NewUploaderBuilder(depth int, client *http.Client, log *slog.Logger) *UploaderBuilder {
	if log == nil {
		log = slog.Default()
	}
	return &UploaderBuilder{
		box:    actor.NewServerMailbox[UploadRequest, UploadResult](depth),
		sig:    actor.NewSignalMailbox(),
		client: client,
		log:    log,
	}
}

// Connect registers clientID and returns the sender it uses to submit
// UploadRequests.
func (b *UploaderBuilder) Connect(clientID string, responseSink actor.Sender[UploadResult]) actor.Sender[UploadRequest] {
	return b.box.Connect(clientID, responseSink)
}

// GetSignalSender implements actor.RuntimeRequestSink.
func (b *UploaderBuilder) GetSignalSender() actor.Sender[actor.Shutdown] { return b.sig.Sender() }

// Build yields the runnable uploader actor.
func (b *UploaderBuilder) Build() (actor.Actor, error) {
	return &uploaderActor{
		box: b.box,
		sig: b.sig,
		u:   NewUploader(b.client),
		log: b.log,
	}, nil
}

type uploaderActor struct {
	box *actor.ServerMailbox[UploadRequest, UploadResult]
	sig *actor.SignalMailbox
	u   *Uploader
	log *slog.Logger
}

func (a *uploaderActor) Name() string { return "uploader" }

func (a *uploaderActor) Run(ctx context.Context) error {
	for {
		env, shutdown, ok := actor.NextServer(ctx, a.box, a.sig)
		if shutdown || !ok {
			return nil
		}
		resourceURL, err := a.u.Upload(ctx, env.Request)
		result := UploadResult{ID: env.Request.ID, ResourceURL: resourceURL, Err: err}
		if err != nil {
			a.log.Warn("upload failed", "url", env.Request.URL, "error", err)
		}
		if sendErr := a.box.Reply(ctx, env.ClientID, result); sendErr != nil {
			a.log.Debug("upload result delivery failed", "client", env.ClientID, "error", sendErr)
		}
	}
}
