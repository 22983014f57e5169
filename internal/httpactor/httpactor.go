// Package httpactor is the server actor that owns every outbound HTTP
// request the gateway makes to cloud endpoints. Callers are wired in
// at build time as clients of a ServerMailbox (the "server"
// message box flavour); each submits a Request and receives exactly
// one Result back on the sender it registered with Connect.
package httpactor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/actor"
	"github.com/thin-edge-sandbox/tedge-gateway/internal/buildinfo"
)

// Request describes one outbound HTTP call.
type Request struct {
	// ID correlates this Request with its Result on the caller's side;
	// the actor never interprets it.
	ID       uint64
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	NeedsJWT bool
	Timeout  time.Duration
}

// Result is delivered once per accepted Request.
type Result struct {
	ID      uint64
	Status  int
	Header  http.Header
	Body    []byte
	Err     error
}

// idempotentMethods are safe to retry; POST never retries.
var idempotentMethods = map[string]bool{
	http.MethodGet:  true,
	http.MethodHead: true,
	http.MethodPut:  true,
}

// Builder wires JWT retrieval and yields the runnable HTTP actor.
type Builder struct {
	box  *actor.ServerMailbox[Request, Result]
	sig  *actor.SignalMailbox
	jwt  JWTRequester
	log  *slog.Logger
}

// JWTRequester is the token source the HTTP actor asks for a bearer
// token; *JWTRetriever (jwt.go) satisfies it directly.
type JWTRequester interface {
	Token(ctx context.Context, forceRefresh bool) (string, error)
}

// NewBuilder creates a Builder with the given request queue depth. jwt
// may be nil if no request this process makes is tagged NeedsJWT.
func NewBuilder(depth int, jwt JWTRequester, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		box: actor.NewServerMailbox[Request, Result](depth),
		sig: actor.NewSignalMailbox(),
		jwt: jwt,
		log: log,
	}
}

// Connect registers clientID as a peer and returns the sender it uses
// to submit requests; responses for clientID arrive on responseSink.
func (b *Builder) Connect(clientID string, responseSink actor.Sender[Result]) actor.Sender[Request] {
	return b.box.Connect(clientID, responseSink)
}

// GetSignalSender implements actor.RuntimeRequestSink.
func (b *Builder) GetSignalSender() actor.Sender[actor.Shutdown] { return b.sig.Sender() }

// Build yields the runnable HTTP client actor.
func (b *Builder) Build() (actor.Actor, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil
	client.CheckRetry = checkRetry

	return &httpClientActor{
		box:    b.box,
		sig:    b.sig,
		jwt:    b.jwt,
		client: client,
		log:    b.log,
	}, nil
}

type methodCtxKey struct{}

// checkRetry retries only idempotent methods; POST
// is excluded regardless of the default retryablehttp policy. The
// method is threaded through the request context because a
// connection-level error (resp == nil) carries no *http.Request to
// inspect.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	method, _ := ctx.Value(methodCtxKey{}).(string)
	if !idempotentMethods[method] {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

type httpClientActor struct {
	box    *actor.ServerMailbox[Request, Result]
	sig    *actor.SignalMailbox
	jwt    JWTRequester
	client *retryablehttp.Client
	log    *slog.Logger
}

func (a *httpClientActor) Name() string { return "http-client" }

func (a *httpClientActor) Run(ctx context.Context) error {
	for {
		env, shutdown, ok := actor.NextServer(ctx, a.box, a.sig)
		if shutdown || !ok {
			return nil
		}
		result := a.do(ctx, env.Request)
		if err := a.box.Reply(ctx, env.ClientID, result); err != nil {
			a.log.Debug("http result delivery failed", "client", env.ClientID, "error", err)
		}
	}
}

// do executes req, retrying once on 401 after invalidating the cached
// JWT.
func (a *httpClientActor) do(ctx context.Context, req Request) Result {
	status, header, body, err := a.attempt(ctx, req, false)
	if err != nil {
		return Result{ID: req.ID, Err: err}
	}
	if status == http.StatusUnauthorized && req.NeedsJWT && a.jwt != nil {
		a.log.Debug("http 401, refreshing jwt and retrying once", "url", req.URL)
		status, header, body, err = a.attempt(ctx, req, true)
		if err != nil {
			return Result{ID: req.ID, Err: err}
		}
	}
	return Result{ID: req.ID, Status: status, Header: header, Body: body}
}

func (a *httpClientActor) attempt(ctx context.Context, req Request, forceJWTRefresh bool) (int, http.Header, []byte, error) {
	reqCtx := context.WithValue(ctx, methodCtxKey{}, req.Method)
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(reqCtx, req.Timeout)
		defer cancel()
	}

	rreq, err := retryablehttp.NewRequestWithContext(reqCtx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("httpactor: build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			rreq.Header.Add(k, v)
		}
	}
	if rreq.Header.Get("User-Agent") == "" {
		rreq.Header.Set("User-Agent", buildinfo.UserAgent())
	}

	if req.NeedsJWT && a.jwt != nil {
		token, err := a.jwt.Token(ctx, forceJWTRefresh)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("httpactor: jwt: %w", err)
		}
		rreq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(rreq)
	if err != nil {
		if reqCtx.Err() != nil {
			return 0, nil, nil, fmt.Errorf("httpactor: %w: %w", ErrRequestTimeout, reqCtx.Err())
		}
		return 0, nil, nil, fmt.Errorf("httpactor: do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("httpactor: read body: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}
