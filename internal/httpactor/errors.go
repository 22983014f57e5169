package httpactor

import "errors"

// ErrRequestTimeout is wrapped into a Result.Err when a request's
// per-request Timeout (or the parent context) elapses before a
// response is received.
var ErrRequestTimeout = errors.New("httpactor: request timeout")
