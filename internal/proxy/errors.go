package proxy

import "errors"

var (
	// ErrBind reports that the interceptor could not bind its listening
	// socket. Fatal before any child process spawns.
	ErrBind = errors.New("interceptor bind failed")

	// ErrReplayMismatch reports an incoming request with no remaining
	// recorded exchange. Replay must be airtight or visibly broken; the
	// interceptor never falls through to a live call.
	ErrReplayMismatch = errors.New("no recorded exchange matches request")

	// ErrSessionMalformed reports that a replay session log could not be
	// loaded. Fatal to the run before it starts.
	ErrSessionMalformed = errors.New("replay session malformed")

	// ErrCertificateTimeout reports that the CA certificate never showed
	// up on disk within the readiness window.
	ErrCertificateTimeout = errors.New("timed out waiting for CA certificate")

	// ErrNetworkEnvBusy reports a second acquisition of the process-wide
	// proxy environment while one is still live.
	ErrNetworkEnvBusy = errors.New("network environment already acquired")
)
