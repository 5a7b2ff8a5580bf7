package proxy

import (
	"os"
	"sync/atomic"
)

// The proxy environment variables are process-wide mutable state, so at
// most one acquisition may be live across the whole comparison.
var netenvActive atomic.Bool

// managed is every variable the harness touches so that a child process
// routes its traffic through the interceptor and trusts its CA.
var managed = []string{
	"HTTP_PROXY", "HTTPS_PROXY",
	"http_proxy", "https_proxy",
	"SSL_CERT_FILE", "REQUESTS_CA_BUNDLE",
}

// NetworkEnvironment is an exclusively owned acquisition of the
// process-wide proxy configuration. Release restores every variable to
// its pre-acquisition value on all exit paths, so stopping one
// interceptor cannot leak stale proxy settings into the next run.
type NetworkEnvironment struct {
	saved    map[string]*string
	released bool
}

// AcquireNetworkEnvironment points HTTP(S)_PROXY at the interceptor and,
// when a CA certificate path is given, points the common CA-bundle
// overrides at it. It fails if another acquisition is still live.
func AcquireNetworkEnvironment(proxyAddr, caCertPath string) (*NetworkEnvironment, error) {
	if !netenvActive.CompareAndSwap(false, true) {
		return nil, ErrNetworkEnvBusy
	}

	e := &NetworkEnvironment{saved: make(map[string]*string, len(managed))}
	for _, key := range managed {
		if v, ok := os.LookupEnv(key); ok {
			saved := v
			e.saved[key] = &saved
		} else {
			e.saved[key] = nil
		}
	}

	for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy"} {
		os.Setenv(key, "http://"+proxyAddr)
	}
	if caCertPath != "" {
		os.Setenv("SSL_CERT_FILE", caCertPath)
		os.Setenv("REQUESTS_CA_BUNDLE", caCertPath)
	}
	return e, nil
}

// Release restores the saved environment. Safe to call more than once.
func (e *NetworkEnvironment) Release() {
	if e == nil || e.released {
		return
	}
	e.released = true
	for key, val := range e.saved {
		if val == nil {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, *val)
		}
	}
	netenvActive.Store(false)
}
