// Package proxy implements the traffic interceptor: a transparent
// HTTP(S) forward proxy that either records every exchange to a session
// log or replays a previously recorded session without touching the
// network. A child process is routed through it purely via the
// HTTP_PROXY/HTTPS_PROXY environment variables.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// State is the interceptor lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Options configures one interceptor instance.
type Options struct {
	// Host and Port form the listen address. Port 0 binds an ephemeral
	// port, readable from Addr after Start.
	Host string
	Port int

	// SessionName is where record mode persists the exchange log (the
	// cassette file lands at SessionName + ".yaml").
	SessionName string

	// ReplaySessionName, when non-empty, puts the interceptor in replay
	// mode against that previously recorded session. Absent, the
	// interceptor always records.
	ReplaySessionName string

	// HARDumpPath receives the HTTP-archive rendering of the session.
	HARDumpPath string

	// CertDir holds the interception CA pair, generated on first use.
	CertDir string

	// TrustStoreDir, when set, receives a copy of the CA certificate so
	// system trust updates pick it up. Empty skips installation.
	TrustStoreDir string

	// CertWaitTimeout bounds how long Start blocks waiting for the CA
	// certificate to exist on disk before failing.
	CertWaitTimeout time.Duration

	// Match selects the replay request-matching policy.
	Match MatchPolicy

	// UpstreamTLSConfig overrides verification of upstream servers in
	// record mode, for upstreams with private CAs.
	UpstreamTLSConfig *tls.Config

	Logger *slog.Logger
}

// Interceptor is a record/replay forward proxy. One instance serves one
// run; instances are never active concurrently.
type Interceptor struct {
	opts   Options
	logger *slog.Logger

	state    atomic.Int32
	listener net.Listener
	server   *http.Server
	ca       *certAuthority

	transport http.RoundTripper
	recorder  *sessionRecorder
	replayer  *sessionReplayer
	har       *harWriter

	diagnostics *chi.Mux

	mu       sync.Mutex
	firstErr error
}

// New builds an interceptor. Mode is decided here and never changes:
// replay when a replay session is supplied, record otherwise.
func New(opts Options) *Interceptor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CertWaitTimeout <= 0 {
		opts.CertWaitTimeout = 30 * time.Second
	}

	i := &Interceptor{
		opts:   opts,
		logger: opts.Logger,
		transport: otelhttp.NewTransport(&http.Transport{
			Proxy:           nil, // never chain through an outer proxy
			TLSClientConfig: opts.UpstreamTLSConfig,
		}),
	}

	r := chi.NewRouter()
	r.Get("/healthz", i.handleHealthz)
	r.Get("/cacert", i.handleCACert)
	i.diagnostics = r
	return i
}

// Replaying reports whether this instance serves recorded responses.
func (i *Interceptor) Replaying() bool { return i.opts.ReplaySessionName != "" }

// State returns the current lifecycle state.
func (i *Interceptor) State() State { return State(i.state.Load()) }

// Addr is the bound listen address, valid once Start has returned.
func (i *Interceptor) Addr() string {
	if i.listener == nil {
		return ""
	}
	return i.listener.Addr().String()
}

// CACertPath is the PEM file clients must trust.
func (i *Interceptor) CACertPath() string {
	return filepath.Join(i.opts.CertDir, caCertName)
}

// SessionName names the session this instance records to (or replays).
func (i *Interceptor) SessionName() string {
	if i.Replaying() {
		return i.opts.ReplaySessionName
	}
	return i.opts.SessionName
}

// Err returns the first determinism-compromising failure observed while
// serving, typically a replay mismatch.
func (i *Interceptor) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.firstErr
}

func (i *Interceptor) recordErr(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.firstErr == nil {
		i.firstErr = err
	}
}

// Start binds the listener, prepares the CA and trust store, loads the
// replay session when in replay mode, and begins serving. The
// interceptor is ready for client traffic when Start returns nil.
func (i *Interceptor) Start(ctx context.Context) error {
	if !i.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("interceptor not stopped (state %s)", i.State())
	}

	fail := func(err error) error {
		i.state.Store(int32(StateStopped))
		return err
	}

	ca, err := loadOrCreateCA(i.opts.CertDir)
	if err != nil {
		return fail(fmt.Errorf("prepare CA: %w", err))
	}
	i.ca = ca

	// The certificate must exist on disk before any client starts;
	// clients are pointed at it through the trust store and env vars.
	if err := waitForCACert(i.CACertPath(), i.opts.CertWaitTimeout); err != nil {
		return fail(err)
	}
	if err := installTrustStore(i.CACertPath(), i.opts.TrustStoreDir, i.logger); err != nil {
		return fail(fmt.Errorf("install trust store: %w", err))
	}

	if i.Replaying() {
		replayer, err := loadSessionReplayer(i.opts.ReplaySessionName, i.opts.Match)
		if err != nil {
			return fail(err)
		}
		i.replayer = replayer
	} else {
		i.recorder = newSessionRecorder(i.opts.SessionName)
		// Persist the empty session up front: a run that makes no
		// network calls must still leave a replayable session behind.
		if err := i.recorder.save(); err != nil {
			return fail(fmt.Errorf("create session log: %w", err))
		}
	}
	if i.opts.HARDumpPath != "" {
		i.har = newHARWriter(i.opts.HARDumpPath)
	}

	addr := fmt.Sprintf("%s:%d", i.opts.Host, i.opts.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fail(fmt.Errorf("%w: %s: %v", ErrBind, addr, err))
	}
	i.listener = listener

	i.server = &http.Server{
		Handler: http.HandlerFunc(i.handle),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		if err := i.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			i.logger.Error("interceptor serve failed", slog.String("error", err.Error()))
		}
	}()

	i.state.Store(int32(StateRunning))
	i.logger.Info("interceptor started",
		slog.String("addr", i.Addr()),
		slog.Bool("replay", i.Replaying()),
		slog.String("session", i.SessionName()))
	return nil
}

// Stop closes the listener and server. Best-effort and non-blocking by
// design: stopping must always succeed regardless of child process
// state, so no orphaned listening socket outlives a run.
func (i *Interceptor) Stop() error {
	if !i.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return nil
	}
	defer i.state.Store(int32(StateStopped))

	err := i.server.Close()
	i.logger.Info("interceptor stopped", slog.String("addr", i.Addr()))
	return err
}

// handle dispatches one incoming connection: CONNECT tunnels get
// intercepted with a minted certificate, absolute-URI requests are
// proxied, and plain relative requests reach the diagnostics router
// (the proxy answers for itself, the way mitmproxy serves mitm.it).
func (i *Interceptor) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		i.handleConnect(w, r)
	case r.URL.IsAbs():
		i.handleProxied(w, r)
	default:
		i.diagnostics.ServeHTTP(w, r)
	}
}

func (i *Interceptor) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"state":%q,"replay":%v}`, i.State(), i.Replaying())
}

func (i *Interceptor) handleCACert(w http.ResponseWriter, _ *http.Request) {
	raw, err := os.ReadFile(i.CACertPath())
	if err != nil {
		http.Error(w, "CA certificate unavailable", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(raw)
}

// handleProxied serves one plain-HTTP proxied request.
func (i *Interceptor) handleProxied(w http.ResponseWriter, r *http.Request) {
	resp, body, err := i.exchange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// handleConnect intercepts an HTTPS tunnel: it completes the tunnel
// handshake with the client using a certificate minted by the local CA,
// then serves each request inside the tunnel through the same
// record/replay path as plain HTTP.
func (i *Interceptor) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		i.logger.Error("hijack failed", slog.String("error", err.Error()))
		return
	}
	defer clientConn.Close()

	if _, err := io.WriteString(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	tlsConn := tls.Server(clientConn, i.ca.tlsConfig(host))
	defer tlsConn.Close()

	reader := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return // EOF ends the tunnel
		}

		// Rebuild the absolute URL the client addressed. The default
		// port is dropped so record and replay derive identical keys.
		req.URL.Scheme = "https"
		if strings.HasSuffix(r.Host, ":443") {
			req.URL.Host = host
		} else {
			req.URL.Host = r.Host
		}
		req.RequestURI = ""

		resp, body, exErr := i.exchange(req)
		if exErr != nil {
			resp = &http.Response{
				StatusCode: http.StatusBadGateway,
				ProtoMajor: 1, ProtoMinor: 1,
				Header: http.Header{"Content-Type": []string{"text/plain"}},
			}
			body = []byte(exErr.Error())
		}
		resp.Body = io.NopCloser(strings.NewReader(string(body)))
		resp.ContentLength = int64(len(body))
		resp.TransferEncoding = nil
		resp.Header.Del("Transfer-Encoding")
		if err := resp.Write(tlsConn); err != nil {
			return
		}
	}
}

// exchange resolves one request either against the live network (record
// mode, persisting the result) or against the loaded session (replay
// mode, never touching the network).
func (i *Interceptor) exchange(r *http.Request) (*http.Response, []byte, error) {
	start := time.Now()

	var reqBody []byte
	if r.Body != nil {
		reqBody, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}

	var (
		resp     *http.Response
		respBody []byte
		err      error
	)
	if i.Replaying() {
		resp, respBody, err = i.replayExchange(r, reqBody)
	} else {
		resp, respBody, err = i.recordExchange(r, reqBody)
	}
	if err != nil {
		return nil, nil, err
	}

	if i.har != nil {
		if herr := i.har.record(start, r, reqBody, resp, respBody); herr != nil {
			i.logger.Warn("HAR write failed", slog.String("error", herr.Error()))
		}
	}
	return resp, respBody, nil
}

func (i *Interceptor) recordExchange(r *http.Request, reqBody []byte) (*http.Response, []byte, error) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Body = io.NopCloser(strings.NewReader(string(reqBody)))
	out.ContentLength = int64(len(reqBody))
	// Hop-by-hop headers are the tunnel's business, not the origin's.
	out.Header.Del("Proxy-Connection")
	out.Header.Del("Proxy-Authorization")

	resp, err := i.transport.RoundTrip(out)
	if err != nil {
		return nil, nil, fmt.Errorf("forward %s %s: %w", r.Method, r.URL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response from %s: %w", r.URL, err)
	}

	if err := i.recorder.record(r, reqBody, resp, respBody); err != nil {
		i.logger.Warn("session write failed", slog.String("error", err.Error()))
	}
	return resp, respBody, nil
}

func (i *Interceptor) replayExchange(r *http.Request, reqBody []byte) (*http.Response, []byte, error) {
	interaction, err := i.replayer.next(r, reqBody)
	if err != nil {
		// A mismatch means the target run diverged; it must be visible,
		// never silently satisfied by a live call.
		i.recordErr(err)
		i.logger.Error("replay mismatch",
			slog.String("method", r.Method),
			slog.String("url", r.URL.String()))
		return nil, nil, err
	}

	header := make(http.Header, len(interaction.Response.Headers))
	for name, values := range interaction.Response.Headers {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	resp := &http.Response{
		StatusCode: interaction.Response.Code,
		Status:     interaction.Response.Status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1, ProtoMinor: 1,
		Header: header,
	}
	return resp, []byte(interaction.Response.Body), nil
}
