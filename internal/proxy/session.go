package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
)

// MatchPolicy selects the request-equality key used during replay.
// Method and URL always participate; the body is opt-in because many
// connectors send timestamps or nonces in request bodies.
type MatchPolicy struct {
	IncludeBody bool
}

func (p MatchPolicy) key(method, url string, body []byte) string {
	if !p.IncludeBody || len(body) == 0 {
		return method + " " + url
	}
	sum := sha256.Sum256(body)
	return method + " " + url + " " + hex.EncodeToString(sum[:])
}

// sessionRecorder appends completed exchanges to a go-vcr cassette,
// persisting after every exchange so the session survives a run killed
// midway.
type sessionRecorder struct {
	mu sync.Mutex
	c  *cassette.Cassette
}

func newSessionRecorder(sessionName string) *sessionRecorder {
	return &sessionRecorder{c: cassette.New(sessionName)}
}

func (r *sessionRecorder) save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.c.Save()
}

func (r *sessionRecorder) record(req *http.Request, reqBody []byte, resp *http.Response, respBody []byte) error {
	interaction := &cassette.Interaction{
		Request: cassette.Request{
			Method:  req.Method,
			URL:     req.URL.String(),
			Headers: req.Header.Clone(),
			Body:    string(reqBody),
		},
		Response: cassette.Response{
			Status:  resp.Status,
			Code:    resp.StatusCode,
			Headers: resp.Header.Clone(),
			Body:    string(respBody),
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.AddInteraction(interaction)
	return r.c.Save()
}

// sessionReplayer serves recorded responses position-based: one queue
// of not-yet-consumed exchanges per request key, consumed head-first in
// original capture order. N calls to the same endpoint replay the N
// recorded responses in order.
type sessionReplayer struct {
	mu     sync.Mutex
	queues map[string][]*cassette.Interaction
	policy MatchPolicy
}

func loadSessionReplayer(sessionName string, policy MatchPolicy) (*sessionReplayer, error) {
	c, err := cassette.Load(sessionName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionMalformed, err)
	}

	r := &sessionReplayer{
		queues: make(map[string][]*cassette.Interaction),
		policy: policy,
	}
	for _, interaction := range c.Interactions {
		k := policy.key(interaction.Request.Method, interaction.Request.URL, []byte(interaction.Request.Body))
		r.queues[k] = append(r.queues[k], interaction)
	}
	return r, nil
}

// next pops the oldest unconsumed exchange matching the request. An
// empty queue is the replay-mismatch trigger.
func (r *sessionReplayer) next(req *http.Request, reqBody []byte) (*cassette.Interaction, error) {
	k := r.policy.key(req.Method, req.URL.String(), reqBody)

	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.queues[k]
	if len(queue) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrReplayMismatch, req.Method, req.URL)
	}
	r.queues[k] = queue[1:]
	return queue[0], nil
}
