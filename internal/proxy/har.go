package proxy

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// HTTP Archive 1.2 rendering of a session, for human and tool
// inspection alongside the opaque exchange log.

type harFile struct {
	Log harLog `json:"log"`
}

type harLog struct {
	Version string     `json:"version"`
	Creator harCreator `json:"creator"`
	Entries []harEntry `json:"entries"`
}

type harCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type harEntry struct {
	StartedDateTime string      `json:"startedDateTime"`
	Time            int64       `json:"time"`
	Request         harRequest  `json:"request"`
	Response        harResponse `json:"response"`
}

type harRequest struct {
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	HTTPVersion string      `json:"httpVersion"`
	Headers     []harHeader `json:"headers"`
	BodySize    int64       `json:"bodySize"`
	PostData    *harContent `json:"postData,omitempty"`
}

type harResponse struct {
	Status      int         `json:"status"`
	StatusText  string      `json:"statusText"`
	HTTPVersion string      `json:"httpVersion"`
	Headers     []harHeader `json:"headers"`
	Content     harContent  `json:"content"`
	BodySize    int64       `json:"bodySize"`
}

type harHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type harContent struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
}

// harWriter renders every completed exchange to a HAR file, rewriting
// the file as each exchange lands so the archive stays valid JSON even
// if the run is killed.
type harWriter struct {
	mu      sync.Mutex
	path    string
	entries []harEntry
}

func newHARWriter(path string) *harWriter {
	return &harWriter{path: path}
}

func (h *harWriter) record(start time.Time, req *http.Request, reqBody []byte, resp *http.Response, respBody []byte) error {
	entry := harEntry{
		StartedDateTime: start.UTC().Format(time.RFC3339Nano),
		Time:            time.Since(start).Milliseconds(),
		Request: harRequest{
			Method:      req.Method,
			URL:         req.URL.String(),
			HTTPVersion: req.Proto,
			Headers:     harHeaders(req.Header),
			BodySize:    int64(len(reqBody)),
		},
		Response: harResponse{
			Status:      resp.StatusCode,
			StatusText:  http.StatusText(resp.StatusCode),
			HTTPVersion: resp.Proto,
			Headers:     harHeaders(resp.Header),
			Content: harContent{
				Size:     int64(len(respBody)),
				MimeType: resp.Header.Get("Content-Type"),
				Text:     string(respBody),
			},
			BodySize: int64(len(respBody)),
		},
	}
	if len(reqBody) > 0 {
		entry.Request.PostData = &harContent{
			Size:     int64(len(reqBody)),
			MimeType: req.Header.Get("Content-Type"),
			Text:     string(reqBody),
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	return h.flushLocked()
}

func (h *harWriter) flushLocked() error {
	out, err := json.MarshalIndent(harFile{Log: harLog{
		Version: "1.2",
		Creator: harCreator{Name: "bluegreen", Version: "1.0"},
		Entries: h.entries,
	}}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(h.path, out, 0o644)
}

func harHeaders(h http.Header) []harHeader {
	out := make([]harHeader, 0, len(h))
	for _, name := range sortedHeaderNames(h) {
		for _, v := range h[name] {
			out = append(out, harHeader{Name: name, Value: v})
		}
	}
	return out
}

func sortedHeaderNames(h http.Header) []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	// Deterministic header order keeps the archive diffable run to run.
	sort.Strings(names)
	return names
}
