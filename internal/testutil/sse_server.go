package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"
)

// Script describes how the scripted upstream answers one request.
type Script struct {
	// Status defaults to 200. Non-2xx statuses write Body and return.
	Status int
	Header map[string]string
	Body   string
	// Chunks are written in order, each followed by a flush, so every chunk
	// arrives as its own read on the client side.
	Chunks []string
	Delay  time.Duration
	// Abort drops the connection after the chunks instead of ending cleanly.
	Abort bool
}

// RecordedRequest is what the scripted upstream saw.
type RecordedRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// SSEServer is a loopback upstream that replays scripts in order, repeating the last one.
type SSEServer struct {
	*LoopbackServer

	mu       sync.Mutex
	scripts  []Script
	served   int
	requests []RecordedRequest
}

// NewSSEServer starts a scripted event-stream upstream.
func NewSSEServer(t *testing.T, scripts ...Script) *SSEServer {
	t.Helper()
	s := &SSEServer{scripts: scripts}
	s.LoopbackServer = NewIPv4Server(t, http.HandlerFunc(s.serve))
	return s
}

// Requests returns a copy of every request received so far.
func (s *SSEServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

func (s *SSEServer) next(r *http.Request, body []byte) Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, RecordedRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
	})
	if len(s.scripts) == 0 {
		return Script{}
	}
	idx := s.served
	if idx >= len(s.scripts) {
		idx = len(s.scripts) - 1
	}
	s.served++
	return s.scripts[idx]
}

func (s *SSEServer) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	script := s.next(r, body)

	for k, v := range script.Header {
		w.Header().Set(k, v)
	}
	status := script.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status < 200 || status > 299 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, script.Body)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(status)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	for _, chunk := range script.Chunks {
		if script.Delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(script.Delay):
			}
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if script.Abort {
		panic(http.ErrAbortHandler)
	}
}

// ChatChunk renders one chat-completions delta as an SSE data line.
func ChatChunk(content string) string {
	return `data: {"choices":[{"delta":{"content":` + quote(content) + `}}]}` + "\n\n"
}

// PartsChunk renders one generateContent candidate as an SSE data line.
func PartsChunk(text string) string {
	return `data: {"candidates":[{"content":{"role":"model","parts":[{"text":` + quote(text) + `}]}}]}` + "\n\n"
}

// Done is the chat-completions end-of-stream sentinel line.
const Done = "data: [DONE]\n\n"

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
