package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Format is the wire contract the relay advertises to its own callers.
type Format string

const (
	// FormatSSE frames each fragment as data: {"content":"..."}.
	FormatSSE Format = "sse"
	// FormatText writes fragments as raw UTF-8.
	FormatText Format = "text"
)

// ParseFormat accepts "sse" or "text"; empty selects FormatSSE.
func ParseFormat(v string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(v))) {
	case "", FormatSSE:
		return FormatSSE, nil
	case FormatText:
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown response format %q", v)
	}
}

// ContentType is the value for the response Content-Type header.
func (f Format) ContentType() string {
	if f == FormatText {
		return "text/plain; charset=utf-8"
	}
	return "text/event-stream"
}

// Framer writes fragments to the caller and flushes after each one.
type Framer struct {
	w      io.Writer
	flush  func()
	format Format
}

// NewFramer wraps w. When w implements http.Flusher every write is flushed.
func NewFramer(w io.Writer, format Format) *Framer {
	f := &Framer{w: w, format: format, flush: func() {}}
	if fl, ok := w.(http.Flusher); ok {
		f.flush = fl.Flush
	}
	return f
}

// PrepareHeaders sets the streaming response headers on h.
func (f *Framer) PrepareHeaders(h http.Header) {
	h.Set("Content-Type", f.format.ContentType())
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	if f.format == FormatSSE {
		h.Set("Connection", "keep-alive")
	}
}

// WriteFragment forwards one fragment.
func (f *Framer) WriteFragment(text string) error {
	var err error
	if f.format == FormatText {
		_, err = io.WriteString(f.w, text)
	} else {
		payload, merr := json.Marshal(struct {
			Content string `json:"content"`
		}{text})
		if merr != nil {
			return merr
		}
		_, err = fmt.Fprintf(f.w, "data: %s\n\n", payload)
	}
	if err != nil {
		return err
	}
	f.flush()
	return nil
}

// WriteError emits a terminal error event. Raw text streams have no way to carry
// one, so in FormatText it writes nothing and the caller relies on the aborted connection.
func (f *Framer) WriteError(e *Error) error {
	if f.format != FormatSSE || e == nil {
		return nil
	}
	payload, err := json.Marshal(struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}{e.Message, e.Code()})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f.w, "event: error\ndata: %s\n\n", payload); err != nil {
		return err
	}
	f.flush()
	return nil
}
