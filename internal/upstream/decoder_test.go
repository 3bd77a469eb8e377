package upstream

import (
	"strings"
	"testing"
)

const chatStream = "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
	": keep-alive\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\" thére\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"!\"}}]}\n\n" +
	"data: [DONE]\n\n"

func decodeAll(d *Decoder, chunks ...string) string {
	var b strings.Builder
	for _, c := range chunks {
		for _, frag := range d.Feed([]byte(c)) {
			b.WriteString(frag)
		}
	}
	for _, frag := range d.Flush() {
		b.WriteString(frag)
	}
	return b.String()
}

func TestDecoderSingleRead(t *testing.T) {
	got := decodeAll(NewDecoder(ChatDeltaExtractor{}), chatStream)
	if got != "Hi thére!" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestDecoderInsensitiveToReadBoundaries(t *testing.T) {
	want := decodeAll(NewDecoder(ChatDeltaExtractor{}), chatStream)
	for cut := 1; cut < len(chatStream); cut++ {
		got := decodeAll(NewDecoder(ChatDeltaExtractor{}), chatStream[:cut], chatStream[cut:])
		if got != want {
			t.Fatalf("split at %d: got %q want %q", cut, got, want)
		}
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	chunks := make([]string, 0, len(chatStream))
	for i := 0; i < len(chatStream); i++ {
		chunks = append(chunks, chatStream[i:i+1])
	}
	if got := decodeAll(NewDecoder(ChatDeltaExtractor{}), chunks...); got != "Hi thére!" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestDecoderBuffersPartialLine(t *testing.T) {
	d := NewDecoder(ChatDeltaExtractor{})
	if frags := d.Feed([]byte(`data: {"choi`)); len(frags) != 0 {
		t.Fatalf("expected no fragments from partial line, got %v", frags)
	}
	if !d.Pending() {
		t.Fatalf("expected the partial line to be buffered")
	}
	frags := d.Feed([]byte("ces\":[{\"delta\":{\"content\":\"X\"}}]}\n"))
	if len(frags) != 1 || frags[0] != "X" {
		t.Fatalf("expected [X], got %v", frags)
	}
	if d.Pending() {
		t.Fatalf("buffer should be empty after a complete line")
	}
}

func TestDecoderSkipsMalformedLine(t *testing.T) {
	d := NewDecoder(ChatDeltaExtractor{})
	var seen []string
	d.OnMalformed = func(payload []byte, err error) { seen = append(seen, string(payload)) }

	got := decodeAll(d,
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n",
		"data: {not json\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n",
	)
	if got != "ab" {
		t.Fatalf("unexpected text %q", got)
	}
	if d.Malformed() != 1 || len(seen) != 1 || seen[0] != "{not json" {
		t.Fatalf("expected one malformed line, got %d (%v)", d.Malformed(), seen)
	}
}

func TestDecoderDoneSentinelIsSilent(t *testing.T) {
	d := NewDecoder(ChatDeltaExtractor{})
	if frags := d.Feed([]byte("data: [DONE]\n")); len(frags) != 0 {
		t.Fatalf("sentinel produced fragments %v", frags)
	}
	if d.Malformed() != 0 {
		t.Fatalf("sentinel counted as malformed")
	}
}

func TestDecoderCRLFAndFinalLineWithoutNewline(t *testing.T) {
	d := NewDecoder(PartsExtractor{})
	stream := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"one \"}]}}]}\r\n\r\n" +
		"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"two\"},{\"text\":\"!\"}]}}]}"
	if got := decodeAll(d, stream); got != "one two!" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestAutoExtractorHandlesBothShapes(t *testing.T) {
	ex := AutoExtractor{}
	chat, err := ex.Extract([]byte(`{"choices":[{"delta":{"content":"c"}}]}`))
	if err != nil || chat != "c" {
		t.Fatalf("chat shape: %q %v", chat, err)
	}
	parts, err := ex.Extract([]byte(`{"candidates":[{"content":{"parts":[{"text":"p"}]}}]}`))
	if err != nil || parts != "p" {
		t.Fatalf("parts shape: %q %v", parts, err)
	}
	empty, err := ex.Extract([]byte(`{"usage":{"total_tokens":3}}`))
	if err != nil || empty != "" {
		t.Fatalf("usage chunk: %q %v", empty, err)
	}
}

func TestExtractorByName(t *testing.T) {
	if _, err := ExtractorByName("parts"); err != nil {
		t.Fatalf("parts: %v", err)
	}
	if _, err := ExtractorByName("xml"); err == nil {
		t.Fatalf("expected error for unknown extractor")
	}
}
