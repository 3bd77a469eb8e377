package upstream

import (
	"bytes"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// Decoder turns arbitrarily split SSE bytes into text fragments.
//
// Bytes after the last newline are carried over to the next Feed. Splitting on
// the newline byte never divides a multi-byte UTF-8 sequence, so every complete
// line holds whole characters regardless of where reads were cut.
type Decoder struct {
	extractor Extractor
	carry     []byte
	malformed int

	// OnMalformed, when set, is called for each data line whose payload failed to decode.
	OnMalformed func(payload []byte, err error)
}

// NewDecoder returns a Decoder using ex to extract fragments. A nil ex selects AutoExtractor.
func NewDecoder(ex Extractor) *Decoder {
	if ex == nil {
		ex = AutoExtractor{}
	}
	return &Decoder{extractor: ex}
}

// Feed consumes one read worth of bytes and returns the fragments of every line it completed.
func (d *Decoder) Feed(p []byte) []string {
	if len(p) == 0 {
		return nil
	}
	d.carry = append(d.carry, p...)
	var out []string
	for {
		idx := bytes.IndexByte(d.carry, '\n')
		if idx < 0 {
			break
		}
		if frag, ok := d.line(d.carry[:idx]); ok {
			out = append(out, frag)
		}
		d.carry = d.carry[idx+1:]
	}
	// Compact so a long stream does not pin every consumed byte.
	if len(d.carry) == 0 {
		d.carry = nil
	} else if cap(d.carry) > 4*len(d.carry)+4096 {
		d.carry = append([]byte(nil), d.carry...)
	}
	return out
}

// Flush processes a final line that arrived without a trailing newline.
func (d *Decoder) Flush() []string {
	if len(d.carry) == 0 {
		return nil
	}
	rest := d.carry
	d.carry = nil
	if frag, ok := d.line(rest); ok {
		return []string{frag}
	}
	return nil
}

// Malformed returns how many data lines were skipped because they failed to decode.
func (d *Decoder) Malformed() int { return d.malformed }

// Pending reports whether an incomplete line is buffered.
func (d *Decoder) Pending() bool { return len(d.carry) > 0 }

func (d *Decoder) line(raw []byte) (string, bool) {
	raw = bytes.TrimRight(raw, "\r")
	if !bytes.HasPrefix(raw, []byte(dataPrefix)) {
		// keep-alives, comments, event: and id: lines
		return "", false
	}
	payload := bytes.TrimSpace(raw[len(dataPrefix):])
	if len(payload) == 0 || string(payload) == doneSentinel {
		return "", false
	}
	frag, err := d.extractor.Extract(payload)
	if err != nil {
		d.malformed++
		if d.OnMalformed != nil {
			d.OnMalformed(payload, err)
		}
		return "", false
	}
	if frag == "" {
		return "", false
	}
	return frag, true
}
