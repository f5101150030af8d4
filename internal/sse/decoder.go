package sse

import (
	"bytes"
	"strings"
)

const defaultEvent = "message"

// DefaultMaxBuffered caps the bytes a Decoder holds while waiting for a
// block delimiter.
const DefaultMaxBuffered = 1 << 20

// Frame is one parsed server-sent event block.
type Frame struct {
	ID    string
	Event string
	Data  string
}

// Decoder splits a byte stream into frames. Reads may end anywhere, including
// inside a multi-byte rune; bytes stay buffered until a block delimiter
// arrives. A block that outgrows MaxBuffered is discarded up to its
// delimiter and counted as an overflow.
type Decoder struct {
	// MaxBuffered defaults to DefaultMaxBuffered.
	MaxBuffered int

	buf       []byte
	skipping  bool
	overflows int
}

// Feed appends chunk and returns every complete frame now available. Blocks
// holding only comments or blank lines produce nothing.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.buf = append(d.buf, chunk...)
	var frames []Frame
	for {
		idx, size := nextDelimiter(d.buf)
		if idx < 0 {
			break
		}
		block := string(d.buf[:idx])
		d.buf = d.buf[idx+size:]
		if d.skipping {
			d.skipping = false
			continue
		}
		if frame, ok := ParseBlock(block); ok {
			frames = append(frames, frame)
		}
	}
	if limit := d.limit(); len(d.buf) > limit {
		// keep enough bytes for a delimiter split across reads
		tail := 3
		d.buf = append(d.buf[:0], d.buf[len(d.buf)-tail:]...)
		if !d.skipping {
			d.overflows++
		}
		d.skipping = true
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

// TakeOverflows returns how many blocks were discarded for size since the
// last call.
func (d *Decoder) TakeOverflows() int {
	n := d.overflows
	d.overflows = 0
	return n
}

func (d *Decoder) limit() int {
	if d.MaxBuffered > 0 {
		return d.MaxBuffered
	}
	return DefaultMaxBuffered
}

// Buffered reports how many bytes are waiting for a delimiter.
func (d *Decoder) Buffered() int { return len(d.buf) }

func nextDelimiter(buf []byte) (int, int) {
	lf := bytes.Index(buf, []byte("\n\n"))
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, 2
	default:
		return crlf, 4
	}
}

// ParseBlock parses the field lines of one block.
func ParseBlock(block string) (Frame, bool) {
	frame := Frame{Event: defaultEvent}
	var (
		data    []string
		sawData bool
		sawAny  bool
	)
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			if v := strings.TrimSpace(value); v != "" {
				frame.Event = v
			}
			sawAny = true
		case "data":
			data = append(data, value)
			sawData = true
			sawAny = true
		case "id":
			frame.ID = strings.TrimSpace(value)
			sawAny = true
		case "retry":
			sawAny = true
		}
	}
	if !sawAny {
		return Frame{}, false
	}
	if sawData {
		frame.Data = strings.Join(data, "\n")
	}
	return frame, true
}
