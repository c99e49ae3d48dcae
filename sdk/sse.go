package tutor

import (
	"bytes"
	"strings"
)

// FrameKind classifies a relayed frame.
type FrameKind int

const (
	// FrameData carries one upstream chunk; Payload is the JSON after "data: ".
	FrameData FrameKind = iota + 1
	// FrameError is the relay's in-band failure marker; Payload is the message.
	FrameError
)

// Frame is one delimited unit of the relayed event stream.
type Frame struct {
	Kind    FrameKind
	Payload string
}

const (
	dataPrefix        = "data: "
	errorMarkerPrefix = "[오류 발생:"
	errorMarkerSuffix = "]"
)

var (
	lfDelim   = []byte("\n\n")
	crlfDelim = []byte("\r\n\r\n")
)

// FrameSplitter reassembles frames from arbitrarily chunked stream bytes.
// Use one splitter per connection. The frames produced do not depend on how
// the bytes were chunked.
type FrameSplitter struct {
	pending []byte
}

// Feed appends chunk and returns every frame it completes, in order. Bytes
// after the last delimiter stay pending.
func (s *FrameSplitter) Feed(chunk []byte) []Frame {
	s.pending = append(s.pending, chunk...)

	var frames []Frame
	for {
		idx, n := nextDelimiter(s.pending)
		if idx < 0 {
			break
		}
		raw := string(s.pending[:idx])
		s.pending = s.pending[idx+n:]
		if f, ok := classifyFrame(raw); ok {
			frames = append(frames, f)
		}
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return frames
}

// Flush ends the stream. A trailing error marker that was never delimited is
// returned as a frame; any other leftover bytes are discarded.
func (s *FrameSplitter) Flush() []Frame {
	raw := string(s.pending)
	s.pending = nil
	if f, ok := classifyFrame(raw); ok && f.Kind == FrameError {
		return []Frame{f}
	}
	return nil
}

// Pending returns the number of buffered bytes not yet part of a frame.
func (s *FrameSplitter) Pending() int {
	return len(s.pending)
}

// nextDelimiter returns the start and length of the earliest frame delimiter.
func nextDelimiter(b []byte) (int, int) {
	lf := bytes.Index(b, lfDelim)
	crlf := bytes.Index(b, crlfDelim)
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, len(lfDelim)
	default:
		return crlf, len(crlfDelim)
	}
}

func classifyFrame(raw string) (Frame, bool) {
	if strings.HasPrefix(raw, dataPrefix) {
		return Frame{Kind: FrameData, Payload: strings.TrimRight(raw[len(dataPrefix):], "\r\n")}, true
	}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, errorMarkerPrefix) && strings.HasSuffix(trimmed, errorMarkerSuffix) {
		msg := strings.TrimSuffix(strings.TrimPrefix(trimmed, errorMarkerPrefix), errorMarkerSuffix)
		return Frame{Kind: FrameError, Payload: strings.TrimSpace(msg)}, true
	}
	return Frame{}, false
}
