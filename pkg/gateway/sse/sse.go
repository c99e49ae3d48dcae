// Package sse writes a relayed event stream downstream.
package sse

import (
	"fmt"
	"net/http"
	"sync"
)

// ErrorMarkerFormat is the in-band marker written when a stream fails after
// bytes have already been sent.
const ErrorMarkerFormat = "\n\n[오류 발생: %s]\n\n"

// Writer forwards raw event-stream bytes, flushing after every write. Headers
// are announced lazily on the first write so a failure before any byte can
// still be reported as a JSON error.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex

	announced bool
	written   int64
}

func New(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &Writer{w: w, flusher: f}, nil
}

// Announce sends the stream headers and a 200 status. It is a no-op after the
// first call.
func (sw *Writer) Announce() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.announceLocked()
}

func (sw *Writer) announceLocked() {
	if sw.announced {
		return
	}
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(http.StatusOK)
	sw.flusher.Flush()
	sw.announced = true
}

// Write sends p downstream and flushes.
func (sw *Writer) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.announceLocked()
	n, err := sw.w.Write(p)
	sw.written += int64(n)
	if err != nil {
		return n, err
	}
	sw.flusher.Flush()
	return n, nil
}

// SendErrorMarker writes the in-band error marker for msg.
func (sw *Writer) SendErrorMarker(msg string) error {
	_, err := sw.Write([]byte(fmt.Sprintf(ErrorMarkerFormat, msg)))
	return err
}

// Announced reports whether headers have been sent.
func (sw *Writer) Announced() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.announced
}

// Written returns the number of body bytes sent so far.
func (sw *Writer) Written() int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.written
}
