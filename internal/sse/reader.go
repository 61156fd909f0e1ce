// Package sse adapts the go-sse event parser to the pull-style reader the
// session handshake loop consumes.
package sse

import (
	"io"
	"iter"

	gosse "github.com/tmaxmax/go-sse"
)

// DefaultEventType is the type of events that carry no "event:" field.
const DefaultEventType = "message"

type Event struct {
	Type string
	ID   string
	Data string
}

type Reader struct {
	next func() (gosse.Event, error, bool)
	stop func()
}

func NewReader(r io.Reader) *Reader {
	next, stop := iter.Pull2(gosse.Read(r, nil))
	return &Reader{next: next, stop: stop}
}

// Next blocks until a complete event has been read. Events without data are
// skipped. It returns io.EOF once the stream has ended.
func (r *Reader) Next() (Event, error) {
	for {
		ev, err, ok := r.next()
		if !ok {
			return Event{}, io.EOF
		}
		if err != nil {
			return Event{}, err
		}
		if ev.Data == "" {
			continue
		}
		if ev.Type == "" {
			ev.Type = DefaultEventType
		}
		return Event{Type: ev.Type, ID: ev.LastEventID, Data: ev.Data}, nil
	}
}

// Close releases the parser. The underlying reader is left open.
func (r *Reader) Close() { r.stop() }
