// Package sse decodes text/event-stream bodies into frames.
//
// The Parser is fed one line at a time and holds only the frame under
// construction, so it works the same over a fully buffered body or a live
// chunked response.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"time"
)

// Event is one dispatched frame.
type Event struct {
	Event      string // empty when the frame had no event: line
	ID         string // empty when the frame had no id: line
	Data       string // data: lines joined with "\n"
	ReceivedAt time.Time
}

// Parser accumulates lines into frames.
type Parser struct {
	event   string
	id      string
	data    []string
	hasData bool
	now     func() time.Time
}

// NewParser returns a parser stamping events with the wall clock.
func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// Feed consumes one line, without its terminator. It returns the frame
// completed by this line, if any.
func (p *Parser) Feed(line string) (Event, bool) {
	line = strings.TrimSuffix(line, "\r")

	if line == "" {
		return p.dispatch()
	}
	if strings.HasPrefix(line, ":") {
		return Event{}, false
	}

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	switch field {
	case "data":
		p.data = append(p.data, value)
		p.hasData = true
	case "event":
		p.event = value
	case "id":
		p.id = value
	}
	return Event{}, false
}

// Flush emits the frame under construction when it holds data.
// Call it once the stream ends without a trailing blank line.
func (p *Parser) Flush() (Event, bool) {
	return p.dispatch()
}

// Reset discards the frame under construction.
func (p *Parser) Reset() {
	p.event, p.id, p.data, p.hasData = "", "", nil, false
}

func (p *Parser) dispatch() (Event, bool) {
	if !p.hasData {
		// A blank line after event:/id: only lines ends that frame with nothing to emit.
		p.Reset()
		return Event{}, false
	}
	ev := Event{
		Event:      p.event,
		ID:         p.id,
		Data:       strings.Join(p.data, "\n"),
		ReceivedAt: p.clock(),
	}
	p.Reset()
	return ev, true
}

func (p *Parser) clock() time.Time {
	if p.now == nil {
		return time.Now()
	}
	return p.now()
}

// ParseEvents splits a complete body into frames, in order.
func ParseEvents(body string) []Event {
	if body == "" {
		return nil
	}
	var events []Event
	_ = Read(strings.NewReader(body), func(ev Event) {
		events = append(events, ev)
	})
	return events
}

// maxLineSize bounds a single line; feedback payloads are a few KB at most.
const maxLineSize = 1 << 20

// Read consumes r until EOF, calling fn for every frame as soon as its
// terminating blank line arrives. A trailing frame without a terminator is
// delivered before Read returns. The returned error is the reader's, if any;
// frames completed before it are still delivered.
func Read(r io.Reader, fn func(Event)) error {
	p := NewParser()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	scanner.Split(scanLines)
	for scanner.Scan() {
		if ev, ok := p.Feed(scanner.Text()); ok {
			fn(ev)
		}
	}
	err := scanner.Err()
	if ev, ok := p.Flush(); ok {
		fn(ev)
	}
	return err
}

// scanLines splits on LF, CRLF or a bare CR. A CR at the end of the buffered
// data waits for the next byte to tell CR from CRLF.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		switch {
		case i+1 < len(data) && data[i+1] == '\n':
			return i + 2, data[:i], nil
		case i+1 < len(data) || atEOF:
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
