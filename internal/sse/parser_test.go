package sse

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvents_WellFormedFrames(t *testing.T) {
	for _, n := range []int{1, 2, 5, 50} {
		t.Run(fmt.Sprintf("%d frames", n), func(t *testing.T) {
			var b strings.Builder
			for i := 0; i < n; i++ {
				fmt.Fprintf(&b, "event: feedback\nid: %d\ndata: line-%d-a\ndata: line-%d-b\n\n", i, i, i)
			}

			events := ParseEvents(b.String())
			require.Len(t, events, n)
			for i, ev := range events {
				assert.Equal(t, "feedback", ev.Event)
				assert.Equal(t, fmt.Sprint(i), ev.ID)
				assert.Equal(t, fmt.Sprintf("line-%d-a\nline-%d-b", i, i), ev.Data)
			}
		})
	}
}

func TestParseEvents_TrailingFrameWithoutTerminator(t *testing.T) {
	body := "event: feedback\ndata: first\n\nevent: complete\ndata: {\"done\":true}"

	events := ParseEvents(body)
	require.Len(t, events, 2)
	assert.Equal(t, "first", events[0].Data)
	assert.Equal(t, "complete", events[1].Event)
	assert.Equal(t, `{"done":true}`, events[1].Data)
}

func TestParseEvents_FramesWithoutDataAreDropped(t *testing.T) {
	body := "event: ping\n\nid: 7\n\n: keep-alive comment\n\ndata: real\n\nevent: dangling"

	events := ParseEvents(body)
	require.Len(t, events, 1)
	assert.Equal(t, "real", events[0].Data)
	assert.Empty(t, events[0].Event)
	assert.Empty(t, events[0].ID)
}

func TestParseEvents_LineHandling(t *testing.T) {
	tests := []struct {
		name string
		body string
		data string
	}{
		{"crlf", "data: a\r\ndata: b\r\n\r\n", "a\nb"},
		{"bare cr", "data: a\rdata: b\r\r", "a\nb"},
		{"mixed terminators", "data: a\rdata: b\n\r\n", "a\nb"},
		{"no space after colon", "data:tight\n\n", "tight"},
		{"only one leading space stripped", "data:   indented\n\n", "  indented"},
		{"empty data line", "data:\ndata: x\n\n", "\nx"},
		{"colon inside value", "data: {\"a\":\"b:c\"}\n\n", `{"a":"b:c"}`},
		{"unknown fields ignored", "retry: 100\nfoo: bar\ndata: ok\n\n", "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := ParseEvents(tt.body)
			require.Len(t, events, 1)
			assert.Equal(t, tt.data, events[0].Data)
		})
	}
}

func TestParseEvents_Empty(t *testing.T) {
	assert.Empty(t, ParseEvents(""))
	assert.Empty(t, ParseEvents("\n\n\n"))
}

func TestParser_Incremental(t *testing.T) {
	p := NewParser()

	_, ok := p.Feed("event: feedback")
	assert.False(t, ok)
	_, ok = p.Feed("data: partial")
	assert.False(t, ok)

	ev, ok := p.Feed("")
	require.True(t, ok)
	assert.Equal(t, "feedback", ev.Event)
	assert.Equal(t, "partial", ev.Data)
	assert.False(t, ev.ReceivedAt.IsZero())

	// Event type does not leak into the next frame.
	_, _ = p.Feed("data: next")
	ev, ok = p.Flush()
	require.True(t, ok)
	assert.Empty(t, ev.Event)

	_, ok = p.Flush()
	assert.False(t, ok)
}

type chunkedReader struct {
	chunks []string
	err    error
}

func (r *chunkedReader) Read(b []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(b, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func TestRead_ChunkBoundariesInsideLines(t *testing.T) {
	r := &chunkedReader{chunks: []string{"da", "ta: he", "llo\n", "\nevent: comp", "lete\ndata: bye\n", "\n"}}

	var got []Event
	require.NoError(t, Read(r, func(ev Event) { got = append(got, ev) }))

	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Data)
	assert.Equal(t, "complete", got[1].Event)
	assert.Equal(t, "bye", got[1].Data)
}

func TestRead_CRLFSplitAcrossChunks(t *testing.T) {
	r := &chunkedReader{chunks: []string{"data: x\r", "\n\r", "\ndata: y\r", "\r"}}

	var got []Event
	require.NoError(t, Read(r, func(ev Event) { got = append(got, ev) }))

	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].Data)
	assert.Equal(t, "y", got[1].Data)
}

func TestRead_ErrorKeepsCompletedFrames(t *testing.T) {
	drop := errors.New("connection reset")
	r := &chunkedReader{chunks: []string{"data: one\n\ndata: two"}, err: drop}

	var got []Event
	err := Read(r, func(ev Event) { got = append(got, ev) })

	assert.ErrorIs(t, err, drop)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[1].Data)
}
