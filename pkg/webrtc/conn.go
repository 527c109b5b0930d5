package wbc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

type ConnectionID uint64

type EventKind int

const (
	EventLocalSDP EventKind = iota
	EventOpen
	EventClosed
	EventData
)

func (k EventKind) String() string {
	switch k {
	case EventLocalSDP:
		return "local_sdp"
	case EventOpen:
		return "open"
	case EventClosed:
		return "closed"
	case EventData:
		return "data"
	default:
		return "unknown"
	}
}

// Event is what Poll surfaces for a connection. SDP is set for EventLocalSDP,
// Text for EventData.
type Event struct {
	Kind EventKind
	ID   ConnectionID
	SDP  string
	Text string
}

type conn struct {
	id ConnectionID
	pc *webrtc.PeerConnection

	mu sync.Mutex
	dc *webrtc.DataChannel

	openOnce  sync.Once
	closeOnce sync.Once
	events    chan Event
	done      chan struct{}
	doneOnce  sync.Once
}

func newConn(id ConnectionID, pc *webrtc.PeerConnection) *conn {
	return &conn{
		id:     id,
		pc:     pc,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// push hands an event to the tick goroutine. It blocks while the buffer is
// full, which stalls the pion reader instead of dropping frames, and gives up
// once the connection is torn down.
func (c *conn) push(ev Event) {
	ev.ID = c.id
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *conn) markOpen() {
	c.openOnce.Do(func() { c.push(Event{Kind: EventOpen}) })
}

func (c *conn) markClosed() {
	c.closeOnce.Do(func() { c.push(Event{Kind: EventClosed}) })
}

func (c *conn) deliver(text string) {
	// pion runs OnOpen on its own goroutine, so a frame can race it.
	c.markOpen()
	c.push(Event{Kind: EventData, Text: text})
}

func (c *conn) drain(out []Event) []Event {
	for {
		select {
		case ev := <-c.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (c *conn) setChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dc = dc
}

func (c *conn) channel() *webrtc.DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dc
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) close() error {
	c.doneOnce.Do(func() { close(c.done) })

	var err error
	if dc := c.channel(); dc != nil {
		err = multierr.Append(err, dc.Close())
	}
	return multierr.Append(err, c.pc.Close())
}
