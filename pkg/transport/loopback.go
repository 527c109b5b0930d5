package transport

import (
	"bytes"
	"slices"
	"sync"

	"github.com/peterouob/p2plobby/pkg/signal"
)

// Hub connects Loopback transports inside one process. Frames sent during a
// tick are seen by the receiver on its next Poll.
type Hub struct {
	mu      sync.Mutex
	lobbies map[string]*hubLobby
}

type hubLobby struct {
	host    *Loopback
	clients map[PeerID]*Loopback
}

func NewHub() *Hub {
	return &Hub{lobbies: make(map[string]*hubLobby)}
}

// Lobbies reports how many lobbies are open.
func (h *Hub) Lobbies() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lobbies)
}

// NewTransport returns a participant attached to the hub.
func (h *Hub) NewTransport() *Loopback {
	return &Loopback{hub: h}
}

// Loopback is a Transport whose peers live in the same process.
type Loopback struct {
	hub *Hub

	// guarded by hub.mu
	inbox   []Event
	active  bool
	isHost  bool
	code    string
	joining string
	self    PeerID
}

var _ Transport = (*Loopback)(nil)

func (l *Loopback) lobby() *hubLobby {
	if l.code == "" {
		return nil
	}
	return l.hub.lobbies[l.code]
}

func (l *Loopback) reset() {
	l.active = false
	l.isHost = false
	l.code = ""
	l.joining = ""
	l.self = 0
}

func (l *Loopback) CreateLobby() (string, error) {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if l.active {
		return "", ErrAlreadyInLobby
	}

	var code string
	for {
		c, err := NewRoomCode()
		if err != nil {
			return "", err
		}
		if _, taken := h.lobbies[c]; !taken {
			code = c
			break
		}
	}

	h.lobbies[code] = &hubLobby{host: l, clients: make(map[PeerID]*Loopback)}
	l.active = true
	l.isHost = true
	l.code = code
	l.inbox = append(l.inbox,
		Event{Kind: LobbyCreated, Code: code},
		Event{Kind: LobbyEntered, Code: code},
	)
	return code, nil
}

// JoinLobby waits for the lobby to exist; a missing code is retried on every
// Poll rather than refused.
func (l *Loopback) JoinLobby(code string) error {
	code, err := NormalizeCode(code)
	if err != nil {
		return err
	}
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if l.active {
		return ErrAlreadyInLobby
	}
	l.active = true
	l.joining = code
	return nil
}

func (l *Loopback) ExitLobby() {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !l.active {
		return
	}
	if lb := l.lobby(); lb != nil {
		if l.isHost {
			for _, c := range lb.clients {
				c.inbox = append(c.inbox, Event{Kind: LobbyExited, Reason: ExitDisconnected})
				c.reset()
			}
			delete(h.lobbies, l.code)
		} else {
			delete(lb.clients, l.self)
			lb.notifyRoster()
		}
	}
	l.inbox = nil
	l.reset()
}

func (l *Loopback) Poll() []Event {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if l.joining != "" {
		if lb, ok := h.lobbies[l.joining]; ok {
			self := PeerID(signal.NewClientID())
			lb.clients[self] = l
			l.code = l.joining
			l.joining = ""
			l.self = self
			l.inbox = append(l.inbox,
				Event{Kind: LobbyJoined, Code: l.code, Peer: self},
				Event{Kind: LobbyEntered, Code: l.code},
			)
			lb.notifyRoster()
		}
	}

	out := l.inbox
	l.inbox = nil
	return out
}

func (lb *hubLobby) notifyRoster() {
	lb.host.inbox = append(lb.host.inbox, Event{Kind: RosterChanged, Peers: lb.peers()})
}

func (lb *hubLobby) peers() []PeerID {
	out := make([]PeerID, 0, len(lb.clients))
	for p := range lb.clients {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (l *Loopback) SendToHost(b []byte) {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	l.sendToHost(b)
}

func (l *Loopback) sendToHost(b []byte) {
	lb := l.lobby()
	if lb == nil || l.isHost {
		return
	}
	lb.host.inbox = append(lb.host.inbox, Event{Kind: FromClient, Peer: l.self, Data: bytes.Clone(b)})
}

func (l *Loopback) SendToAll(b []byte) {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !l.isHost {
		l.sendToHost(b)
		return
	}
	l.broadcast(b, nil)
}

func (l *Loopback) SendTo(peer PeerID, b []byte) {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !l.isHost {
		if peer == HostID {
			l.sendToHost(b)
		}
		return
	}
	lb := l.lobby()
	if lb == nil {
		return
	}
	if c, ok := lb.clients[peer]; ok {
		c.inbox = append(c.inbox, Event{Kind: FromHost, Data: bytes.Clone(b)})
	}
}

func (l *Loopback) SendToAllExcept(except PeerID, b []byte) {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !l.isHost {
		return
	}
	l.broadcast(b, func(p PeerID) bool { return p == except })
}

func (l *Loopback) broadcast(b []byte, skip func(PeerID) bool) {
	lb := l.lobby()
	if lb == nil {
		return
	}
	for _, p := range lb.peers() {
		if skip != nil && skip(p) {
			continue
		}
		c := lb.clients[p]
		c.inbox = append(c.inbox, Event{Kind: FromHost, Data: bytes.Clone(b)})
	}
}

func (l *Loopback) Kick(peer PeerID) {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !l.isHost {
		return
	}
	lb := l.lobby()
	if lb == nil {
		return
	}
	c, ok := lb.clients[peer]
	if !ok {
		return
	}
	delete(lb.clients, peer)
	c.inbox = append(c.inbox, Event{Kind: LobbyExited, Reason: ExitDisconnected})
	c.reset()
	lb.notifyRoster()
}
