package transport

import (
	"slices"

	"go.uber.org/zap"

	"github.com/peterouob/p2plobby/pkg/logging"
	"github.com/peterouob/p2plobby/pkg/signal"
	wbc "github.com/peterouob/p2plobby/pkg/webrtc"
)

// Connections is the connection manager as RTC uses it.
type Connections interface {
	signal.Negotiator
	Poll() []wbc.Event
	Send(id wbc.ConnectionID, text string) error
	Close(id wbc.ConnectionID) error
	CloseAll() error
}

// RTC carries the session over WebRTC data channels, signaled through a
// polled room document.
type RTC struct {
	conns Connections
	sig   *signal.Poller
	log   *zap.Logger

	pending []Event

	active bool
	isHost bool
	code   string

	// host
	peerConn    map[PeerID]wbc.ConnectionID
	connPeer    map[wbc.ConnectionID]PeerID
	open        map[PeerID]struct{}
	rosterDirty bool

	// client
	self     PeerID
	hostConn wbc.ConnectionID
	entered  bool
}

var _ Transport = (*RTC)(nil)

func NewRTC(conns Connections, sig *signal.Poller, log *zap.Logger) *RTC {
	r := &RTC{
		conns: conns,
		sig:   sig,
		log:   logging.OrNop(log).Named("transport"),
	}
	r.clear()
	return r
}

func (r *RTC) clear() {
	r.active = false
	r.isHost = false
	r.code = ""
	r.peerConn = make(map[PeerID]wbc.ConnectionID)
	r.connPeer = make(map[wbc.ConnectionID]PeerID)
	r.open = make(map[PeerID]struct{})
	r.rosterDirty = false
	r.self = 0
	r.hostConn = 0
	r.entered = false
}

func (r *RTC) teardown() {
	_ = r.conns.CloseAll()
	r.sig.Reset()
	r.clear()
}

func (r *RTC) CreateLobby() (string, error) {
	if r.active {
		return "", ErrAlreadyInLobby
	}
	code, err := NewRoomCode()
	if err != nil {
		return "", err
	}
	r.clear()
	r.active = true
	r.isHost = true
	r.code = code
	r.sig.Host(code)
	r.pending = append(r.pending, Event{Kind: LobbyCreated, Code: code})
	r.log.Info("lobby created", zap.String("code", code))
	return code, nil
}

func (r *RTC) JoinLobby(code string) error {
	if r.active {
		return ErrAlreadyInLobby
	}
	code, err := NormalizeCode(code)
	if err != nil {
		return err
	}
	r.clear()
	r.active = true
	r.code = code
	r.self = PeerID(r.sig.Join(code))
	r.log.Info("joining lobby", zap.String("code", code), zap.Uint64("self", uint64(r.self)))
	return nil
}

// ExitLobby closes every connection and forgets the room. No event follows.
func (r *RTC) ExitLobby() {
	if !r.active {
		return
	}
	r.log.Info("leaving lobby", zap.String("code", r.code))
	r.teardown()
	r.pending = nil
}

func (r *RTC) Poll() []Event {
	out := r.pending
	r.pending = nil
	if !r.active {
		return out
	}

	for _, n := range r.sig.Poll() {
		switch n.Kind {
		case signal.NoticeRoomReady:
			out = append(out, Event{Kind: LobbyEntered, Code: r.code})
		case signal.NoticeAnswering:
			peer := PeerID(n.Client)
			r.peerConn[peer] = n.Conn
			r.connPeer[n.Conn] = peer
		case signal.NoticeOffering:
			r.hostConn = n.Conn
		}
	}

	for _, ev := range r.conns.Poll() {
		if r.isHost {
			r.hostEvent(ev, &out)
			continue
		}
		if exited := r.clientEvent(ev, &out); exited {
			return out
		}
	}

	if r.rosterDirty {
		r.rosterDirty = false
		out = append(out, Event{Kind: RosterChanged, Peers: r.connected()})
	}
	return out
}

func (r *RTC) hostEvent(ev wbc.Event, out *[]Event) {
	switch ev.Kind {
	case wbc.EventLocalSDP:
		if !r.sig.LocalSDP(ev.ID, ev.SDP) {
			r.log.Debug("unclaimed local description", zap.Uint64("conn", uint64(ev.ID)))
		}
	case wbc.EventOpen:
		peer, ok := r.connPeer[ev.ID]
		if !ok {
			return
		}
		r.open[peer] = struct{}{}
		r.rosterDirty = true
		r.log.Info("client connected", zap.Uint64("peer", uint64(peer)))
	case wbc.EventClosed:
		peer, ok := r.connPeer[ev.ID]
		if !ok {
			return
		}
		r.log.Info("client disconnected", zap.Uint64("peer", uint64(peer)))
		r.drop(peer)
	case wbc.EventData:
		peer, ok := r.connPeer[ev.ID]
		if !ok {
			return
		}
		*out = append(*out, Event{Kind: FromClient, Peer: peer, Data: []byte(ev.Text)})
	}
}

func (r *RTC) clientEvent(ev wbc.Event, out *[]Event) (exited bool) {
	switch ev.Kind {
	case wbc.EventLocalSDP:
		r.sig.LocalSDP(ev.ID, ev.SDP)
	case wbc.EventOpen:
		if ev.ID != r.hostConn || r.entered {
			return false
		}
		r.entered = true
		r.log.Info("connected to host", zap.String("code", r.code))
		*out = append(*out,
			Event{Kind: LobbyJoined, Code: r.code, Peer: r.self},
			Event{Kind: LobbyEntered, Code: r.code},
		)
	case wbc.EventClosed:
		if ev.ID != r.hostConn {
			return false
		}
		r.log.Info("host connection lost", zap.String("code", r.code))
		r.teardown()
		*out = append(*out, Event{Kind: LobbyExited, Reason: ExitDisconnected})
		return true
	case wbc.EventData:
		if ev.ID == r.hostConn {
			*out = append(*out, Event{Kind: FromHost, Data: []byte(ev.Text)})
		}
	}
	return false
}

// drop forgets a client connection and closes it.
func (r *RTC) drop(peer PeerID) {
	conn, ok := r.peerConn[peer]
	if !ok {
		return
	}
	delete(r.peerConn, peer)
	delete(r.connPeer, conn)
	if _, wasOpen := r.open[peer]; wasOpen {
		delete(r.open, peer)
		r.rosterDirty = true
	}
	r.sig.Forget(conn)
	if err := r.conns.Close(conn); err != nil {
		r.log.Debug("close connection", zap.Uint64("conn", uint64(conn)), zap.Error(err))
	}
}

func (r *RTC) connected() []PeerID {
	peers := make([]PeerID, 0, len(r.open))
	for p := range r.open {
		peers = append(peers, p)
	}
	slices.Sort(peers)
	return peers
}

func (r *RTC) send(id wbc.ConnectionID, b []byte) {
	if err := r.conns.Send(id, string(b)); err != nil {
		r.log.Debug("send dropped", zap.Uint64("conn", uint64(id)), zap.Error(err))
	}
}

func (r *RTC) SendToHost(b []byte) {
	if r.isHost || r.hostConn == 0 {
		return
	}
	r.send(r.hostConn, b)
}

func (r *RTC) SendToAll(b []byte) {
	if !r.isHost {
		r.SendToHost(b)
		return
	}
	for _, peer := range r.connected() {
		r.send(r.peerConn[peer], b)
	}
}

func (r *RTC) SendTo(peer PeerID, b []byte) {
	if !r.isHost {
		if peer == HostID {
			r.SendToHost(b)
		}
		return
	}
	if _, ok := r.open[peer]; ok {
		r.send(r.peerConn[peer], b)
	}
}

func (r *RTC) SendToAllExcept(except PeerID, b []byte) {
	if !r.isHost {
		return
	}
	for _, peer := range r.connected() {
		if peer != except {
			r.send(r.peerConn[peer], b)
		}
	}
}

// Kick closes the client's connection. The roster change is reported on the
// next Poll.
func (r *RTC) Kick(peer PeerID) {
	if !r.isHost {
		return
	}
	r.log.Info("kicking client", zap.Uint64("peer", uint64(peer)))
	r.drop(peer)
}
