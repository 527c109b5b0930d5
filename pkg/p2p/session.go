// Package p2p runs a host-authoritative lobby on top of a transport: lobby
// lifecycle, roster, chat relay, input capture, instantiation, ping and the
// synced state and event registries.
package p2p

import (
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/peterouob/p2plobby/pkg/logging"
	"github.com/peterouob/p2plobby/pkg/transport"
)

var (
	ErrAlreadyInLobby = transport.ErrAlreadyInLobby
	ErrInvalidCode    = transport.ErrInvalidCode
	ErrNotInLobby     = errors.New("not in a lobby")
	ErrNotHost        = errors.New("only the host can do that")
)

const DefaultPingInterval = time.Second

type Phase int

const (
	OutOfLobby Phase = iota
	JoiningLobby
	InLobby
)

func (p Phase) String() string {
	switch p {
	case OutOfLobby:
		return "out_of_lobby"
	case JoiningLobby:
		return "joining_lobby"
	case InLobby:
		return "in_lobby"
	default:
		return "unknown"
	}
}

type Options struct {
	// Registry holds the synced types. A session without one syncs nothing.
	Registry     *Registry
	PingInterval time.Duration
	Logger       *zap.Logger
	// Now replaces time.Now, for tests.
	Now func() time.Time
}

type target int

const (
	toHost target = iota
	toAll
	toPeer
	toAllExcept
)

type outgoing struct {
	target target
	peer   transport.PeerID
	data   []byte
}

// Session is one participant's view of a lobby. P is the per-player data, I
// the input a client uploads and N the instantiation payload. A Session is
// owned by the goroutine that calls Tick; none of its methods may be called
// concurrently.
type Session[P, I, N any] struct {
	tr  transport.Transport
	reg *Registry
	log *zap.Logger

	now          func() time.Time
	start        time.Time
	pingInterval time.Duration
	lastPing     time.Time
	rtt          time.Duration

	phase   Phase
	isHost  bool
	code    string
	localID transport.PeerID
	local   P
	// roster never holds localID. On the host it lists the clients; on a
	// client it is the host's broadcast, host entry first.
	roster []PlayerInfo[P]

	updates     updateQueue[P, I, N]
	outbox      []outgoing
	rosterDirty bool
	// host: the last connected set the transport reported, and the peers
	// that joined it since the previous tick.
	connected []transport.PeerID
	joined    []transport.PeerID
}

func NewSession[P, I, N any](tr transport.Transport, opts Options) *Session[P, I, N] {
	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	interval := opts.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Session[P, I, N]{
		tr:           tr,
		reg:          reg,
		log:          logging.OrNop(opts.Logger).Named("p2p"),
		now:          now,
		start:        now(),
		pingInterval: interval,
	}
}

func (s *Session[P, I, N]) Phase() Phase              { return s.phase }
func (s *Session[P, I, N]) IsHost() bool              { return s.isHost }
func (s *Session[P, I, N]) Code() string              { return s.code }
func (s *Session[P, I, N]) LocalID() transport.PeerID { return s.localID }
func (s *Session[P, I, N]) Registry() *Registry       { return s.reg }

// Ping is the last measured round trip to the host. Zero on the host and
// before the first echo.
func (s *Session[P, I, N]) Ping() time.Duration { return s.rtt }

func (s *Session[P, I, N]) idle() bool {
	return s.phase == OutOfLobby && s.code == ""
}

// CreateLobby makes this instance the host of a new lobby and returns its
// code. The lobby is entered once the transport confirms it.
func (s *Session[P, I, N]) CreateLobby() (string, error) {
	if !s.idle() {
		return "", ErrAlreadyInLobby
	}
	code, err := s.tr.CreateLobby()
	if err != nil {
		return "", err
	}
	s.isHost = true
	s.code = code
	s.localID = transport.HostID
	s.reg.setHost(true)
	s.log.Info("creating lobby", zap.String("code", code))
	return code, nil
}

// JoinLobby starts joining the lobby with the given code as a client.
func (s *Session[P, I, N]) JoinLobby(code string) error {
	if !s.idle() {
		return ErrAlreadyInLobby
	}
	code, err := transport.NormalizeCode(code)
	if err != nil {
		return err
	}
	if err := s.tr.JoinLobby(code); err != nil {
		return err
	}
	s.isHost = false
	s.code = code
	s.phase = JoiningLobby
	s.reg.setHost(false)
	s.log.Info("joining lobby", zap.String("code", code))
	return nil
}

// ExitLobby leaves the lobby. Pending updates are discarded and no exit update
// is produced.
func (s *Session[P, I, N]) ExitLobby() error {
	if s.idle() {
		return ErrNotInLobby
	}
	s.log.Info("leaving lobby", zap.String("code", s.code), zap.Bool("host", s.isHost))
	s.tr.ExitLobby()
	s.reset()
	return nil
}

func (s *Session[P, I, N]) reset() {
	s.phase = OutOfLobby
	s.isHost = false
	s.code = ""
	s.localID = transport.HostID
	s.roster = nil
	s.rtt = 0
	s.updates.clear()
	s.outbox = nil
	s.rosterDirty = false
	s.connected = nil
	s.joined = nil
	s.reg.setHost(false)
}

// Kick removes a client from the lobby.
func (s *Session[P, I, N]) Kick(peer transport.PeerID) error {
	if !s.isHost {
		return ErrNotHost
	}
	if s.phase != InLobby {
		return ErrNotInLobby
	}
	s.log.Info("kicking", zap.Uint64("peer", uint64(peer)))
	s.tr.Kick(peer)
	if s.removePlayer(peer) {
		s.rosterDirty = true
	}
	return nil
}

// SendMessageToHost sends a chat line only the host sees.
func (s *Session[P, I, N]) SendMessageToHost(text string) error {
	if s.phase != InLobby {
		return ErrNotInLobby
	}
	if s.isHost {
		return nil
	}
	s.queue(chatMessage[P, I, N](Chat{Text: text, ToHostOnly: true}), toHost, 0)
	return nil
}

// SendMessageAll sends a chat line to everyone in the lobby. A client's line
// is relayed by the host.
func (s *Session[P, I, N]) SendMessageAll(text string) error {
	if s.phase != InLobby {
		return ErrNotInLobby
	}
	if s.isHost {
		s.queue(chatMessage[P, I, N](Chat{Text: text, Sender: transport.HostID}), toAll, 0)
		return nil
	}
	s.queue(chatMessage[P, I, N](Chat{Text: text}), toHost, 0)
	return nil
}

// SendInputs uploads input to the host. The host's own input goes straight to
// its update queue.
func (s *Session[P, I, N]) SendInputs(input I) error {
	if s.phase != InLobby {
		return ErrNotInLobby
	}
	if s.isHost {
		s.updates.push(Update[P, I, N]{Kind: UpdateClientInput, Sender: transport.HostID, Input: input})
		return nil
	}
	s.queue(inputMessage[P, I, N](input), toHost, 0)
	return nil
}

// Instantiate reports the instantiation locally and, on the host, to every
// client.
func (s *Session[P, I, N]) Instantiate(payload N, t Transform) error {
	if s.phase != InLobby {
		return ErrNotInLobby
	}
	inst := Instantiation[N]{Transform: t, Payload: payload}
	s.updates.push(Update[P, I, N]{Kind: UpdateInstantiated, Instantiation: inst})
	if s.isHost {
		s.queue(instantiationMessage[P, I, N](inst), toAll, 0)
	}
	return nil
}

func (s *Session[P, I, N]) LocalPlayerData() P { return s.local }

// SetLocalPlayerData publishes new data for this instance: the host
// rebroadcasts the roster, a client sends it to the host.
func (s *Session[P, I, N]) SetLocalPlayerData(p P) {
	s.local = p
	if s.phase != InLobby {
		return
	}
	if s.isHost {
		s.rosterDirty = true
		return
	}
	s.queue(playerDataMessage[P, I, N](p), toHost, 0)
}

// Roster lists every participant except this instance. On a client the host
// entry comes first.
func (s *Session[P, I, N]) Roster() []PlayerInfo[P] {
	return slices.Clone(s.roster)
}

// Players lists every participant including this instance, host first. It is
// empty outside a lobby.
func (s *Session[P, I, N]) Players() []PlayerInfo[P] {
	if s.phase != InLobby {
		return nil
	}
	if s.isHost {
		out := make([]PlayerInfo[P], 0, len(s.roster)+1)
		out = append(out, PlayerInfo[P]{ID: transport.HostID, Data: s.local})
		return append(out, s.roster...)
	}
	out := slices.Clone(s.roster)
	return append(out, PlayerInfo[P]{ID: s.localID, Data: s.local})
}

// ReadUpdates drains the update queue.
func (s *Session[P, I, N]) ReadUpdates() []Update[P, I, N] {
	return s.updates.drain()
}

func (s *Session[P, I, N]) queue(m Message[P, I, N], t target, peer transport.PeerID) {
	data, err := Encode(m)
	if err != nil {
		s.log.Warn("encode message", zap.String("kind", string(m.Kind)), zap.Error(err))
		return
	}
	s.outbox = append(s.outbox, outgoing{target: t, peer: peer, data: data})
}

func (s *Session[P, I, N]) removePlayer(peer transport.PeerID) bool {
	i := slices.IndexFunc(s.roster, func(p PlayerInfo[P]) bool { return p.ID == peer })
	if i < 0 {
		return false
	}
	s.roster = slices.Delete(s.roster, i, i+1)
	return true
}

// elapsed is this instance's own clock for ping timestamps.
func (s *Session[P, I, N]) elapsed() time.Duration {
	return s.now().Sub(s.start)
}
