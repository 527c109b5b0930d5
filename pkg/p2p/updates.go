package p2p

import (
	"time"

	"github.com/peterouob/p2plobby/pkg/transport"
)

type UpdateKind int

const (
	UpdateLobbyCreated UpdateKind = iota
	UpdateLobbyJoined
	UpdateLobbyEntered
	UpdateLobbyExited
	UpdateHostChat
	UpdateClientChat
	UpdateRosterUpdated
	UpdateClientInput
	UpdateInstantiated
	UpdatePingUpdated
)

var updateNames = [...]string{
	UpdateLobbyCreated:  "lobby_created",
	UpdateLobbyJoined:   "lobby_joined",
	UpdateLobbyEntered:  "lobby_entered",
	UpdateLobbyExited:   "lobby_exited",
	UpdateHostChat:      "host_chat",
	UpdateClientChat:    "client_chat",
	UpdateRosterUpdated: "roster_updated",
	UpdateClientInput:   "client_input",
	UpdateInstantiated:  "instantiated",
	UpdatePingUpdated:   "ping_updated",
}

func (k UpdateKind) String() string {
	if k < 0 || int(k) >= len(updateNames) {
		return "unknown"
	}
	return updateNames[k]
}

// Update is one consumer-facing notification. Which fields are meaningful
// depends on Kind:
//   - LobbyCreated, LobbyJoined, LobbyEntered: Code
//   - LobbyExited: Reason
//   - HostChat: Text; ClientChat: Text and Sender
//   - RosterUpdated: Players, as Session.Players reports them
//   - ClientInput: Sender and Input; Sender is HostID for the host's own input
//   - Instantiated: Instantiation
//   - PingUpdated: RTT
type Update[P, I, N any] struct {
	Kind          UpdateKind
	Code          string
	Reason        transport.ExitReason
	Text          string
	Sender        transport.PeerID
	Players       []PlayerInfo[P]
	Input         I
	Instantiation Instantiation[N]
	RTT           time.Duration
}

type updateQueue[P, I, N any] struct {
	items []Update[P, I, N]
}

func (q *updateQueue[P, I, N]) push(u Update[P, I, N]) {
	q.items = append(q.items, u)
}

func (q *updateQueue[P, I, N]) drain() []Update[P, I, N] {
	out := q.items
	q.items = nil
	return out
}

func (q *updateQueue[P, I, N]) clear() {
	q.items = nil
}
