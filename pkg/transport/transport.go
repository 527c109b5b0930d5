// Package transport is the contract the session layer programs against,
// with a WebRTC implementation and an in-process one.
package transport

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

var (
	ErrAlreadyInLobby = errors.New("already in a lobby")
	ErrInvalidCode    = errors.New("invalid lobby code")
)

// PeerID names a participant. Clients carry the random id they signaled with;
// the host is always HostID.
type PeerID uint64

const HostID PeerID = 0

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeLength   = 6
)

type ExitReason int

// ExitDisconnected covers every involuntary exit, kicks included.
const ExitDisconnected ExitReason = iota

func (r ExitReason) String() string {
	switch r {
	case ExitDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	LobbyCreated EventKind = iota
	LobbyJoined
	LobbyEntered
	LobbyExited
	RosterChanged
	FromClient
	FromHost
)

func (k EventKind) String() string {
	switch k {
	case LobbyCreated:
		return "lobby_created"
	case LobbyJoined:
		return "lobby_joined"
	case LobbyEntered:
		return "lobby_entered"
	case LobbyExited:
		return "lobby_exited"
	case RosterChanged:
		return "roster_changed"
	case FromClient:
		return "from_client"
	case FromHost:
		return "from_host"
	default:
		return "unknown"
	}
}

// Event is one transport notification.
//   - LobbyCreated, LobbyEntered: Code.
//   - LobbyJoined: Code, and Peer is this instance's own id.
//   - LobbyExited: Reason.
//   - RosterChanged: Peers, the clients currently connected to the host.
//   - FromClient: Peer is the sender, Data the frame.
//   - FromHost: Data.
type Event struct {
	Kind   EventKind
	Code   string
	Peer   PeerID
	Peers  []PeerID
	Reason ExitReason
	Data   []byte
}

// Transport moves opaque frames between a host and its clients. Sends are
// best-effort and silently dropped when no open channel exists. Poll is called
// once per tick from the goroutine that owns the transport; every other method
// belongs to that goroutine too.
type Transport interface {
	CreateLobby() (string, error)
	JoinLobby(code string) error
	ExitLobby()
	SendToHost(b []byte)
	SendToAll(b []byte)
	SendTo(peer PeerID, b []byte)
	SendToAllExcept(peer PeerID, b []byte)
	Kick(peer PeerID)
	Poll() []Event
}

// NewRoomCode draws a six letter room code.
func NewRoomCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	code := make([]byte, codeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = codeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// NormalizeCode upper-cases and validates a code typed by a user.
func NormalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != codeLength {
		return "", ErrInvalidCode
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(codeAlphabet, code[i]) < 0 {
			return "", ErrInvalidCode
		}
	}
	return code, nil
}
