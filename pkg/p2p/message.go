package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/peterouob/p2plobby/pkg/transport"
)

var ErrMalformed = errors.New("malformed message")

type Kind string

const (
	KindChat          Kind = "chat"
	KindInput         Kind = "input"
	KindPlayerData    Kind = "player_data"
	KindRoster        Kind = "roster"
	KindStateSync     Kind = "state_sync"
	KindEventSync     Kind = "event_sync"
	KindInstantiation Kind = "instantiation"
	KindPing          Kind = "ping"
)

// Message is the wire envelope. Kind names which one of the other fields is
// set; exactly that field travels with it.
type Message[P, I, N any] struct {
	Kind          Kind              `json:"kind"`
	Chat          *Chat             `json:"chat,omitempty"`
	Input         *I                `json:"input,omitempty"`
	PlayerData    *P                `json:"player_data,omitempty"`
	Roster        *Roster[P]        `json:"roster,omitempty"`
	Sync          *Sync             `json:"sync,omitempty"`
	Instantiation *Instantiation[N] `json:"instantiation,omitempty"`
	Ping          *Ping             `json:"ping,omitempty"`
}

// Chat carries Sender only on the way out of the host: HostID for the host's
// own lines, the client id for relayed ones. Clients leave it zero.
type Chat struct {
	Text       string           `json:"text"`
	Sender     transport.PeerID `json:"sender"`
	ToHostOnly bool             `json:"to_host_only,omitempty"`
}

type PlayerInfo[P any] struct {
	ID   transport.PeerID `json:"id"`
	Data P                `json:"data"`
}

type Roster[P any] struct {
	Players []PlayerInfo[P] `json:"players"`
}

// Sync is a state or event value tagged with its registry index.
type Sync struct {
	Index   uint8           `json:"index"`
	Payload json.RawMessage `json:"payload"`
}

type Transform struct {
	Translation [3]float32 `json:"translation"`
	Rotation    [4]float32 `json:"rotation"`
	Scale       [3]float32 `json:"scale"`
}

// IdentityTransform is the transform with no translation, rotation or scaling.
var IdentityTransform = Transform{
	Rotation: [4]float32{0, 0, 0, 1},
	Scale:    [3]float32{1, 1, 1},
}

type Instantiation[N any] struct {
	Transform Transform `json:"transform"`
	Payload   N         `json:"payload"`
}

// Ping carries the sender's own elapsed clock. The host echoes it unchanged,
// so the round trip is measured against one clock only.
type Ping struct {
	Sent time.Duration `json:"sent"`
}

func Encode[P, I, N any](m Message[P, I, N]) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses one frame. Anything that is not a well formed message of a
// known kind yields ErrMalformed.
func Decode[P, I, N any](b []byte) (Message[P, I, N], error) {
	var m Message[P, I, N]
	if err := json.Unmarshal(b, &m); err != nil {
		return Message[P, I, N]{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := m.validate(); err != nil {
		return Message[P, I, N]{}, err
	}
	return m, nil
}

func (m Message[P, I, N]) validate() error {
	var ok bool
	switch m.Kind {
	case KindChat:
		ok = m.Chat != nil
	case KindInput:
		ok = m.Input != nil
	case KindPlayerData:
		ok = m.PlayerData != nil
	case KindRoster:
		ok = m.Roster != nil
	case KindStateSync, KindEventSync:
		ok = m.Sync != nil && json.Valid(m.Sync.Payload)
	case KindInstantiation:
		ok = m.Instantiation != nil
	case KindPing:
		ok = m.Ping != nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, m.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: %s without body", ErrMalformed, m.Kind)
	}
	if n := m.bodies(); n != 1 {
		return fmt.Errorf("%w: %s with %d bodies", ErrMalformed, m.Kind, n)
	}
	return nil
}

func (m Message[P, I, N]) bodies() int {
	var n int
	for _, set := range [...]bool{
		m.Chat != nil,
		m.Input != nil,
		m.PlayerData != nil,
		m.Roster != nil,
		m.Sync != nil,
		m.Instantiation != nil,
		m.Ping != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

func chatMessage[P, I, N any](c Chat) Message[P, I, N] {
	return Message[P, I, N]{Kind: KindChat, Chat: &c}
}

func inputMessage[P, I, N any](in I) Message[P, I, N] {
	return Message[P, I, N]{Kind: KindInput, Input: &in}
}

func playerDataMessage[P, I, N any](p P) Message[P, I, N] {
	return Message[P, I, N]{Kind: KindPlayerData, PlayerData: &p}
}

func rosterMessage[P, I, N any](players []PlayerInfo[P]) Message[P, I, N] {
	return Message[P, I, N]{Kind: KindRoster, Roster: &Roster[P]{Players: players}}
}

func syncMessage[P, I, N any](kind Kind, index uint8, payload []byte) Message[P, I, N] {
	return Message[P, I, N]{Kind: kind, Sync: &Sync{Index: index, Payload: payload}}
}

func instantiationMessage[P, I, N any](inst Instantiation[N]) Message[P, I, N] {
	return Message[P, I, N]{Kind: KindInstantiation, Instantiation: &inst}
}

func pingMessage[P, I, N any](sent time.Duration) Message[P, I, N] {
	return Message[P, I, N]{Kind: KindPing, Ping: &Ping{Sent: sent}}
}
