package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/peterouob/p2plobby/pkg/p2p"
	"github.com/peterouob/p2plobby/pkg/transport"
	"github.com/peterouob/p2plobby/pkg/websocket"
)

type Player struct {
	Name string `json:"name"`
}

type Input struct {
	Key string `json:"key"`
}

type Spawn struct {
	Prefab string `json:"prefab"`
}

// Scoreboard is host-owned state mirrored to every client.
type Scoreboard struct {
	Round int `json:"round"`
}

type Announcement struct {
	Text string `json:"text"`
}

type session = p2p.Session[Player, Input, Spawn]

// frame is what browsers receive on /ws.
type frame struct {
	Type    string                   `json:"type"`
	Code    string                   `json:"code,omitempty"`
	Text    string                   `json:"text,omitempty"`
	Sender  uint64                   `json:"sender,omitempty"`
	Reason  string                   `json:"reason,omitempty"`
	Players []p2p.PlayerInfo[Player] `json:"players,omitempty"`
	Input   *Input                   `json:"input,omitempty"`
	Spawn   *Spawn                   `json:"spawn,omitempty"`
	RTTms   int64                    `json:"rtt_ms,omitempty"`
	Round   int                      `json:"round,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

type app struct {
	sess       *session
	feed       *websocket.Feed
	scoreboard *p2p.State[Scoreboard]
	announce   *p2p.Event[Announcement]
	log        *zap.Logger

	lastRound int
}

func newRegistry() (*p2p.Registry, *p2p.State[Scoreboard], *p2p.Event[Announcement], error) {
	reg := p2p.NewRegistry()
	sb, err := p2p.RegisterState[Scoreboard](reg)
	if err != nil {
		return nil, nil, nil, err
	}
	ann, err := p2p.RegisterEvent[Announcement](reg)
	if err != nil {
		return nil, nil, nil, err
	}
	return reg, sb, ann, nil
}

// run owns the session: ticks and browser commands are handled on this
// goroutine only.
func (a *app) run(ctx context.Context, rate time.Duration) error {
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = a.sess.ExitLobby()
			return nil
		case cmd := <-a.feed.Commands():
			if err := a.handle(cmd); err != nil {
				a.publish(frame{Type: "error", Error: err.Error()})
			}
		case <-ticker.C:
			a.step()
		}
	}
}

func (a *app) step() {
	a.sess.Tick()

	for _, u := range a.sess.ReadUpdates() {
		a.publish(frameOf(u))
	}
	for _, ann := range a.announce.Drain() {
		a.publish(frame{Type: "announcement", Text: ann.Text})
	}
	if round := a.scoreboard.Get().Round; round != a.lastRound {
		a.lastRound = round
		a.publish(frame{Type: "scoreboard", Round: round})
	}
}

func (a *app) handle(cmd websocket.Command) error {
	switch cmd.Type {
	case "create":
		_, err := a.sess.CreateLobby()
		return err
	case "join":
		return a.sess.JoinLobby(cmd.Code)
	case "exit":
		return a.sess.ExitLobby()
	case "chat":
		if cmd.ToHost {
			return a.sess.SendMessageToHost(cmd.Text)
		}
		return a.sess.SendMessageAll(cmd.Text)
	case "kick":
		return a.sess.Kick(transport.PeerID(cmd.Peer))
	case "name":
		a.sess.SetLocalPlayerData(Player{Name: cmd.Text})
		return nil
	case "input":
		return a.sess.SendInputs(Input{Key: cmd.Text})
	case "spawn":
		return a.sess.Instantiate(Spawn{Prefab: cmd.Text}, p2p.IdentityTransform)
	case "announce":
		if !a.sess.IsHost() {
			return p2p.ErrNotHost
		}
		return a.announce.Emit(Announcement{Text: cmd.Text})
	case "next_round":
		if !a.sess.IsHost() {
			return p2p.ErrNotHost
		}
		sb := a.scoreboard.Get()
		sb.Round++
		a.scoreboard.Set(sb)
		return nil
	default:
		a.log.Debug("unknown command", zap.String("type", cmd.Type))
		return nil
	}
}

func (a *app) publish(f frame) {
	if err := a.feed.Broadcast(f); err != nil {
		a.log.Warn("broadcast frame", zap.String("type", f.Type), zap.Error(err))
	}
}

func frameOf(u p2p.Update[Player, Input, Spawn]) frame {
	f := frame{Type: u.Kind.String()}
	switch u.Kind {
	case p2p.UpdateLobbyCreated, p2p.UpdateLobbyJoined, p2p.UpdateLobbyEntered:
		f.Code = u.Code
	case p2p.UpdateLobbyExited:
		f.Reason = u.Reason.String()
	case p2p.UpdateHostChat:
		f.Text = u.Text
	case p2p.UpdateClientChat:
		f.Text = u.Text
		f.Sender = uint64(u.Sender)
	case p2p.UpdateRosterUpdated:
		f.Players = u.Players
	case p2p.UpdateClientInput:
		in := u.Input
		f.Sender = uint64(u.Sender)
		f.Input = &in
	case p2p.UpdateInstantiated:
		sp := u.Instantiation.Payload
		f.Spawn = &sp
	case p2p.UpdatePingUpdated:
		f.RTTms = u.RTT.Milliseconds()
	}
	return f
}
