package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peterouob/p2plobby/pkg/p2p"
	"github.com/peterouob/p2plobby/pkg/transport"
	"github.com/peterouob/p2plobby/pkg/websocket"
)

func newTestApp(t *testing.T, hub *transport.Hub) *app {
	t.Helper()
	reg, sb, ann, err := newRegistry()
	require.NoError(t, err)
	return &app{
		sess:       p2p.NewSession[Player, Input, Spawn](hub.NewTransport(), p2p.Options{Registry: reg}),
		feed:       websocket.NewFeed(nil),
		scoreboard: sb,
		announce:   ann,
		log:        zap.NewNop(),
	}
}

func steps(apps ...*app) {
	for i := 0; i < 4; i++ {
		for _, a := range apps {
			a.step()
		}
	}
}

func TestApp_Commands(t *testing.T) {
	hub := transport.NewHub()
	host, client := newTestApp(t, hub), newTestApp(t, hub)

	require.NoError(t, host.handle(websocket.Command{Type: "create"}))
	code := host.sess.Code()
	require.NoError(t, client.handle(websocket.Command{Type: "join", Code: code}))
	steps(host, client)
	require.Equal(t, p2p.InLobby, client.sess.Phase())

	assert.ErrorIs(t, client.handle(websocket.Command{Type: "announce", Text: "x"}), p2p.ErrNotHost)
	assert.ErrorIs(t, client.handle(websocket.Command{Type: "next_round"}), p2p.ErrNotHost)
	assert.ErrorIs(t, client.handle(websocket.Command{Type: "kick", Peer: 1}), p2p.ErrNotHost)
	assert.NoError(t, client.handle(websocket.Command{Type: "bogus"}))

	require.NoError(t, client.handle(websocket.Command{Type: "name", Text: "zoe"}))
	require.NoError(t, host.handle(websocket.Command{Type: "next_round"}))
	require.NoError(t, host.handle(websocket.Command{Type: "announce", Text: "go"}))
	steps(host, client)

	assert.Equal(t, 1, client.scoreboard.Get().Round)
	assert.Equal(t, 1, client.lastRound)
	assert.Contains(t, host.sess.Roster(), p2p.PlayerInfo[Player]{ID: client.sess.LocalID(), Data: Player{Name: "zoe"}})

	require.NoError(t, host.handle(websocket.Command{Type: "kick", Peer: uint64(client.sess.LocalID())}))
	steps(host, client)
	assert.Equal(t, p2p.OutOfLobby, client.sess.Phase())
	assert.Empty(t, host.sess.Roster())
}

func TestFrameOf(t *testing.T) {
	f := frameOf(p2p.Update[Player, Input, Spawn]{Kind: p2p.UpdateClientChat, Sender: 9, Text: "yo"})
	assert.Equal(t, frame{Type: "client_chat", Sender: 9, Text: "yo"}, f)

	f = frameOf(p2p.Update[Player, Input, Spawn]{Kind: p2p.UpdatePingUpdated, RTT: 42 * time.Millisecond})
	assert.Equal(t, frame{Type: "ping_updated", RTTms: 42}, f)

	f = frameOf(p2p.Update[Player, Input, Spawn]{Kind: p2p.UpdateLobbyExited, Reason: transport.ExitDisconnected})
	assert.Equal(t, frame{Type: "lobby_exited", Reason: "disconnected"}, f)

	f = frameOf(p2p.Update[Player, Input, Spawn]{
		Kind:          p2p.UpdateInstantiated,
		Instantiation: p2p.Instantiation[Spawn]{Transform: p2p.IdentityTransform, Payload: Spawn{Prefab: "tree"}},
	})
	require.NotNil(t, f.Spawn)
	assert.Equal(t, "tree", f.Spawn.Prefab)
}

func TestLocalBase(t *testing.T) {
	base, err := localBase(":8081")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8081/docstore", base)

	base, err = localBase("10.0.0.2:9000")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:9000/docstore", base)

	_, err = localBase("nope")
	assert.Error(t, err)
}
