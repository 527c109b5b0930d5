package transport

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterouob/p2plobby/pkg/docstore"
	"github.com/peterouob/p2plobby/pkg/signal"
	wbc "github.com/peterouob/p2plobby/pkg/webrtc"
)

type fakeConns struct {
	next    wbc.ConnectionID
	offers  int
	answers int
	closed  []wbc.ConnectionID
	pending []wbc.Event
}

func (f *fakeConns) CreateOffer() (wbc.ConnectionID, error) {
	f.next++
	f.offers++
	f.pending = append(f.pending, wbc.Event{Kind: wbc.EventLocalSDP, ID: f.next, SDP: "offer-sdp"})
	return f.next, nil
}

func (f *fakeConns) CreateAnswer(string) (wbc.ConnectionID, error) {
	f.next++
	f.answers++
	f.pending = append(f.pending, wbc.Event{Kind: wbc.EventLocalSDP, ID: f.next, SDP: "answer-sdp"})
	return f.next, nil
}

func (f *fakeConns) SetRemote(wbc.ConnectionID, string) error { return nil }

func (f *fakeConns) Poll() []wbc.Event {
	out := f.pending
	f.pending = nil
	return out
}

func (f *fakeConns) Send(wbc.ConnectionID, string) error { return nil }

func (f *fakeConns) Close(id wbc.ConnectionID) error {
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeConns) CloseAll() error { return nil }

func newSignalStore(t *testing.T) *signal.Store {
	t.Helper()
	ts := httptest.NewServer(docstore.New(nil).Routes())
	t.Cleanup(ts.Close)
	return signal.NewStore(ts.URL, ts.Client(), nil)
}

func newPoller(t *testing.T, store *signal.Store, neg signal.Negotiator) *signal.Poller {
	t.Helper()
	p := signal.NewPoller(store, neg, signal.Options{
		PollInterval:    10 * time.Millisecond,
		NotFoundBackoff: 30 * time.Millisecond,
	})
	t.Cleanup(p.Close)
	return p
}

func pollFor(tr Transport, d time.Duration) []Event {
	var out []Event
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		out = append(out, tr.Poll()...)
		time.Sleep(5 * time.Millisecond)
	}
	return out
}

func TestRTC_JoinMissingRoomOffersOnce(t *testing.T) {
	store := newSignalStore(t)
	conns := &fakeConns{}
	client := NewRTC(conns, newPoller(t, store, conns), nil)

	require.NoError(t, client.JoinLobby("nroomx"))
	assert.ErrorIs(t, client.JoinLobby("NROOMX"), ErrAlreadyInLobby)

	assert.Empty(t, pollFor(client, 200*time.Millisecond))
	assert.Zero(t, conns.offers)

	require.NoError(t, store.EnsureRoom(context.Background(), "NROOMX"))
	require.Eventually(t, func() bool {
		client.Poll()
		return conns.offers == 1
	}, 5*time.Second, 5*time.Millisecond)

	pollFor(client, 200*time.Millisecond)
	assert.Equal(t, 1, conns.offers)

	room, err := store.Fetch(context.Background(), "NROOMX")
	require.NoError(t, err)
	assert.Len(t, room.Offers, 1)
}

func TestRTC_HostEntersAfterRoomWrite(t *testing.T) {
	store := newSignalStore(t)
	conns := &fakeConns{}
	host := NewRTC(conns, newPoller(t, store, conns), nil)

	code, err := host.CreateLobby()
	require.NoError(t, err)

	evs := host.Poll()
	require.NotEmpty(t, evs)
	assert.Equal(t, Event{Kind: LobbyCreated, Code: code}, evs[0])

	var entered bool
	require.Eventually(t, func() bool {
		for _, ev := range host.Poll() {
			if ev.Kind == LobbyEntered && ev.Code == code {
				entered = true
			}
		}
		return entered
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, store.PutOffer(context.Background(), code, "77", "offer"))
	require.Eventually(t, func() bool {
		host.Poll()
		room, err := store.Fetch(context.Background(), code)
		return err == nil && room.Answers["77"] == "answer-sdp"
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, conns.answers)

	// Kicking a client whose channel never opened closes it quietly.
	host.Kick(77)
	assert.Equal(t, []wbc.ConnectionID{1}, conns.closed)
	assert.Empty(t, pollFor(host, 50*time.Millisecond))

	host.ExitLobby()
	_, err = host.CreateLobby()
	assert.NoError(t, err)
}

// TestRTC_EndToEnd runs a host and a client over real peer connections.
func TestRTC_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates real peer connections")
	}
	store := newSignalStore(t)

	newSide := func() *RTC {
		m, err := wbc.NewManager(wbc.Options{IncludeLoopback: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = m.CloseAll() })
		return NewRTC(m, newPoller(t, store, m), nil)
	}
	host, client := newSide(), newSide()

	code, err := host.CreateLobby()
	require.NoError(t, err)
	require.NoError(t, client.JoinLobby(code))

	var (
		self    PeerID
		entered bool
		roster  []PeerID
	)
	require.Eventually(t, func() bool {
		for _, ev := range client.Poll() {
			switch ev.Kind {
			case LobbyJoined:
				self = ev.Peer
			case LobbyEntered:
				entered = ev.Code == code
			}
		}
		for _, ev := range host.Poll() {
			if ev.Kind == RosterChanged {
				roster = ev.Peers
			}
		}
		return entered && len(roster) == 1
	}, 20*time.Second, 10*time.Millisecond)
	assert.Equal(t, []PeerID{self}, roster)

	client.SendToHost([]byte(`{"kind":"ping"}`))
	var got Event
	require.Eventually(t, func() bool {
		for _, ev := range host.Poll() {
			if ev.Kind == FromClient {
				got = ev
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, self, got.Peer)
	assert.Equal(t, `{"kind":"ping"}`, string(got.Data))

	host.SendToAll([]byte("hello"))
	require.Eventually(t, func() bool {
		for _, ev := range client.Poll() {
			if ev.Kind == FromHost && string(ev.Data) == "hello" {
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)

	host.Kick(self)
	var exited bool
	require.Eventually(t, func() bool {
		for _, ev := range client.Poll() {
			if ev.Kind == LobbyExited {
				exited = true
			}
		}
		return exited
	}, 20*time.Second, 10*time.Millisecond)

	var after []PeerID
	for _, ev := range host.Poll() {
		if ev.Kind == RosterChanged {
			after = ev.Peers
		}
	}
	assert.NotNil(t, after)
	assert.Empty(t, after)
}

func TestRTC_FailedNegotiationExitsClient(t *testing.T) {
	store := newSignalStore(t)
	conns := &fakeConns{}
	client := NewRTC(conns, newPoller(t, store, conns), nil)

	require.NoError(t, store.EnsureRoom(context.Background(), "BADSDP"))
	require.NoError(t, client.JoinLobby("BADSDP"))
	require.Eventually(t, func() bool {
		client.Poll()
		return conns.offers == 1
	}, 5*time.Second, 5*time.Millisecond)

	// The offer connection dies before its channel ever opened.
	conns.pending = append(conns.pending, wbc.Event{Kind: wbc.EventClosed, ID: 1})
	evs := client.Poll()
	assert.Contains(t, evs, Event{Kind: LobbyExited, Reason: ExitDisconnected})
	assert.NotContains(t, evs, Event{Kind: LobbyEntered, Code: "BADSDP"})

	require.NoError(t, client.JoinLobby("BADSDP"), "free to try again")
}
